package mold

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ITCH message type carrying system events.
const MsgTypeSystemEvent = 'S'

// Offset of the event code inside a system event message (type, 4 byte
// nanoseconds, 4 byte group, event).
const systemEventCodeOffset = 9

// ErrShortMessageBlock is returned when a message length prefix points past the payload.
var ErrShortMessageBlock = errors.New("message block shorter than its length prefixes")

// ForEachMessage walks count length-prefixed messages in payload and calls fn
// with each message body. It stops at the first prefix that is zero or runs
// past the end of payload and reports that as ErrShortMessageBlock.
func ForEachMessage(payload []byte, count uint16, fn func(msg []byte)) error {
	if count == EndOfSession {
		return nil
	}
	offset := 0
	for i := 0; i < int(count); i++ {
		if offset+2 > len(payload) {
			return fmt.Errorf("message %d of %d: %w", i+1, count, ErrShortMessageBlock)
		}
		n := int(binary.BigEndian.Uint16(payload[offset:]))
		offset += 2
		if n == 0 || offset+n > len(payload) {
			return fmt.Errorf("message %d of %d (length %d): %w", i+1, count, n, ErrShortMessageBlock)
		}
		fn(payload[offset : offset+n])
		offset += n
	}
	return nil
}

// SystemEvent returns the event name of an ITCH system event message.
// ok is false for other message types, short messages and unknown event codes.
func SystemEvent(msg []byte) (name string, ok bool) {
	if len(msg) <= systemEventCodeOffset || msg[0] != MsgTypeSystemEvent {
		return "", false
	}
	name = EventName(msg[systemEventCodeOffset])
	return name, name != ""
}

// EventName maps a system event code to its name; unknown codes map to "".
func EventName(code byte) string {
	switch code {
	case 'O':
		return "StartMessages"
	case 'S':
		return "StartSystemHours"
	case 'Q':
		return "StartMarketHours"
	case 'M':
		return "EndMarketHours"
	case 'E':
		return "EndSystemHours"
	case 'C':
		return "EndMessages"
	default:
		return ""
	}
}

// EndSessionEvent is the event name reported for end-of-session packets.
const EndSessionEvent = "EndSession"

// AppendMessage appends one length-prefixed message to block. Used to build
// test captures.
func AppendMessage(block []byte, msg []byte) []byte {
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(msg)))
	block = append(block, prefix[:]...)
	return append(block, msg...)
}

// NewSystemEventMessage builds a system event message with the given code.
func NewSystemEventMessage(code byte) []byte {
	msg := make([]byte, systemEventCodeOffset+1)
	msg[0] = MsgTypeSystemEvent
	msg[systemEventCodeOffset] = code
	return msg
}
