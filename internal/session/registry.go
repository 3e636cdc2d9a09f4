package session

import (
	log "github.com/sirupsen/logrus"

	"itch-gap/pkg/types"
)

// Registry owns the state of every session seen by one engine.
// Sessions are never evicted. It is not safe for concurrent use.
type Registry struct {
	byKey map[types.SessionKey]*State
	order []*State
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey: make(map[types.SessionKey]*State),
	}
}

// LookupOrCreate returns the state for key. A new state is seeded from the
// packet that created it; created reports whether that happened.
func (r *Registry) LookupOrCreate(key types.SessionKey, seqNo uint64, msgCount uint16) (*State, bool) {
	if s, ok := r.byKey[key]; ok {
		return s, false
	}

	s := newState(key, seqNo, msgCount)
	r.byKey[key] = s
	r.order = append(r.order, s)

	log.WithFields(log.Fields{
		"session":   key.String(),
		"seq_start": seqNo,
		"msg_count": msgCount,
	}).Debug("New session")

	return s, true
}

// Range calls fn for every session in creation order until fn returns false.
func (r *Registry) Range(fn func(*State) bool) {
	for _, s := range r.order {
		if !fn(s) {
			return
		}
	}
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	return len(r.order)
}

// OpenGaps returns the number of open gap ranges across all sessions.
func (r *Registry) OpenGaps() int {
	n := 0
	for _, s := range r.order {
		n += s.Gaps.Len()
	}
	return n
}
