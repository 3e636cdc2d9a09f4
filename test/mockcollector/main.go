// Mock line collector for end-to-end testing of the UDP output.
// Listens on a UDP address, decodes each datagram as one JSON line and counts
// lines per index and session.
//
// Usage:
//
//	go run test/mockcollector/main.go [--addr 127.0.0.1:9514] [--print]
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
)

type line struct {
	Index       string `json:"_index"`
	Session     string `json:"session"`
	Event       string `json:"event"`
	GapSeqStart uint64 `json:"gapSeqStart"`
	GapSeqEnd   uint64 `json:"gapSeqEnd"`
	GapCount    uint64 `json:"gapCount"`
}

type collector struct {
	addr string
	echo bool
	conn *net.UDPConn

	mu          sync.Mutex
	byIndex     map[string]int
	gapMessages map[string]uint64 // session -> missing messages reported
	received    int
	errors      int
}

func newCollector(addr string, echo bool) *collector {
	return &collector{
		addr:        addr,
		echo:        echo,
		byIndex:     make(map[string]int),
		gapMessages: make(map[string]uint64),
	}
}

func (c *collector) run() error {
	udpAddr, err := net.ResolveUDPAddr("udp", c.addr)
	if err != nil {
		return fmt.Errorf("resolve addr: %w", err)
	}

	c.conn, err = net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer c.conn.Close()

	log.Printf("Mock collector listening on %s", c.addr)

	buf := make([]byte, 65535)
	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("read error: %v", err)
			continue
		}

		if err := c.handleLine(buf[:n]); err != nil {
			log.Printf("handle error: %v", err)
			c.mu.Lock()
			c.errors++
			c.mu.Unlock()
		}
	}
}

func (c *collector) handleLine(data []byte) error {
	var l line
	if err := json.Unmarshal(data, &l); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if l.Index == "" {
		return fmt.Errorf("line without _index: %s", data)
	}

	c.mu.Lock()
	c.received++
	c.byIndex[l.Index]++
	if l.Index == "gaps" {
		c.gapMessages[l.Session] += l.GapCount
	}
	c.mu.Unlock()

	if c.echo {
		fmt.Println(string(data))
		return nil
	}
	switch l.Index {
	case "events":
		log.Printf("← %s %s", l.Session, l.Event)
	case "gaps":
		log.Printf("← %s gap %d..%d (%d missing)", l.Session, l.GapSeqStart, l.GapSeqEnd, l.GapCount)
	}
	return nil
}

func (c *collector) printStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	log.Printf("Stats: received=%d errors=%d events=%d stats=%d gaps=%d",
		c.received, c.errors, c.byIndex["events"], c.byIndex["stats"], c.byIndex["gaps"])

	sessions := make([]string, 0, len(c.gapMessages))
	for s := range c.gapMessages {
		sessions = append(sessions, s)
	}
	sort.Strings(sessions)
	for _, s := range sessions {
		log.Printf("  %s: %d messages reported missing", s, c.gapMessages[s])
	}
}

func main() {
	addr := flag.String("addr", "127.0.0.1:9514", "UDP address to listen on")
	echo := flag.Bool("print", false, "Echo every received line to stdout")
	flag.Parse()

	c := newCollector(*addr, *echo)

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		c.printStats()
		c.conn.Close()
	}()

	if err := c.run(); err != nil {
		log.Fatalf("Mock collector error: %v", err)
	}
}
