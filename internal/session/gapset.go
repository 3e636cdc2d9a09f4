package session

import (
	"time"

	"github.com/huandu/skiplist"

	"itch-gap/pkg/types"
)

// GapSet holds the open gap ranges of one session ordered by sequence number.
// Ranges never overlap, so each End is unique and is used as the list key;
// the range containing seq is the first one whose End is above seq.
type GapSet struct {
	list *skiplist.SkipList
}

// NewGapSet creates an empty gap set.
func NewGapSet() *GapSet {
	return &GapSet{list: skiplist.New(skiplist.Uint64)}
}

// Add inserts a range. Closed ranges are dropped.
func (g *GapSet) Add(r types.GapRange) {
	if r.Closed() {
		return
	}
	g.list.Set(r.End, &r)
}

// Containing returns the range with Start < seq < End, or nil.
func (g *GapSet) Containing(seq uint64) *types.GapRange {
	elem := g.find(seq)
	if elem == nil {
		return nil
	}
	r := *elem.Value.(*types.GapRange)
	return &r
}

func (g *GapSet) find(seq uint64) *skiplist.Element {
	if seq == ^uint64(0) {
		return nil
	}
	elem := g.list.Find(seq + 1)
	if elem == nil {
		return nil
	}
	if !elem.Value.(*types.GapRange).Contains(seq) {
		return nil
	}
	return elem
}

// Fill records the arrival of seq inside an open range. A seq next to the
// lower bound grows Start, one next to the upper bound shrinks End, and a
// range left with nothing missing is removed. Any other interior seq splits
// the range in two: the lower half is stamped with ts, the upper half keeps
// the original stamp. Fill returns false when no open range contains seq.
func (g *GapSet) Fill(seq uint64, ts time.Time) bool {
	elem := g.find(seq)
	if elem == nil {
		return false
	}
	r := elem.Value.(*types.GapRange)

	switch {
	case seq == r.Start+1:
		r.Start++
		if r.Closed() {
			g.list.RemoveElement(elem)
		}
	case seq == r.End-1:
		g.list.RemoveElement(elem)
		r.End--
		if !r.Closed() {
			g.list.Set(r.End, r)
		}
	default:
		lower := &types.GapRange{Start: r.Start, End: seq, TS: ts}
		r.Start = seq
		g.list.Set(lower.End, lower)
	}
	return true
}

// Ranges returns a copy of the open ranges in ascending order.
func (g *GapSet) Ranges() []types.GapRange {
	out := make([]types.GapRange, 0, g.list.Len())
	for elem := g.list.Front(); elem != nil; elem = elem.Next() {
		out = append(out, *elem.Value.(*types.GapRange))
	}
	return out
}

// Len returns the number of open ranges.
func (g *GapSet) Len() int {
	return g.list.Len()
}

// Missing returns the number of sequence numbers currently missing.
func (g *GapSet) Missing() uint64 {
	var n uint64
	for elem := g.list.Front(); elem != nil; elem = elem.Next() {
		n += elem.Value.(*types.GapRange).Missing()
	}
	return n
}

// Clear drops every open range.
func (g *GapSet) Clear() {
	g.list.Init()
}
