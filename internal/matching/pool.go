// Package matching holds the FIFO pool of guests waiting for a peer.
//
// The pool only knows about queue membership; keeping GuestSession.State in
// step (Idle <-> Searching) is the hub's job. Owned by the hub goroutine.
package matching

import (
	"errors"
	"time"

	"github.com/samber/lo"
)

var ErrAlreadySearching = errors.New("already searching")

// Entry is a guest waiting in the pool
type Entry struct {
	GuestID    string
	EnqueuedAt time.Time
	Filters    map[string]string
}

// Compatible reports whether two entries may be paired: every filter key
// set on both sides must carry the same value.
func Compatible(a, b Entry) bool {
	for k, va := range a.Filters {
		if vb, ok := b.Filters[k]; ok && va != vb {
			return false
		}
	}
	return true
}

type Pool struct {
	queue []Entry
	index map[string]struct{}
}

func NewPool() *Pool {
	return &Pool{index: make(map[string]struct{})}
}

// Enqueue appends guestID to the back of the queue
func (p *Pool) Enqueue(guestID string, filters map[string]string, at time.Time) error {
	if _, ok := p.index[guestID]; ok {
		return ErrAlreadySearching
	}
	p.queue = append(p.queue, Entry{GuestID: guestID, EnqueuedAt: at, Filters: filters})
	p.index[guestID] = struct{}{}
	return nil
}

// DequeueForPairing removes and returns the two oldest compatible entries.
// The oldest entry that has any compatible partner is paired with its
// oldest compatible partner; entries whose filters match nobody keep their
// place, which can starve niche filter groups.
func (p *Pool) DequeueForPairing() (Entry, Entry, bool) {
	for i := 0; i < len(p.queue); i++ {
		for j := i + 1; j < len(p.queue); j++ {
			if !Compatible(p.queue[i], p.queue[j]) {
				continue
			}
			a, b := p.queue[i], p.queue[j]
			p.removeAt(j)
			p.removeAt(i)
			return a, b, true
		}
	}
	return Entry{}, Entry{}, false
}

// Cancel removes guestID; absent guests are not an error
func (p *Pool) Cancel(guestID string) bool {
	if _, ok := p.index[guestID]; !ok {
		return false
	}
	_, i, _ := lo.FindIndexOf(p.queue, func(e Entry) bool { return e.GuestID == guestID })
	p.removeAt(i)
	return true
}

// Push puts an entry back at its original FIFO position, used when a
// pairing attempt has to be rolled back
func (p *Pool) Push(e Entry) error {
	if _, ok := p.index[e.GuestID]; ok {
		return ErrAlreadySearching
	}
	i := len(p.queue)
	for k, cur := range p.queue {
		if cur.EnqueuedAt.After(e.EnqueuedAt) {
			i = k
			break
		}
	}
	p.queue = append(p.queue, Entry{})
	copy(p.queue[i+1:], p.queue[i:])
	p.queue[i] = e
	p.index[e.GuestID] = struct{}{}
	return nil
}

func (p *Pool) Contains(guestID string) bool {
	_, ok := p.index[guestID]
	return ok
}

func (p *Pool) Len() int {
	return len(p.queue)
}

// WaitingSince lists guests enqueued before cutoff, oldest first
func (p *Pool) WaitingSince(cutoff time.Time) []string {
	waiting := lo.Filter(p.queue, func(e Entry, _ int) bool { return e.EnqueuedAt.Before(cutoff) })
	return lo.Map(waiting, func(e Entry, _ int) string { return e.GuestID })
}

// GuestIDs returns the queue order
func (p *Pool) GuestIDs() []string {
	return lo.Map(p.queue, func(e Entry, _ int) string { return e.GuestID })
}

func (p *Pool) removeAt(i int) {
	delete(p.index, p.queue[i].GuestID)
	p.queue = append(p.queue[:i], p.queue[i+1:]...)
}
