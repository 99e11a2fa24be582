package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// CQ is a bounded ring of completion entries. Producers are the send and
// receive pipelines; the consumer is the application calling Poll or Wait.
//
// Capacity is admission-controlled: attaching a QP reserves that QP's
// maximum outstanding completions up front, so a correctly attached set of
// QPs can never overflow the ring and every work request keeps its
// exactly-once completion.
type CQ struct {
	id int

	mu       sync.Mutex
	entries  []CompletionEntry
	head     int
	count    int
	reserved int

	// notify wakes a blocked Wait; capacity 1, posts never block.
	notify chan struct{}
}

func newCQ(id, depth int) *CQ {
	return &CQ{
		id:      id,
		entries: make([]CompletionEntry, depth),
		notify:  make(chan struct{}, 1),
	}
}

// ID returns the handle value used to reference this CQ in QPConfig.
func (cq *CQ) ID() int { return cq.id }

// Depth returns the ring capacity.
func (cq *CQ) Depth() int { return len(cq.entries) }

// reserve claims n completion slots for an attaching QP.
func (cq *CQ) reserve(n int) error {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.reserved+n > len(cq.entries) {
		return ErrResourceExhausted
	}
	cq.reserved += n
	return nil
}

// release returns slots reserved by a destroyed QP.
func (cq *CQ) release(n int) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	cq.reserved -= n
	if cq.reserved < 0 {
		cq.reserved = 0
	}
}

// push appends one completion entry. Reservation makes overflow impossible
// in correct use; a violation is logged and the entry dropped rather than
// overwriting undelivered completions.
func (cq *CQ) push(e CompletionEntry) {
	cq.mu.Lock()
	if cq.count == len(cq.entries) {
		cq.mu.Unlock()
		log.Error().
			Int("cq", cq.id).
			Uint32("qpn", e.QPN).
			Uint64("wrId", e.WrID).
			Msg("Completion queue full, dropping entry")
		return
	}
	cq.entries[(cq.head+cq.count)%len(cq.entries)] = e
	cq.count++
	cq.mu.Unlock()

	select {
	case cq.notify <- struct{}{}:
	default:
	}
}

// Poll removes and returns up to max entries. It never blocks.
func (cq *CQ) Poll(max int) []CompletionEntry {
	if max <= 0 {
		return nil
	}
	cq.mu.Lock()
	defer cq.mu.Unlock()
	n := cq.count
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]CompletionEntry, n)
	for i := 0; i < n; i++ {
		out[i] = cq.entries[(cq.head+i)%len(cq.entries)]
	}
	cq.head = (cq.head + n) % len(cq.entries)
	cq.count -= n
	return out
}

// Wait blocks until at least one entry is available or ctx ends, then
// polls up to max entries. A convenience wrapper for callers without their
// own poll loop.
func (cq *CQ) Wait(ctx context.Context, max int) ([]CompletionEntry, error) {
	for {
		if out := cq.Poll(max); len(out) > 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-cq.notify:
		}
	}
}
