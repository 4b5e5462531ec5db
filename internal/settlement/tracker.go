package settlement

import (
	"sync"
	"time"
)

// Entry is one pending settlement handshake. The flag starts true and each
// party's acknowledgement flips it; the flip that lands back on true is the
// second ack, at which point the entry is popped and the market is told the
// settlement was delivered.
type Entry struct {
	CommitID string
	MarketID string
	BuyerID  string
	SellerID string
	flag     bool
	created  time.Time
}

// Tracker holds pending settlement acknowledgements keyed by commit id.
// Entries are created only when both counterparties are online; offline
// settlements bypass the tracker entirely.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*Entry
	now     func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		pending: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Open creates the pending entry for a commit id. A repeated commit id
// resets the handshake.
func (t *Tracker) Open(commitID, marketID, buyerID, sellerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending[commitID] = &Entry{
		CommitID: commitID,
		MarketID: marketID,
		BuyerID:  buyerID,
		SellerID: sellerID,
		flag:     true,
		created:  t.now(),
	}
}

// Ack records one party's acknowledgement. delivered is true on the second
// ack, after which the entry is gone; a later duplicate finds no entry and
// returns ok=false (callers log and move on — a completed handshake cannot
// complete twice).
func (t *Tracker) Ack(commitID string) (delivered bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, found := t.pending[commitID]
	if !found {
		return false, false
	}
	entry.flag = !entry.flag
	if entry.flag {
		delete(t.pending, commitID)
		return true, true
	}
	return false, true
}

// DropParty pops every pending entry in which the participant is buyer or
// seller and returns them. Called on participant disconnect so a vanished
// counterparty cannot strand a handshake.
func (t *Tracker) DropParty(participantID string) []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var dropped []*Entry
	for id, entry := range t.pending {
		if entry.BuyerID == participantID || entry.SellerID == participantID {
			dropped = append(dropped, entry)
			delete(t.pending, id)
		}
	}
	return dropped
}

// Expire pops entries older than ttl and returns them. The relay runs this
// on a sweep interval to bound growth from abandoned handshakes.
func (t *Tracker) Expire(ttl time.Duration) []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-ttl)
	var expired []*Entry
	for id, entry := range t.pending {
		if entry.created.Before(cutoff) {
			expired = append(expired, entry)
			delete(t.pending, id)
		}
	}
	return expired
}

// Len returns the number of pending entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
