package status

import (
	"container/list"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-registry/types"
)

const (
	// DefaultTrackerTTL is how long an attempt is remembered when no TTL is given.
	DefaultTrackerTTL = 15 * time.Minute

	// DefaultTrackerMaxEntries caps the journal when no limit is given.
	DefaultTrackerMaxEntries = 100_000
)

// Attempt is the journal entry for a payment that has no registry record yet.
type Attempt struct {
	Status    types.PaymentStatusKind
	Reason    string
	UpdatedAt time.Time
}

type entry struct {
	id      common.Hash
	attempt Attempt
}

// Tracker is an in-memory journal of settlement attempts.
// Entries are kept in update order, so expiry and eviction only ever
// look at the oldest end of the list.
type Tracker struct {
	mu         sync.Mutex
	attempts   map[common.Hash]*list.Element
	order      *list.List
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

type TrackerOption func(*Tracker)

// WithMaxEntries bounds the journal; the least recently updated attempt is
// evicted first.
func WithMaxEntries(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.maxEntries = n
		}
	}
}

func NewTracker(ttl time.Duration, opts ...TrackerOption) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTrackerTTL
	}
	t := &Tracker{
		attempts:   make(map[common.Hash]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		maxEntries: DefaultTrackerMaxEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Mark records the latest state of an attempt.
func (t *Tracker) Mark(id common.Hash, status types.PaymentStatusKind, reason string) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	a := Attempt{Status: status, Reason: reason, UpdatedAt: now}
	if el, ok := t.attempts[id]; ok {
		el.Value.(*entry).attempt = a
		t.order.MoveToBack(el)
	} else {
		t.attempts[id] = t.order.PushBack(&entry{id: id, attempt: a})
	}

	t.expireLocked(now)
	for t.order.Len() > t.maxEntries {
		t.removeLocked(t.order.Front())
	}
}

// Get returns the live attempt for id.
func (t *Tracker) Get(id common.Hash) (Attempt, bool) {
	if t == nil {
		return Attempt{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.attempts[id]
	if !ok {
		return Attempt{}, false
	}
	a := el.Value.(*entry).attempt
	if t.now().Sub(a.UpdatedAt) > t.ttl {
		t.removeLocked(el)
		return Attempt{}, false
	}
	return a, true
}

// Forget drops id from the journal, typically once the registry holds a record.
func (t *Tracker) Forget(id common.Hash) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.attempts[id]; ok {
		t.removeLocked(el)
	}
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.attempts)
}

// expireLocked stops at the first live entry.
func (t *Tracker) expireLocked(now time.Time) {
	for el := t.order.Front(); el != nil; el = t.order.Front() {
		if now.Sub(el.Value.(*entry).attempt.UpdatedAt) <= t.ttl {
			return
		}
		t.removeLocked(el)
	}
}

func (t *Tracker) removeLocked(el *list.Element) {
	delete(t.attempts, el.Value.(*entry).id)
	t.order.Remove(el)
}
