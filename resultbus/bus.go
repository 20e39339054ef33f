package resultbus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/offload"
)

var (
	ErrBusClosed          = errors.New("resultbus: bus is closed")
	ErrSubscriberExists   = errors.New("resultbus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("resultbus: subscriber not found")
	ErrNilChannel         = errors.New("resultbus: nil channel provided")
)

// DropPolicy defines what happens when a subscriber cannot keep up.
type DropPolicy int

const (
	// DropNew discards the incoming result when the channel is full.
	DropNew DropPolicy = iota
	// DropOld replaces the held result with the incoming one.
	DropOld
)

// SubscriberStats tracks delivery for one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Stats is a snapshot of the bus counters.
type Stats struct {
	TotalPublished uint64
	TotalSent      uint64
	TotalDropped   uint64
	Subscribers    map[string]SubscriberStats
}

type subscriber struct {
	policy DropPolicy
	stats  SubscriberStats

	ch     chan<- offload.InferenceResult // DropNew
	latest *Latest                        // DropOld
}

// Bus fans results out to subscribers. It implements offload.Reporter.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriber
	totalPublished uint64
	closed         bool
}

var _ offload.Reporter = (*Bus)(nil)

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]*subscriber),
	}
}

// Subscribe registers ch under id with the DropNew policy.
func (b *Bus) Subscribe(id string, ch chan<- offload.InferenceResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	if ch == nil {
		return ErrNilChannel
	}

	b.subscribers[id] = &subscriber{policy: DropNew, ch: ch}
	return nil
}

// SubscribeLatest registers a DropOld subscriber and returns its receiver.
func (b *Bus) SubscribeLatest(id string) (*Latest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	l := newLatest()
	b.subscribers[id] = &subscriber{policy: DropOld, latest: l}
	return l, nil
}

// Publish hands res to every subscriber. Never blocks.
func (b *Bus) Publish(res offload.InferenceResult) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	atomic.AddUint64(&b.totalPublished, 1)

	for _, s := range b.subscribers {
		switch s.policy {
		case DropNew:
			select {
			case s.ch <- res:
				atomic.AddUint64(&s.stats.Sent, 1)
			default:
				atomic.AddUint64(&s.stats.Dropped, 1)
			}
		case DropOld:
			if s.latest.set(res) {
				atomic.AddUint64(&s.stats.Dropped, 1)
			}
			atomic.AddUint64(&s.stats.Sent, 1)
		}
	}
}

// Report implements offload.Reporter.
func (b *Bus) Report(res offload.InferenceResult) {
	b.Publish(res)
}

// Unsubscribe removes a subscriber. Its channel is not closed.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if s.latest != nil {
		s.latest.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Stats returns a snapshot of all counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		TotalPublished: atomic.LoadUint64(&b.totalPublished),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, s := range b.subscribers {
		sub := SubscriberStats{
			Sent:    atomic.LoadUint64(&s.stats.Sent),
			Dropped: atomic.LoadUint64(&s.stats.Dropped),
		}
		st.Subscribers[id] = sub
		st.TotalSent += sub.Sent
		st.TotalDropped += sub.Dropped
	}
	return st
}

// Close stops delivery. Subscriber channels are left open; their owners
// close them.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subscribers {
		if s.latest != nil {
			s.latest.Close()
		}
	}
	b.subscribers = nil
}

// DropRate returns Dropped/(Sent+Dropped) for id, 0 when unknown or idle.
func DropRate(st Stats, id string) float64 {
	sub, ok := st.Subscribers[id]
	if !ok {
		return 0
	}
	total := sub.Sent + sub.Dropped
	if total == 0 {
		return 0
	}
	return float64(sub.Dropped) / float64(total)
}

// Latest holds the most recent result for a DropOld subscriber.
type Latest struct {
	mu     sync.Mutex
	cond   *sync.Cond
	res    *offload.InferenceResult
	seq    uint64
	read   uint64
	closed bool
}

func newLatest() *Latest {
	l := &Latest{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// set stores res and reports whether an unread result was overwritten.
func (l *Latest) set(res offload.InferenceResult) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	overwrote := l.res != nil && l.read < l.seq
	l.res = &res
	l.seq++
	l.cond.Broadcast()
	return overwrote
}

// Receive blocks until a result newer than the last one received is
// available. It returns false once closed.
func (l *Latest) Receive() (offload.InferenceResult, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.read == l.seq && !l.closed {
		l.cond.Wait()
	}
	if l.closed {
		return offload.InferenceResult{}, false
	}
	l.read = l.seq
	return *l.res, true
}

// Close wakes blocked receivers.
func (l *Latest) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.cond.Broadcast()
}
