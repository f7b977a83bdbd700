// Package bus implements the Subscriber Bus: in-process fan-out of
// newly committed AggregateRows to any number of subscribers, with
// bounded per-subscriber buffering and a drop-slow-consumer policy so
// the ingest path is never blocked. Each subscriber gets its own
// bounded channel rather than a single shared broadcast channel, since
// a shared channel cannot express "drop only the slow subscriber"
// without blocking every other one.
package bus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/juju/loggo"

	"github.com/SurmountSystems/gabriel-v3/internal/gabriel"
)

var log = loggo.GetLogger("bus")

// DefaultBufferSize is the recommended per-subscriber buffer depth.
const DefaultBufferSize = 256

// Bus fans committed AggregateRows out to subscribers.
type Bus struct {
	mtx         sync.Mutex
	subscribers map[*Subscription]struct{}
	bufferSize  int
}

// New constructs a Bus with the given per-subscriber buffer size. A
// bufferSize of 0 uses DefaultBufferSize.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subscribers: make(map[*Subscription]struct{}),
		bufferSize:  bufferSize,
	}
}

// Subscription is one subscriber's handle. Rows arrives in commit order;
// Dropped fires once if the subscriber fell behind and was evicted, after
// which Rows is closed and no further sends occur.
type Subscription struct {
	ID      string
	Rows    <-chan gabriel.AggregateRow
	Dropped <-chan struct{}

	rows    chan gabriel.AggregateRow
	dropped chan struct{}
	bus     *Bus
}

// Subscribe registers a new subscriber and returns its handle. ID
// identifies the subscription in logs; it has no meaning beyond that.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		ID:      uuid.New().String(),
		rows:    make(chan gabriel.AggregateRow, b.bufferSize),
		dropped: make(chan struct{}),
		bus:     b,
	}
	s.Rows = s.rows
	s.Dropped = s.dropped

	b.mtx.Lock()
	b.subscribers[s] = struct{}{}
	b.mtx.Unlock()

	return s
}

// Unsubscribe releases a subscription's buffer. Safe to call more than
// once and safe to call after the subscriber was already dropped.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if _, ok := b.subscribers[s]; !ok {
		return
	}
	delete(b.subscribers, s)
	close(s.rows)
}

// Publish hands rows to every subscriber in commit order. A subscriber
// whose buffer is full is evicted immediately rather than blocking this
// call: the ingest task must never wait on a slow SSE client.
func (b *Bus) Publish(rows []gabriel.AggregateRow) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

subscriberLoop:
	for s := range b.subscribers {
		for _, r := range rows {
			select {
			case s.rows <- r:
			default:
				log.Warnf("subscriber %v buffer full, dropping slow consumer", s.ID)
				delete(b.subscribers, s)
				close(s.rows)
				close(s.dropped)
				continue subscriberLoop
			}
		}
	}
}
