// Package broadcast fans job events out to live subscribers.
//
// Every job id has its own topic. Publishing to one topic never waits
// for subscribers of another one, and a slow subscriber never blocks the
// publisher: its queue is bounded and the oldest queued event is
// discarded to make room for a new one.
package broadcast

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/windsim/simrunner/internal/model"
	"github.com/windsim/simrunner/internal/observability"

	"github.com/google/uuid"
)

const DefaultQueueSize = 64

// Subscription is a handle to the live event stream of one job. Events
// published before Subscribe returned are not delivered.
type Subscription struct {
	ID    uuid.UUID
	JobID string

	ch      chan model.Event
	closed  bool // guarded by the topic mutex
	dropped atomic.Int64
}

// Events returns the queue of the subscription. It is closed by Unsubscribe.
func (s *Subscription) Events() <-chan model.Event {
	return s.ch
}

// All yields events until the subscription is closed or ctx is done.
func (s *Subscription) All(ctx context.Context) iter.Seq[model.Event] {
	return func(yield func(model.Event) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-s.ch:
				if !ok || !yield(ev) {
					return
				}
			}
		}
	}
}

// Dropped is the number of events discarded because the queue was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// offer enqueues ev, evicting the oldest events while the queue is full.
// Callers hold the topic mutex, so s is the only sender.
func (s *Subscription) offer(ev model.Event) (evicted int) {
	for {
		select {
		case s.ch <- ev:
			return evicted
		default:
		}
		select {
		case <-s.ch:
			evicted++
			s.dropped.Add(1)
		default:
		}
	}
}

type topic struct {
	mx   sync.Mutex
	subs map[uuid.UUID]*Subscription
}

type Broadcaster struct {
	mx        sync.RWMutex
	topics    map[string]*topic
	queueSize int
	metrics   *observability.Metrics
}

type Option func(*Broadcaster)

func WithMetrics(m *observability.Metrics) Option {
	return func(b *Broadcaster) {
		b.metrics = m
	}
}

func New(queueSize int, opts ...Option) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	b := &Broadcaster{
		topics:    make(map[string]*topic),
		queueSize: queueSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = observability.NewMetricsForTesting()
	}
	return b
}

func (b *Broadcaster) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		ID:    uuid.New(),
		JobID: jobID,
		ch:    make(chan model.Event, b.queueSize),
	}

	b.mx.Lock()
	defer b.mx.Unlock()
	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[uuid.UUID]*Subscription)}
		b.topics[jobID] = t
	}
	t.mx.Lock()
	t.subs[sub.ID] = sub
	t.mx.Unlock()

	b.metrics.Subscribers.Inc()
	slog.Debug("subscribed", "job_id", jobID, "subscription", sub.ID)
	return sub
}

// Unsubscribe detaches sub and closes its queue. It is idempotent.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	t, ok := b.topics[sub.JobID]
	if !ok {
		return
	}
	t.mx.Lock()
	defer t.mx.Unlock()
	if _, ok := t.subs[sub.ID]; !ok {
		return
	}
	delete(t.subs, sub.ID)
	sub.closed = true
	close(sub.ch)
	if len(t.subs) == 0 {
		delete(b.topics, sub.JobID)
	}
	b.metrics.Subscribers.Dec()
	slog.Debug("unsubscribed", "job_id", sub.JobID, "subscription", sub.ID, "dropped", sub.Dropped())
}

// Publish delivers ev to every current subscriber of jobID. It never blocks
// on a subscriber.
func (b *Broadcaster) Publish(jobID string, ev model.Event) {
	if ev.JobID == "" {
		ev.JobID = jobID
	}
	b.metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()

	b.mx.RLock()
	defer b.mx.RUnlock()
	t, ok := b.topics[jobID]
	if !ok {
		return
	}
	t.mx.Lock()
	defer t.mx.Unlock()
	for _, sub := range t.subs {
		if sub.closed {
			continue
		}
		if n := sub.offer(ev); n > 0 {
			b.metrics.SubscriberDrops.Add(float64(n))
			slog.Warn("subscriber queue full, dropped oldest events",
				"job_id", jobID,
				"subscription", sub.ID,
				"dropped", n,
			)
		}
	}
}

// Subscribers returns the number of live subscriptions of jobID.
func (b *Broadcaster) Subscribers(jobID string) int {
	b.mx.RLock()
	defer b.mx.RUnlock()
	t, ok := b.topics[jobID]
	if !ok {
		return 0
	}
	t.mx.Lock()
	defer t.mx.Unlock()
	return len(t.subs)
}

// Close unsubscribes everybody.
func (b *Broadcaster) Close() {
	b.mx.Lock()
	defer b.mx.Unlock()
	for jobID, t := range b.topics {
		t.mx.Lock()
		for id, sub := range t.subs {
			delete(t.subs, id)
			sub.closed = true
			close(sub.ch)
			b.metrics.Subscribers.Dec()
		}
		t.mx.Unlock()
		delete(b.topics, jobID)
	}
}
