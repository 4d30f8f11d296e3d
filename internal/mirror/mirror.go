// Package mirror copies stored job events to external brokers so other
// services can follow calculations without a connection to simrunner.
package mirror

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/windsim/simrunner/internal/model"
	"github.com/windsim/simrunner/internal/observability"
)

const (
	maxBatch     = 64
	writeTimeout = 10 * time.Second
)

// Publisher writes a batch of events to one external system.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, events []model.Event) error
	Close() error
}

// Forwarder decouples a Publisher from the job pipeline. Send never
// blocks: when the queue is full the event is dropped and counted.
type Forwarder struct {
	pub     Publisher
	metrics *observability.Metrics
	queue   chan model.Event

	closeOnce sync.Once
	done      chan struct{}
}

func NewForwarder(pub Publisher, queueSize int, metrics *observability.Metrics) *Forwarder {
	if queueSize <= 0 {
		queueSize = 1
	}
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	f := &Forwarder{
		pub:     pub,
		metrics: metrics,
		queue:   make(chan model.Event, queueSize),
		done:    make(chan struct{}),
	}
	go f.loop()
	return f
}

func (f *Forwarder) Send(ev model.Event) {
	select {
	case f.queue <- ev:
	default:
		f.metrics.MirrorDrops.WithLabelValues(f.pub.Name()).Inc()
		slog.Debug("mirror queue full, event dropped", "sink", f.pub.Name(), "job_id", ev.JobID, "seq", ev.Seq)
	}
}

func (f *Forwarder) loop() {
	defer close(f.done)
	batch := make([]model.Event, 0, maxBatch)
	for ev := range f.queue {
		batch = append(batch[:0], ev)
	fill:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-f.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		f.flush(batch)
	}
}

func (f *Forwarder) flush(batch []model.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := f.pub.Publish(ctx, batch); err != nil {
		f.metrics.MirrorErrors.WithLabelValues(f.pub.Name()).Inc()
		slog.WarnContext(ctx, "mirroring events failed", "sink", f.pub.Name(), "events", len(batch), "error", err)
	}
}

// Close delivers the queued events and closes the publisher. Send must not
// be called afterwards.
func (f *Forwarder) Close(ctx context.Context) error {
	f.closeOnce.Do(func() { close(f.queue) })
	select {
	case <-f.done:
	case <-ctx.Done():
		return errors.Join(ctx.Err(), f.pub.Close())
	}
	return f.pub.Close()
}

// FromConfig starts a Forwarder for every enabled mirror.
func FromConfig(ctx context.Context, cfg model.Mirror, metrics *observability.Metrics) ([]*Forwarder, error) {
	var ret []*Forwarder
	if k := cfg.Kafka; k != nil && k.Enabled {
		ret = append(ret, NewForwarder(NewKafka(*k), k.QueueSize, metrics))
		slog.InfoContext(ctx, "mirroring events", "sink", "kafka", "topic", k.Topic)
	}
	if r := cfg.Redis; r != nil && r.Enabled {
		pub, err := NewRedis(ctx, *r)
		if err != nil {
			for _, f := range ret {
				_ = f.Close(ctx)
			}
			return nil, err
		}
		ret = append(ret, NewForwarder(pub, r.QueueSize, metrics))
		slog.InfoContext(ctx, "mirroring events", "sink", "redis", "prefix", r.Prefix)
	}
	return ret, nil
}
