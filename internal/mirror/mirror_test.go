package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/windsim/simrunner/internal/model"
	"github.com/windsim/simrunner/internal/observability"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPublisher struct {
	mx      sync.Mutex
	events  []model.Event
	gate    chan struct{}
	entered chan struct{}
	err     error
	closed  bool
	batches int
}

func (p *memPublisher) Name() string { return "mem" }

func (p *memPublisher) Publish(ctx context.Context, events []model.Event) error {
	if p.entered != nil {
		select {
		case p.entered <- struct{}{}:
		default:
		}
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	p.batches++
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

func (p *memPublisher) Close() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.closed = true
	return nil
}

func seqEvents(n int) []model.Event {
	ret := make([]model.Event, n)
	for i := range ret {
		ret[i] = model.TaskProgress("modeling", i)
		ret[i].JobID = "case1"
		ret[i].Seq = int64(i + 1)
	}
	return ret
}

func TestForwarderOrder(t *testing.T) {
	pub := &memPublisher{}
	f := NewForwarder(pub, 256, nil)
	events := seqEvents(200)
	for _, ev := range events {
		f.Send(ev)
	}
	require.NoError(t, f.Close(t.Context()))
	require.Equal(t, events, pub.events)
	require.True(t, pub.closed)
	require.LessOrEqual(t, pub.batches, 200)
}

func TestForwarderDrops(t *testing.T) {
	pub := &memPublisher{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	metrics := observability.NewMetricsForTesting()
	f := NewForwarder(pub, 2, metrics)

	events := seqEvents(11)
	f.Send(events[0])
	<-pub.entered
	for _, ev := range events[1:] {
		f.Send(ev)
	}
	require.InDelta(t, 8, testutil.ToFloat64(metrics.MirrorDrops.WithLabelValues("mem")), 0)

	close(pub.gate)
	require.NoError(t, f.Close(t.Context()))
	require.Equal(t, events[:3], pub.events)
}

func TestForwarderErrors(t *testing.T) {
	pub := &memPublisher{err: errors.New("broker down")}
	metrics := observability.NewMetricsForTesting()
	f := NewForwarder(pub, 8, metrics)
	f.Send(seqEvents(1)[0])
	require.NoError(t, f.Close(t.Context()))
	require.InDelta(t, 1, testutil.ToFloat64(metrics.MirrorErrors.WithLabelValues("mem")), 0)
}

func TestForwarderCloseTimeout(t *testing.T) {
	pub := &memPublisher{gate: make(chan struct{})}
	f := NewForwarder(pub, 4, nil)
	f.Send(seqEvents(1)[0])

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, f.Close(ctx), context.DeadlineExceeded)
	close(pub.gate)
	<-f.done
}

func TestSerializeToMessage(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := model.TaskStarted("build_terrain")
	ev.JobID = "case1"
	ev.Seq = 7
	ev.Time = now

	msg, err := serializeToMessage(ev)
	require.NoError(t, err)

	assert.Equal(t, []byte("case1"), msg.Key)
	var got model.Event
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, ev.Kind, got.Kind)
	assert.Equal(t, ev.TaskID, got.TaskID)
	assert.Equal(t, ev.Seq, got.Seq)
	assert.Len(t, msg.Headers, 2)
	assert.Equal(t, "event_kind", msg.Headers[0].Key)
	assert.Equal(t, []byte("task_started"), msg.Headers[0].Value)
	assert.Equal(t, "emitted_at", msg.Headers[1].Key)
	assert.Equal(t, []byte(now.Format(time.RFC3339Nano)), msg.Headers[1].Value)
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "simrunner:case1", Channel("simrunner", "case1"))
}

func TestFromConfigDisabled(t *testing.T) {
	fs, err := FromConfig(t.Context(), model.Mirror{
		Kafka: &model.KafkaMirror{Enabled: false, Brokers: []string{"localhost:9092"}},
	}, nil)
	require.NoError(t, err)
	require.Empty(t, fs)
}
