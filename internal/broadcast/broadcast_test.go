package broadcast_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/windsim/simrunner/internal/broadcast"
	"github.com/windsim/simrunner/internal/model"
	"github.com/windsim/simrunner/internal/observability"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func progress(p int) model.Event {
	return model.TaskProgress("modeling", p)
}

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := broadcast.New(16)

	// published before anybody listens
	b.Publish("a", progress(1))

	sub := b.Subscribe("a")
	require.Equal(t, 1, b.Subscribers("a"))
	require.Equal(t, "a", sub.JobID)

	b.Publish("a", progress(2))
	b.Publish("a", progress(3))

	ev := <-sub.Events()
	require.Equal(t, "a", ev.JobID)
	require.Equal(t, 2, ev.Percent)
	ev = <-sub.Events()
	require.Equal(t, 3, ev.Percent)

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	require.Zero(t, b.Subscribers("a"))
	_, ok := <-sub.Events()
	require.False(t, ok)

	// publishing to a job nobody listens to is a noop
	b.Publish("a", progress(4))
}

func TestIsolation(t *testing.T) {
	t.Parallel()
	b := broadcast.New(16)
	subA := b.Subscribe("A")
	subB := b.Subscribe("B")
	t.Cleanup(func() {
		b.Unsubscribe(subA)
		b.Unsubscribe(subB)
	})

	b.Publish("B", progress(10))
	b.Publish("B", progress(20))
	b.Publish("A", progress(30))

	ev := <-subA.Events()
	require.Equal(t, "A", ev.JobID)
	require.Equal(t, 30, ev.Percent)
	require.Empty(t, subA.Events())
	require.Len(t, subB.Events(), 2)
}

func TestDropOldest(t *testing.T) {
	t.Parallel()
	metrics := observability.NewMetricsForTesting()
	b := broadcast.New(3, broadcast.WithMetrics(metrics))
	slow := b.Subscribe("a")
	fast := b.Subscribe("a")
	t.Cleanup(func() {
		b.Unsubscribe(slow)
		b.Unsubscribe(fast)
	})

	var got []int
	for i := range 10 {
		b.Publish("a", progress(i))
		ev := <-fast.Events()
		got = append(got, ev.Percent)
	}
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	require.Zero(t, fast.Dropped())

	// slow keeps the newest events in order
	require.Equal(t, int64(7), slow.Dropped())
	var tail []int
	for range 3 {
		tail = append(tail, (<-slow.Events()).Percent)
	}
	require.Equal(t, []int{7, 8, 9}, tail)
	require.InDelta(t, 7, testutil.ToFloat64(metrics.SubscriberDrops), 0)
	require.InDelta(t, 2, testutil.ToFloat64(metrics.Subscribers), 0)
}

func TestAll(t *testing.T) {
	t.Parallel()
	b := broadcast.New(0)
	sub := b.Subscribe("a")

	var wg sync.WaitGroup
	var got []int
	wg.Go(func() {
		for ev := range sub.All(context.Background()) {
			got = append(got, ev.Percent)
			if ev.Percent == 2 {
				break
			}
		}
	})

	for i := range 3 {
		b.Publish("a", progress(i))
	}
	wg.Wait()
	b.Unsubscribe(sub)
	require.Equal(t, []int{0, 1, 2}, got)
}

func TestAllEnds(t *testing.T) {
	t.Parallel()
	b := broadcast.New(4)

	t.Run("unsubscribe", func(t *testing.T) {
		sub := b.Subscribe("a")
		done := make(chan struct{})
		go func() {
			defer close(done)
			for range sub.All(t.Context()) {
			}
		}()
		b.Unsubscribe(sub)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("iteration did not stop")
		}
	})

	t.Run("context", func(t *testing.T) {
		sub := b.Subscribe("a")
		t.Cleanup(func() { b.Unsubscribe(sub) })
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		for range sub.All(ctx) {
			t.Fatal("no events expected")
		}
	})
}

func TestConcurrentOrder(t *testing.T) {
	t.Parallel()
	const (
		jobs   = 4
		events = 200
	)
	b := broadcast.New(events)
	subs := make([]*broadcast.Subscription, jobs)
	for i := range jobs {
		subs[i] = b.Subscribe(fmt.Sprintf("job%d", i))
	}

	var wg sync.WaitGroup
	for i := range jobs {
		wg.Go(func() {
			for p := range events {
				b.Publish(fmt.Sprintf("job%d", i), progress(p))
			}
		})
	}
	// subscribers come and go meanwhile
	wg.Go(func() {
		for range 100 {
			s := b.Subscribe("job0")
			b.Unsubscribe(s)
		}
	})
	wg.Wait()

	for i, sub := range subs {
		require.Len(t, sub.Events(), events)
		for p := range events {
			ev := <-sub.Events()
			require.Equal(t, fmt.Sprintf("job%d", i), ev.JobID)
			require.Equal(t, p, ev.Percent)
		}
	}
	b.Close()
	for _, sub := range subs {
		_, ok := <-sub.Events()
		require.False(t, ok)
		b.Unsubscribe(sub)
	}
	require.Zero(t, b.Subscribers("job0"))
}
