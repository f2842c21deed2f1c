package session

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_SlowListenerDropsOldest(t *testing.T) {
	b := newEventBus(4, logrus.New())
	defer b.close()

	release := make(chan struct{})
	b.post(func() { <-release })
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.pending) == 0
	}, time.Second, time.Millisecond, "dispatcher is blocked in the first listener")

	var mu sync.Mutex
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		b.post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}

	b.mu.Lock()
	assert.Len(t, b.pending, 4)
	b.mu.Unlock()
	assert.Equal(t, int64(6), b.dropped.Load())

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{6, 7, 8, 9}, got, "the newest deliveries survive in order")
}

func TestEventBus_PublishOrder(t *testing.T) {
	b := newEventBus(0, logrus.New())
	assert.Equal(t, defaultMaxPending, b.maxPending)

	var got []EventType
	done := make(chan struct{})
	b.subscribe(EventConnect, func(ev Event) { got = append(got, ev.Type) })
	b.subscribe(EventDisconnect, func(ev Event) {
		got = append(got, ev.Type)
		close(done)
	})

	b.publish(Event{Type: EventConnect})
	b.publish(Event{Type: EventDataReceived})
	b.publish(Event{Type: EventDisconnect})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the disconnect listener")
	}
	b.close()
	assert.Equal(t, []EventType{EventConnect, EventDisconnect}, got)
	assert.Zero(t, b.dropped.Load())
}
