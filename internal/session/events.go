package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/teleble/internal/groutine"
	"github.com/srg/teleble/internal/ringchan"
)

// EventType identifies a session event.
type EventType string

const (
	EventConnect         EventType = "connect"
	EventDisconnect      EventType = "disconnect"
	EventConnectionDrop  EventType = "connectionDrop"
	EventRestored        EventType = "restored"
	EventRestoreFailed   EventType = "restoreFailed"
	EventDataReceived    EventType = "dataReceived"
	EventStateChanged    EventType = "stateChanged"
	EventReconnectGaveUp EventType = "reconnectGaveUp"
)

// Event is a single session notification.
type Event struct {
	Type    EventType
	Address string
	Time    time.Time
	Data    []byte // dataReceived payload
	Err     error  // restoreFailed cause
	From    State  // stateChanged only
	To      State  // stateChanged only
}

type handlerEntry struct {
	id uint64
	fn func(Event)
}

// defaultMaxPending bounds the deliveries waiting for the dispatcher.
const defaultMaxPending = 1024

// eventBus delivers events and notification listeners on one dispatcher
// goroutine, in publication order. Handlers may call back into the session.
// When listeners fall behind by maxPending deliveries, the oldest are dropped.
type eventBus struct {
	mu          sync.Mutex
	cond        *sync.Cond
	pending     []func()
	maxPending  int
	overflowing bool
	dropped     atomic.Int64
	closed      bool
	nextID      uint64
	handlers    map[EventType][]handlerEntry
	streams     map[uint64]*ringchan.RingChannel[Event]
	done        chan struct{}
	logger      *logrus.Logger
}

func newEventBus(maxPending int, logger *logrus.Logger) *eventBus {
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}
	b := &eventBus{
		maxPending: maxPending,
		handlers:   make(map[EventType][]handlerEntry),
		streams:    make(map[uint64]*ringchan.RingChannel[Event]),
		done:       make(chan struct{}),
		logger:     logger,
	}
	b.cond = sync.NewCond(&b.mu)
	groutine.Go(context.Background(), "session-events", b.loop)
	return b
}

func (b *eventBus) loop(context.Context) {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.pending) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.pending) == 0 && b.closed {
			b.mu.Unlock()
			return
		}
		fn := b.pending[0]
		b.pending[0] = nil
		b.pending = b.pending[1:]
		if len(b.pending) == 0 {
			b.overflowing = false
		}
		b.mu.Unlock()

		fn()
	}
}

// post queues fn on the dispatcher.
func (b *eventBus) post(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.enqueueLocked(fn)
}

func (b *eventBus) enqueueLocked(fn func()) {
	if len(b.pending) >= b.maxPending {
		b.pending[0] = nil
		b.pending = b.pending[1:]
		n := b.dropped.Add(1)
		if !b.overflowing {
			b.overflowing = true
			b.logger.WithFields(logrus.Fields{
				"backlog": b.maxPending,
				"dropped": n,
			}).Warn("Event listeners are falling behind, dropping oldest deliveries")
		}
	}
	b.pending = append(b.pending, fn)
	b.cond.Signal()
}

func (b *eventBus) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	handlers := append([]handlerEntry(nil), b.handlers[ev.Type]...)
	for _, s := range b.streams {
		s.Send(ev)
	}
	b.enqueueLocked(func() {
		for _, h := range handlers {
			h.fn(ev)
		}
	})
	b.mu.Unlock()
}

func (b *eventBus) subscribe(t EventType, fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[t] = append(b.handlers[t], handlerEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			entries := b.handlers[t]
			for i, e := range entries {
				if e.id == id {
					b.handlers[t] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *eventBus) stream(capacity int) *EventStream {
	rc := ringchan.New[Event](capacity)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		rc.Close()
		return &EventStream{rc: rc, cancel: func() {}}
	}
	b.nextID++
	id := b.nextID
	b.streams[id] = rc

	return &EventStream{rc: rc, cancel: func() {
		b.mu.Lock()
		delete(b.streams, id)
		b.mu.Unlock()
		rc.Close()
	}}
}

// close drains pending deliveries and closes every stream.
func (b *eventBus) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	streams := b.streams
	b.streams = make(map[uint64]*ringchan.RingChannel[Event])
	b.cond.Broadcast()
	b.mu.Unlock()

	<-b.done
	for _, s := range streams {
		s.Close()
	}
}

// EventStream is a bounded channel of every session event. When the reader
// falls behind, the oldest events are overwritten.
type EventStream struct {
	rc     *ringchan.RingChannel[Event]
	cancel func()
	once   sync.Once
}

// C returns the event channel; it is closed by Close or when the session closes.
func (s *EventStream) C() <-chan Event { return s.rc.C() }

// Dropped returns how many events were overwritten before being read.
func (s *EventStream) Dropped() int64 { return s.rc.GetMetrics().Overwritten }

// Close detaches the stream from the session.
func (s *EventStream) Close() { s.once.Do(s.cancel) }

// Events returns a stream of every event; capacity bounds the backlog.
func (s *Session) Events(capacity int) *EventStream {
	if capacity <= 0 {
		capacity = 64
	}
	return s.events.stream(capacity)
}

// OnConnect registers fn for the connect event and returns its unsubscribe func.
func (s *Session) OnConnect(fn func()) func() {
	return s.events.subscribe(EventConnect, func(Event) { fn() })
}

// OnDisconnect registers fn for explicit disconnects.
func (s *Session) OnDisconnect(fn func()) func() {
	return s.events.subscribe(EventDisconnect, func(Event) { fn() })
}

// OnConnectionDrop registers fn for unexpected link loss.
func (s *Session) OnConnectionDrop(fn func()) func() {
	return s.events.subscribe(EventConnectionDrop, func(Event) { fn() })
}

// OnRestored registers fn for completed recoveries.
func (s *Session) OnRestored(fn func()) func() {
	return s.events.subscribe(EventRestored, func(Event) { fn() })
}

// OnRestoreFailed registers fn for aborted restorations; err is a *RestorationError.
func (s *Session) OnRestoreFailed(fn func(err error)) func() {
	return s.events.subscribe(EventRestoreFailed, func(ev Event) { fn(ev.Err) })
}

// OnDataReceived registers fn for payloads pushed on the UART notify characteristic.
func (s *Session) OnDataReceived(fn func(data []byte)) func() {
	return s.events.subscribe(EventDataReceived, func(ev Event) { fn(ev.Data) })
}

// OnStateChanged registers fn for every lifecycle transition.
func (s *Session) OnStateChanged(fn func(from, to State)) func() {
	return s.events.subscribe(EventStateChanged, func(ev Event) { fn(ev.From, ev.To) })
}

// OnReconnectGaveUp registers fn for the end of an automatic reconnect loop
// that ran out of attempts. The session stays Dropped.
func (s *Session) OnReconnectGaveUp(fn func()) func() {
	return s.events.subscribe(EventReconnectGaveUp, func(Event) { fn() })
}

// DroppedDeliveries returns how many listener deliveries were dropped because
// listeners fell too far behind.
func (s *Session) DroppedDeliveries() int64 { return s.events.dropped.Load() }

func (s *Session) emit(t EventType) {
	s.events.publish(Event{Type: t, Address: s.address})
}
