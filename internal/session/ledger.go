package session

import (
	"sync"

	"github.com/srg/teleble/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// WrittenValue is the last payload written to a characteristic.
type WrittenValue struct {
	ID      string
	Payload []byte
}

// Subscription is an active notification subscription and its listener.
type Subscription struct {
	ID       string
	Listener device.NotificationHandler
}

// Ledger records the desired peripheral state replayed after a link drop:
// the last value written to each characteristic and the set of active
// subscriptions, both in first-insertion order.
type Ledger struct {
	mu         sync.Mutex
	written    *orderedmap.OrderedMap[string, []byte]
	subscribed *orderedmap.OrderedMap[string, device.NotificationHandler]
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		written:    orderedmap.New[string, []byte](),
		subscribed: orderedmap.New[string, device.NotificationHandler](),
	}
}

// RecordWrite stores payload as the value of id. Overwriting keeps the
// position of the first write.
func (l *Ledger) RecordWrite(id string, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.written.Set(device.NormalizeUUID(id), append([]byte{}, payload...))
}

// RecordSubscribe adds id to the subscribed set, replacing its listener if
// already present. It reports whether id was newly added.
func (l *Ledger) RecordSubscribe(id string, listener device.NotificationHandler) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, present := l.subscribed.Set(device.NormalizeUUID(id), listener)
	return !present
}

// RecordUnsubscribe removes id from the subscribed set and reports whether it was present.
func (l *Ledger) RecordUnsubscribe(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, present := l.subscribed.Delete(device.NormalizeUUID(id))
	return present
}

// IsSubscribed reports whether id is in the subscribed set.
func (l *Ledger) IsSubscribed(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.subscribed.Get(device.NormalizeUUID(id))
	return ok
}

// Listener returns the listener registered for id.
func (l *Ledger) Listener(id string) device.NotificationHandler {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, _ := l.subscribed.Get(device.NormalizeUUID(id))
	return h
}

// Writes returns a copy of the written values in replay order.
func (l *Ledger) Writes() []WrittenValue {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]WrittenValue, 0, l.written.Len())
	for p := l.written.Oldest(); p != nil; p = p.Next() {
		result = append(result, WrittenValue{ID: p.Key, Payload: append([]byte{}, p.Value...)})
	}
	return result
}

// Subscriptions returns the subscriptions in replay order.
func (l *Ledger) Subscriptions() []Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]Subscription, 0, l.subscribed.Len())
	for p := l.subscribed.Oldest(); p != nil; p = p.Next() {
		result = append(result, Subscription{ID: p.Key, Listener: p.Value})
	}
	return result
}

// Empty reports whether there is nothing to replay.
func (l *Ledger) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written.Len() == 0 && l.subscribed.Len() == 0
}

// Clear forgets every written value and subscription.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.written = orderedmap.New[string, []byte]()
	l.subscribed = orderedmap.New[string, device.NotificationHandler]()
}
