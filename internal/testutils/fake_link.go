//go:build test

package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/srg/teleble/internal/device"
)

// FakeLink is a connection handed out by FakeAdapter.Dial.
type FakeLink struct {
	adapter    *FakeAdapter
	peripheral *FakePeripheral
	id         int

	mu       sync.Mutex
	subs     map[string]device.NotificationHandler
	dropped  chan struct{}
	isDown   bool
	isClosed bool
}

// ID is the 1-based dial order of the link.
func (l *FakeLink) ID() int { return l.id }

// Address returns the peer address.
func (l *FakeLink) Address() string { return l.peripheral.Address }

// Dropped is closed by Drop.
func (l *FakeLink) Dropped() <-chan struct{} { return l.dropped }

// Drop simulates a link loss; later operations fail with ErrNotConnected.
func (l *FakeLink) Drop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isDown {
		return
	}
	l.isDown = true
	l.subs = make(map[string]device.NotificationHandler)
	if !l.isClosed {
		close(l.dropped)
	}
}

// Alive reports whether the link is neither dropped nor closed.
func (l *FakeLink) Alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.isDown
}

// Subscribed reports whether notifications are enabled for charUUID.
func (l *FakeLink) Subscribed(charUUID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.subs[device.NormalizeUUID(charUUID)]
	return ok
}

// Notify delivers data to the subscriber of charUUID synchronously.
func (l *FakeLink) Notify(charUUID string, data []byte) bool {
	l.mu.Lock()
	h, ok := l.subs[device.NormalizeUUID(charUUID)]
	l.mu.Unlock()
	if !ok {
		return false
	}
	h(append([]byte(nil), data...))
	return true
}

func (l *FakeLink) begin(ctx context.Context, op Op) error {
	op.Link = l.id
	if err := l.adapter.record(ctx, op, l); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isDown {
		return fmt.Errorf("%w: link %d is down", device.ErrNotConnected, l.id)
	}
	return nil
}

func (l *FakeLink) lookup(h *device.CharacteristicHandle) (*device.CharacteristicHandle, error) {
	for _, svc := range l.peripheral.Services {
		if svc.UUID != device.NormalizeUUID(h.ServiceUUID) {
			continue
		}
		for _, c := range svc.Characteristics {
			if c.UUID == device.NormalizeUUID(h.UUID) {
				return c, nil
			}
		}
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{h.ServiceUUID, h.UUID}}
}

// DiscoverProfile returns fresh handles for the peripheral's services.
func (l *FakeLink) DiscoverProfile(ctx context.Context) (*device.Profile, error) {
	if err := l.begin(ctx, Op{Kind: OpDiscover}); err != nil {
		return nil, err
	}

	profile := &device.Profile{}
	for _, svc := range l.peripheral.Services {
		s := &device.ServiceHandle{UUID: svc.UUID}
		for _, c := range svc.Characteristics {
			copied := *c
			copied.Native = l.id
			s.Characteristics = append(s.Characteristics, &copied)
		}
		profile.Services = append(profile.Services, s)
	}
	return profile, nil
}

// ResolveHandles checks that every handle still exists on the peripheral.
func (l *FakeLink) ResolveHandles(ctx context.Context, handles []*device.CharacteristicHandle) error {
	if err := l.begin(ctx, Op{Kind: OpResolve}); err != nil {
		return err
	}
	for _, h := range handles {
		if _, err := l.lookup(h); err != nil {
			return err
		}
	}
	return nil
}

// Read returns the characteristic's stored value.
func (l *FakeLink) Read(ctx context.Context, h *device.CharacteristicHandle) ([]byte, error) {
	if err := l.begin(ctx, Op{Kind: OpRead, Char: h.UUID}); err != nil {
		return nil, err
	}
	c, err := l.lookup(h)
	if err != nil {
		return nil, err
	}
	if !c.Properties.Has(device.PropRead) {
		return nil, fmt.Errorf("characteristic %s does not support read", c.UUID)
	}

	l.adapter.mu.Lock()
	defer l.adapter.mu.Unlock()
	return append([]byte(nil), l.peripheral.values[c.UUID]...), nil
}

// Write stores data as the characteristic's value.
func (l *FakeLink) Write(ctx context.Context, h *device.CharacteristicHandle, data []byte, _ bool) error {
	if err := l.begin(ctx, Op{Kind: OpWrite, Char: h.UUID, Data: data}); err != nil {
		return err
	}
	c, err := l.lookup(h)
	if err != nil {
		return err
	}

	l.adapter.mu.Lock()
	defer l.adapter.mu.Unlock()
	l.peripheral.values[c.UUID] = append([]byte(nil), data...)
	return nil
}

// Subscribe registers handler for notifications of the characteristic.
func (l *FakeLink) Subscribe(ctx context.Context, h *device.CharacteristicHandle, handler device.NotificationHandler) error {
	if err := l.begin(ctx, Op{Kind: OpSubscribe, Char: h.UUID}); err != nil {
		return err
	}
	c, err := l.lookup(h)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs[c.UUID] = handler
	return nil
}

// Unsubscribe removes the notification handler of the characteristic.
func (l *FakeLink) Unsubscribe(ctx context.Context, h *device.CharacteristicHandle) error {
	if err := l.begin(ctx, Op{Kind: OpUnsubscribe, Char: h.UUID}); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs, device.NormalizeUUID(h.UUID))
	return nil
}

// Disconnect closes the link; Dropped is never closed afterwards.
func (l *FakeLink) Disconnect() error {
	l.mu.Lock()
	already := l.isClosed || l.isDown
	l.isClosed = true
	l.isDown = true
	l.subs = make(map[string]device.NotificationHandler)
	l.mu.Unlock()

	if already {
		return nil
	}
	return l.adapter.record(context.Background(), Op{Kind: OpDisconnect, Link: l.id}, l)
}
