package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/teleble/internal/device"
	"github.com/srg/teleble/internal/groutine"
)

const (
	// DefaultBLEWriteChunkSize is the maximum number of bytes to write in a single BLE operation.
	// BLE 4.0/4.1 spec defines ATT_MTU of 23 bytes (20 bytes payload after ATT header overhead).
	DefaultBLEWriteChunkSize = 20

	// DefaultBLEWriteDelay is the delay between consecutive write chunks.
	DefaultBLEWriteDelay = 10 * time.Millisecond
)

// Link implements device.Link over a go-ble client.
//
// Characteristic handles are resolved by UUID against the link's own profile.
// Handles discovered on a previous link become usable after ResolveHandles.
type Link struct {
	client  ble.Client
	address string
	logger  *logrus.Logger

	mu    sync.Mutex
	chars map[string]*ble.Characteristic

	writeMu sync.Mutex

	dropped  chan struct{}
	closed   chan struct{}
	closing  atomic.Bool
	dropOnce sync.Once
}

func newLink(client ble.Client, address string, logger *logrus.Logger) *Link {
	l := &Link{
		client:  client,
		address: address,
		logger:  logger,
		dropped: make(chan struct{}),
		closed:  make(chan struct{}),
	}

	// Monitor go-ble client Disconnected() channel to detect link loss
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-link-monitor", func(context.Context) {
			select {
			case <-dc.Disconnected():
				if l.closing.Load() {
					return
				}
				l.logger.WithField("address", address).Warn("BLE link dropped")
				l.dropOnce.Do(func() { close(l.dropped) })
			case <-l.closed:
			}
		})
	} else {
		logger.Debug("Client does not expose Disconnected() channel, link drops will not be reported")
	}

	return l
}

// Address returns the peer address.
func (l *Link) Address() string { return l.address }

// Dropped is closed when the link goes away without Disconnect being called.
func (l *Link) Dropped() <-chan struct{} { return l.dropped }

// DiscoverProfile discovers services, characteristics and descriptors.
func (l *Link) DiscoverProfile(ctx context.Context) (*device.Profile, error) {
	l.logger.WithField("address", l.address).Debug("Discovering services and characteristics...")

	p, err := withContext(ctx, func() (*ble.Profile, error) {
		return l.client.DiscoverProfile(true)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	profile, chars := convertProfile(p)

	l.mu.Lock()
	l.chars = chars
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"address":         l.address,
		"services":        len(profile.Services),
		"characteristics": len(chars),
	}).Debug("Profile discovered successfully")
	return profile, nil
}

// ResolveHandles binds handles discovered on an earlier link to this one.
// Where the platform addresses characteristics by ATT handle the native
// objects are reused as they are; otherwise the profile is discovered again
// and every handle must still be present.
func (l *Link) ResolveHandles(ctx context.Context, handles []*device.CharacteristicHandle) error {
	if ReuseNativeHandles {
		if chars, ok := nativeChars(handles); ok {
			l.mu.Lock()
			if l.chars == nil {
				l.chars = chars
			}
			l.mu.Unlock()

			l.logger.WithFields(logrus.Fields{
				"address":         l.address,
				"characteristics": len(chars),
			}).Debug("Reusing characteristic handles of the previous link")
			return nil
		}
	}

	if _, err := l.DiscoverProfile(ctx); err != nil {
		return err
	}
	for _, h := range handles {
		if _, err := l.resolve(h); err != nil {
			return err
		}
	}
	return nil
}

// nativeChars collects the go-ble characteristics behind handles.
func nativeChars(handles []*device.CharacteristicHandle) (map[string]*ble.Characteristic, bool) {
	chars := make(map[string]*ble.Characteristic, len(handles))
	for _, h := range handles {
		c, ok := h.Native.(*ble.Characteristic)
		if !ok || c == nil {
			return nil, false
		}
		chars[charKey(h.ServiceUUID, h.UUID)] = c
	}
	return chars, true
}

func (l *Link) resolve(h *device.CharacteristicHandle) (*ble.Characteristic, error) {
	if h == nil {
		return nil, fmt.Errorf("characteristic handle is nil")
	}

	l.mu.Lock()
	c := l.chars[charKey(h.ServiceUUID, h.UUID)]
	l.mu.Unlock()

	if c == nil {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{h.ServiceUUID, h.UUID}}
	}
	return c, nil
}

// Read reads the characteristic value.
func (l *Link) Read(ctx context.Context, h *device.CharacteristicHandle) ([]byte, error) {
	c, err := l.resolve(h)
	if err != nil {
		return nil, err
	}
	data, err := withContext(ctx, func() ([]byte, error) {
		return l.client.ReadCharacteristic(c)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %s: %w", h.UUID, err)
	}
	return data, nil
}

// Write writes data in DefaultBLEWriteChunkSize chunks.
func (l *Link) Write(ctx context.Context, h *device.CharacteristicHandle, data []byte, withResponse bool) error {
	c, err := l.resolve(h)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	for first := true; first || len(data) > 0; first = false {
		n := len(data)
		if n > DefaultBLEWriteChunkSize {
			n = DefaultBLEWriteChunkSize
		}
		chunk := data[:n]
		if _, err := withContext(ctx, func() (struct{}, error) {
			return struct{}{}, l.client.WriteCharacteristic(c, chunk, !withResponse)
		}); err != nil {
			return fmt.Errorf("failed to write to characteristic %s in service %s: %w", h.UUID, h.ServiceUUID, err)
		}
		data = data[n:]
		if len(data) > 0 {
			time.Sleep(DefaultBLEWriteDelay)
		}
	}
	return nil
}

// Subscribe enables notifications (or indications when notify is not supported).
func (l *Link) Subscribe(ctx context.Context, h *device.CharacteristicHandle, handler device.NotificationHandler) error {
	c, err := l.resolve(h)
	if err != nil {
		return err
	}

	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
	_, err = withContext(ctx, func() (struct{}, error) {
		return struct{}{}, l.client.Subscribe(c, indicate, func(req []byte) {
			payload := make([]byte, len(req))
			copy(payload, req)
			handler(payload)
		})
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to characteristic %s: %w", h.UUID, err)
	}
	return nil
}

// Unsubscribe disables notifications.
func (l *Link) Unsubscribe(ctx context.Context, h *device.CharacteristicHandle) error {
	c, err := l.resolve(h)
	if err != nil {
		return err
	}

	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
	_, err = withContext(ctx, func() (struct{}, error) {
		return struct{}{}, l.client.Unsubscribe(c, indicate)
	})
	if err != nil {
		return fmt.Errorf("failed to unsubscribe from characteristic %s: %w", h.UUID, err)
	}
	return nil
}

// Disconnect closes the link; Dropped is never closed afterwards.
func (l *Link) Disconnect() error {
	if !l.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(l.closed)

	l.logger.WithField("address", l.address).Debug("Disconnecting BLE device...")
	if err := l.client.CancelConnection(); err != nil {
		return NormalizeError(err)
	}
	return nil
}

// withContext bounds a blocking go-ble call by ctx; go-ble calls take no context.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	resultCh := make(chan result, 1)

	go func() {
		v, err := fn()
		resultCh <- result{v: v, err: err}
	}()

	select {
	case r := <-resultCh:
		return r.v, NormalizeError(r.err)
	case <-ctx.Done():
		var zero T
		if ctx.Err() == context.DeadlineExceeded {
			return zero, fmt.Errorf("%w: %w", device.ErrTimeout, ctx.Err())
		}
		return zero, ctx.Err()
	}
}
