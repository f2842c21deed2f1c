package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/teleble/internal/device"
	"github.com/srg/teleble/internal/groutine"
)

// DefaultStatePollInterval is how often a powered-down adapter is checked again.
const DefaultStatePollInterval = 500 * time.Millisecond

// Adapter implements device.Adapter on top of a go-ble central.
//
// go-ble exposes no power state callbacks, so the state is derived from the
// outcome of creating the platform device and refreshed by polling.
type Adapter struct {
	logger       *logrus.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	dev     ble.Device
	state   device.AdapterState
	lastErr error

	listeners *hashmap.Map[string, device.ScanListener]

	scanCancel context.CancelFunc
	scanDone   chan struct{}
}

// NewAdapter creates an adapter; the platform device is opened lazily.
func NewAdapter(logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{
		logger:       logger,
		pollInterval: DefaultStatePollInterval,
		listeners:    hashmap.New[string, device.ScanListener](),
	}
}

// refreshLocked opens the platform device if needed and updates the cached state.
func (a *Adapter) refreshLocked() device.AdapterState {
	if a.dev != nil {
		return a.state
	}

	dev, err := DeviceFactory()
	if err != nil {
		state := classifyState(err)
		if state != a.state || a.lastErr == nil {
			a.logger.WithFields(logrus.Fields{
				"state": state,
				"error": err,
			}).Debug("BLE adapter not available")
		}
		a.state = state
		a.lastErr = err
		return state
	}

	a.dev = dev
	a.state = device.StatePoweredOn
	a.lastErr = nil
	a.logger.Debug("BLE adapter powered on")
	return a.state
}

// State returns the current power state.
func (a *Adapter) State() device.AdapterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshLocked()
}

// Err returns the error behind the last non-powered-on state, if any.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// WaitStateChange polls until the state differs from current or ctx is done.
func (a *Adapter) WaitStateChange(ctx context.Context, current device.AdapterState) (device.AdapterState, error) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		if s := a.State(); s != current {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AddScanListener registers a scan listener and returns its id.
func (a *Adapter) AddScanListener(listener device.ScanListener) string {
	id := uuid.NewString()
	a.listeners.Set(id, listener)
	return id
}

// RemoveScanListener removes the listener with the given id.
func (a *Adapter) RemoveScanListener(id string) bool {
	return a.listeners.Del(id)
}

// ScanListenerCount returns the number of registered scan listeners.
func (a *Adapter) ScanListenerCount() int {
	return a.listeners.Len()
}

func (a *Adapter) dispatch(adv ble.Advertisement) {
	wrapped := NewBLEAdvertisement(adv)
	a.listeners.Range(func(_ string, listener device.ScanListener) bool {
		listener(wrapped)
		return true
	})
}

func (a *Adapter) poweredDevice() (ble.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s := a.refreshLocked(); s != device.StatePoweredOn {
		return nil, fmt.Errorf("%w: %s: %v", device.ErrAdapterUnavailable, s, a.lastErr)
	}
	return a.dev, nil
}

// StartScan starts a background scan with duplicates allowed; it is a no-op
// while a scan is already running.
func (a *Adapter) StartScan(ctx context.Context) error {
	dev, err := a.poweredDevice()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scanCancel != nil {
		return nil
	}

	scanCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.scanCancel = cancel
	a.scanDone = done

	a.logger.Debug("Starting BLE scan...")
	groutine.Go(scanCtx, "ble-scan", func(ctx context.Context) {
		defer close(done)
		err := dev.Scan(ctx, true, a.dispatch)
		if err != nil && !errors.Is(err, context.Canceled) && !strings.Contains(err.Error(), "context canceled") {
			a.logger.WithField("error", NormalizeError(err)).Warn("BLE scan stopped with error")
		}

		a.mu.Lock()
		if a.scanDone == done {
			a.scanCancel = nil
			a.scanDone = nil
		}
		a.mu.Unlock()
	})
	return nil
}

// StopScan stops the running scan and waits for it to exit.
func (a *Adapter) StopScan() error {
	a.mu.Lock()
	cancel, done := a.scanCancel, a.scanDone
	a.scanCancel = nil
	a.scanDone = nil
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	a.logger.Debug("BLE scan stopped")
	return nil
}

// Dial connects to the peripheral at address.
func (a *Adapter) Dial(ctx context.Context, address string) (device.Link, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	dev, err := a.poweredDevice()
	if err != nil {
		return nil, err
	}

	a.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: dial %s: %w", device.ErrTimeout, address, ctx.Err())
		}
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	return newLink(client, address, a.logger), nil
}
