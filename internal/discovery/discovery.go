package discovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/teleble/internal/device"
	"github.com/srg/teleble/internal/groutine"
	"github.com/srg/teleble/internal/session"
)

var (
	// ErrNoMatch is returned when discovery times out without a matching peripheral.
	ErrNoMatch = errors.New("no matching peripheral found")
	// ErrCancelled is returned when a discovery is superseded or stopped.
	ErrCancelled = errors.New("discovery cancelled")
)

// Options selects the peripheral to discover.
type Options struct {
	// Name must equal the advertised local name; empty means the teleinfo node.
	Name string
	// AllowList restricts matches to these addresses when non-empty.
	AllowList []string
	// Timeout bounds the discovery; zero waits until cancelled.
	Timeout time.Duration
	// Session configures the session created for the match.
	Session session.Options
}

func (o Options) name() string {
	if o.Name == "" {
		return device.DefaultPeripheralName
	}
	return o.Name
}

// matches applies the name filter and the allow-list.
func (o Options) matches(adv device.Advertisement) bool {
	if adv.LocalName() != o.name() {
		return false
	}
	return o.allows(adv.Addr())
}

// allows reports whether addr passes the allow-list; an empty list allows all.
func (o Options) allows(addr string) bool {
	if len(o.AllowList) == 0 {
		return true
	}
	addr = strings.ToLower(addr)
	return slices.ContainsFunc(o.AllowList, func(a string) bool {
		return strings.ToLower(strings.TrimSpace(a)) == addr
	})
}

// Handle is one outstanding discovery.
type Handle struct {
	id     string
	cancel context.CancelCauseFunc
	done   chan struct{}

	result *session.Session
	err    error
}

// ID returns the discovery id.
func (h *Handle) ID() string { return h.id }

// Cancel stops the discovery; Wait then returns ErrCancelled unless a match
// was already made.
func (h *Handle) Cancel() { h.cancel(ErrCancelled) }

// Done is closed once the discovery has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the discovery finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*session.Session, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Service finds the teleinfo node and hands out sessions for it.
//
// A service runs at most one discovery at a time: starting a new one cancels
// the previous one and removes its scan listener first.
type Service struct {
	adapter device.Adapter
	logger  *logrus.Logger

	mu     sync.Mutex
	active *Handle
}

// NewService creates a discovery service on adapter.
func NewService(adapter device.Adapter, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{adapter: adapter, logger: logger}
}

// Discover blocks until a matching peripheral is found and returns a new
// disconnected session for it.
func (s *Service) Discover(ctx context.Context, opts Options) (*session.Session, error) {
	h, err := s.DiscoverAsync(ctx, opts)
	if err != nil {
		return nil, err
	}
	sess, err := h.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		h.Cancel()
	}
	return sess, err
}

// DiscoverAsync starts a discovery and returns immediately. An adapter that
// is off or unsupported fails right away with ErrAdapterUnavailable.
func (s *Service) DiscoverAsync(ctx context.Context, opts Options) (*Handle, error) {
	if st := s.adapter.State(); st != device.StatePoweredOn && !st.Transitional() {
		return nil, fmt.Errorf("%w: adapter is %s", device.ErrAdapterUnavailable, st)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	h := &Handle{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// the slot is claimed in the same step that takes the previous handle
	s.mu.Lock()
	prev := s.active
	s.active = h
	s.mu.Unlock()
	stop(prev)

	groutine.Go(runCtx, "discovery-"+h.id[:8], func(ctx context.Context) {
		defer cancel(nil)
		h.result, h.err = s.run(ctx, h, opts)

		s.mu.Lock()
		if s.active == h {
			s.active = nil
		}
		s.mu.Unlock()
		close(h.done)
	})
	return h, nil
}

// StopDiscover cancels the discovery in progress, if any.
func (s *Service) StopDiscover() {
	s.stopActive()
}

// stopActive cancels the active discovery and waits for its listener to be removed.
func (s *Service) stopActive() {
	s.mu.Lock()
	h := s.active
	s.active = nil
	s.mu.Unlock()
	stop(h)
}

func stop(h *Handle) {
	if h != nil {
		h.Cancel()
		<-h.done
	}
}

func (s *Service) run(ctx context.Context, h *Handle, opts Options) (*session.Session, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if err := s.waitPowered(ctx); err != nil {
		return nil, s.finishErr(ctx, err)
	}

	found := make(chan device.Advertisement, 1)
	var matched atomic.Bool
	listenerID := s.adapter.AddScanListener(func(adv device.Advertisement) {
		if !opts.matches(adv) || !matched.CompareAndSwap(false, true) {
			return
		}
		found <- adv
	})
	defer s.release(listenerID)

	log := s.logger.WithFields(logrus.Fields{
		"discovery":  h.id,
		"name":       opts.name(),
		"allow_list": opts.AllowList,
	})
	log.Info("Scanning for peripheral...")

	if err := s.adapter.StartScan(ctx); err != nil {
		return nil, s.finishErr(ctx, fmt.Errorf("failed to start scan: %w", err))
	}

	select {
	case adv := <-found:
		log.WithFields(logrus.Fields{
			"address": adv.Addr(),
			"rssi":    adv.RSSI(),
		}).Info("Peripheral found")
		return session.New(s.adapter, adv.Addr(), adv.LocalName(), opts.Session, s.logger), nil
	case <-ctx.Done():
		return nil, s.finishErr(ctx, ctx.Err())
	}
}

// release removes the listener and stops scanning once nobody listens anymore.
func (s *Service) release(listenerID string) {
	s.adapter.RemoveScanListener(listenerID)
	if s.adapter.ScanListenerCount() == 0 {
		if err := s.adapter.StopScan(); err != nil {
			s.logger.WithField("error", err).Debug("Failed to stop scan")
		}
	}
}

func (s *Service) finishErr(ctx context.Context, err error) error {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, ErrCancelled):
		return ErrCancelled
	case errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrNoMatch, cause)
	}
	return err
}

// waitPowered returns once the adapter is on. Transitional states wait for
// the next state change; off or unsupported fail with ErrAdapterUnavailable.
func (s *Service) waitPowered(ctx context.Context) error {
	for {
		st := s.adapter.State()
		switch {
		case st == device.StatePoweredOn:
			return nil
		case st.Transitional():
			s.logger.WithField("state", st).Debug("Waiting for Bluetooth adapter")
			if _, err := s.adapter.WaitStateChange(ctx, st); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: adapter is %s", device.ErrAdapterUnavailable, st)
		}
	}
}

// Scan collects every advertisement seen for duration, one entry per
// address, keeping the latest. Results are sorted by address.
func (s *Service) Scan(ctx context.Context, duration time.Duration, allowList []string) ([]device.Advertisement, error) {
	if err := s.waitPowered(ctx); err != nil {
		return nil, err
	}

	filter := Options{AllowList: allowList}
	seen := hashmap.New[string, device.Advertisement]()

	listenerID := s.adapter.AddScanListener(func(adv device.Advertisement) {
		if !filter.allows(adv.Addr()) {
			return
		}
		if _, existing := seen.Get(adv.Addr()); !existing {
			s.logger.WithFields(logrus.Fields{
				"device":  adv.LocalName(),
				"address": adv.Addr(),
				"rssi":    adv.RSSI(),
			}).Info("Discovered new device")
		}
		seen.Set(adv.Addr(), adv)
	})
	defer s.release(listenerID)

	s.logger.WithField("duration", duration).Info("Starting BLE scan...")

	scanCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	if err := s.adapter.StartScan(scanCtx); err != nil {
		return nil, fmt.Errorf("failed to start scan: %w", err)
	}
	<-scanCtx.Done()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.logger.WithField("device_count", seen.Len()).Info("BLE scan completed")

	result := make([]device.Advertisement, 0, seen.Len())
	seen.Range(func(_ string, adv device.Advertisement) bool {
		result = append(result, adv)
		return true
	})
	slices.SortFunc(result, func(a, b device.Advertisement) int {
		return strings.Compare(a.Addr(), b.Addr())
	})
	return result, nil
}
