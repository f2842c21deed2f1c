package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/teleble/internal/device"
	"github.com/srg/teleble/internal/groutine"
)

// ReconnectPolicy bounds the automatic reconnect loop.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int // 0 means retry until Disconnect
}

// Options configures a Session.
type Options struct {
	ConnectTimeout     time.Duration
	DiscoveryTimeout   time.Duration
	OperationTimeout   time.Duration
	RestoreStepTimeout time.Duration

	// AutoReconnect re-dials the peripheral after a link drop and runs the
	// restoration protocol on the new link.
	AutoReconnect bool
	Reconnect     ReconnectPolicy

	// EventBacklog bounds the deliveries queued for event listeners; 0 uses 1024.
	EventBacklog int
}

// DefaultOptions returns the options used when a zero Options is given.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:     30 * time.Second,
		DiscoveryTimeout:   30 * time.Second,
		OperationTimeout:   10 * time.Second,
		RestoreStepTimeout: 5 * time.Second,
		AutoReconnect:      true,
		Reconnect: ReconnectPolicy{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
		},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = d.OperationTimeout
	}
	if o.RestoreStepTimeout <= 0 {
		o.RestoreStepTimeout = d.RestoreStepTimeout
	}
	if o.Reconnect.InitialDelay <= 0 {
		o.Reconnect.InitialDelay = d.Reconnect.InitialDelay
	}
	if o.Reconnect.MaxDelay < o.Reconnect.InitialDelay {
		o.Reconnect.MaxDelay = o.Reconnect.InitialDelay
	}
	return o
}

// Session manages one peripheral: connection lifecycle, characteristic
// registry, restoration ledger and the replay that follows a link drop.
//
// All methods are safe for concurrent use. Mutating calls are serialized
// through a single command queue shared with the restoration protocol.
type Session struct {
	adapter device.Adapter
	address string
	name    string
	opts    Options
	logger  *logrus.Logger

	sm       *stateMachine
	registry *Registry
	ledger   *Ledger
	events   *eventBus
	queue    *commandQueue

	mu        sync.Mutex
	link      device.Link
	linkGen   uint64
	linkStop  chan struct{}
	life      context.Context
	endLife   context.CancelFunc
	closeOnce sync.Once

	reconnecting atomic.Bool
	givenUp      atomic.Bool
	closed       atomic.Bool
}

// New creates a disconnected session for the peripheral at address.
func New(adapter device.Adapter, address, name string, opts Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}

	s := &Session{
		adapter:  adapter,
		address:  address,
		name:     name,
		opts:     opts.withDefaults(),
		logger:   logger,
		registry: NewRegistry(),
		ledger:   NewLedger(),
		events:   newEventBus(opts.EventBacklog, logger),
		queue:    newCommandQueue(logger),
	}
	s.sm = newStateMachine(s.onStateChange)
	return s
}

func (s *Session) onStateChange(from, to State) {
	s.logger.WithFields(logrus.Fields{
		"address": s.address,
		"from":    from,
		"state":   to,
	}).Debug("Session state changed")
	s.events.publish(Event{Type: EventStateChanged, Address: s.address, From: from, To: to})
}

// Address returns the peripheral address, stable across reconnects.
func (s *Session) Address() string { return s.address }

// Name returns the advertised name the session was created for.
func (s *Session) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.sm.Current() }

// Registry exposes the characteristic registry of the last completed discovery.
func (s *Session) Registry() *Registry { return s.registry }

// Ledger exposes the restoration ledger.
func (s *Session) Ledger() *Ledger { return s.ledger }

func (s *Session) lifeContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.life == nil {
		s.life, s.endLife = context.WithCancel(context.Background())
	}
	return s.life
}

func (s *Session) cancelLife() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endLife != nil {
		s.endLife()
	}
	s.life, s.endLife = nil, nil
}

// currentLink returns the live link or ErrNotConnected.
func (s *Session) currentLink() (device.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return nil, fmt.Errorf("%w: session %s is %s", device.ErrNotConnected, s.address, s.sm.Current())
	}
	return s.link, nil
}

// attach installs link as the live link and starts watching it for drops.
func (s *Session) attach(link device.Link) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.linkStop != nil {
		close(s.linkStop)
	}
	s.linkGen++
	gen := s.linkGen
	stop := make(chan struct{})
	s.link = link
	s.linkStop = stop

	groutine.Go(context.Background(), "session-link-watch", func(context.Context) {
		select {
		case <-link.Dropped():
			s.handleDrop(gen)
		case <-stop:
		}
	})
	return gen
}

// detach forgets the live link if it is still generation gen (0 matches any).
func (s *Session) detach(gen uint64) device.Link {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != 0 && gen != s.linkGen {
		return nil
	}
	return s.detachLocked()
}

func (s *Session) detachLocked() device.Link {
	link := s.link
	s.link = nil
	s.linkGen++
	if s.linkStop != nil {
		close(s.linkStop)
		s.linkStop = nil
	}
	return link
}

// whileCurrent runs fn only while link is still the live link. Teardown holds
// the same lock, so a command finishing on a closed link cannot repopulate the
// registry or the ledger.
func (s *Session) whileCurrent(link device.Link, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil || s.link != link {
		return false
	}
	fn()
	return true
}

// handleDrop runs on the watcher goroutine, outside the command queue, so
// that a command stalled on the dead link does not delay the transition.
func (s *Session) handleDrop(gen uint64) {
	s.mu.Lock()
	if gen != s.linkGen {
		s.mu.Unlock()
		return
	}
	s.link = nil
	s.linkStop = nil
	s.mu.Unlock()

	moved := s.sm.TransitionIf(Dropped,
		Connected, DiscoveringServices, Ready, RestoringDuringDiscovery, RestoringAfterDiscovery)

	s.logger.WithFields(logrus.Fields{
		"address": s.address,
		"state":   s.sm.Current(),
		"path":    s.sm.Path(),
	}).Warn("Link to peripheral dropped")

	if moved {
		s.givenUp.Store(false)
		s.emit(EventConnectionDrop)
	}
	if s.opts.AutoReconnect && s.sm.Current() == Dropped {
		s.startReconnect()
	}
}

// Connect dials the peripheral. The session must be Disconnected.
func (s *Session) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.lifeContext()

	return s.queue.run(ctx, "connect", func(ctx context.Context) error {
		if err := s.sm.Transition(Connecting); err != nil {
			if s.sm.Current() != Disconnected {
				return fmt.Errorf("%w: session %s is %s", device.ErrAlreadyConnected, s.address, s.sm.Current())
			}
			return err
		}
		s.sm.SetPath(recoverNone)

		s.logger.WithFields(logrus.Fields{
			"address": s.address,
			"timeout": s.opts.ConnectTimeout,
		}).Info("Connecting to peripheral...")

		dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
		defer cancel()

		link, err := s.adapter.Dial(dialCtx, s.address)
		if err != nil {
			_ = s.sm.Transition(Disconnected)
			return fmt.Errorf("failed to connect to %s: %w", s.address, err)
		}

		gen := s.attach(link)
		if !s.advance(link, Connected, Connecting) {
			// a drop or Disconnect got there first
			s.detach(gen)
			s.sm.TransitionIf(Disconnected, Connecting)
			_ = link.Disconnect()
			return fmt.Errorf("%w: link to %s lost while connecting", device.ErrNotConnected, s.address)
		}

		s.logger.WithField("address", s.address).Info("Peripheral connected")
		s.emit(EventConnect)
		return nil
	})
}

// advance moves the session from one of from to to while link is still the
// live link. Drop handling clears the link under the same lock, so it either
// sees the new state or finds nothing left to do.
func (s *Session) advance(link device.Link, to State, from ...State) bool {
	moved := false
	s.whileCurrent(link, func() { moved = s.sm.TransitionIf(to, from...) })
	return moved
}

// DiscoverServicesAndCharacteristics rebuilds the registry from a full
// discovery and moves the session to Ready.
//
// A drop while discovery is in flight makes the next recovery rediscover
// before replaying; once discovery completes, recovery replays against the
// retained registry.
func (s *Session) DiscoverServicesAndCharacteristics(ctx context.Context) ([]*device.ServiceHandle, []*device.CharacteristicHandle, error) {
	if s.closed.Load() {
		return nil, nil, ErrSessionClosed
	}

	err := s.queue.run(ctx, "discover", func(ctx context.Context) error {
		switch st := s.sm.Current(); st {
		case Connected, Ready:
		default:
			return fmt.Errorf("%w: cannot discover while %s", ErrInvalidTransition, st)
		}

		link, err := s.currentLink()
		if err != nil {
			return err
		}

		s.sm.SetPath(recoverRediscover)
		if err := s.sm.Transition(DiscoveringServices); err != nil {
			return err
		}

		if err := s.discover(ctx, link); err != nil {
			s.sm.TransitionIf(Connected, DiscoveringServices)
			return err
		}

		if !s.sm.TransitionIf(Ready, DiscoveringServices) {
			return fmt.Errorf("%w: link to %s dropped during discovery", device.ErrNotConnected, s.address)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return s.registry.Services(), s.registry.Characteristics(), nil
}

// discover runs profile discovery on link and swaps the registry on success.
func (s *Session) discover(ctx context.Context, link device.Link) error {
	discoverCtx, cancel := context.WithTimeout(ctx, s.opts.DiscoveryTimeout)
	defer cancel()

	profile, err := link.DiscoverProfile(discoverCtx)
	if err != nil {
		return fmt.Errorf("failed to discover services of %s: %w", s.address, err)
	}

	if !s.whileCurrent(link, func() {
		s.registry.Replace(profile)
		s.sm.SetPath(recoverReplay)
	}) {
		return fmt.Errorf("%w: link to %s closed during discovery", device.ErrNotConnected, s.address)
	}

	s.logger.WithFields(logrus.Fields{
		"address":         s.address,
		"services":        len(profile.Services),
		"characteristics": s.registry.Len(),
	}).Debug("Services and characteristics discovered")
	return nil
}

// Disconnect tears down the link, stops any reconnect in progress and clears
// the registry and the restoration ledger. It is valid from every state and
// does not wait for a command that is still running on the old link; ctx only
// bounds how long the link close is awaited.
func (s *Session) Disconnect(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.disconnect(ctx)
}

func (s *Session) disconnect(ctx context.Context) error {
	s.cancelLife()

	s.mu.Lock()
	link := s.detachLocked()
	s.ledger.Clear()
	s.registry.Clear()
	s.mu.Unlock()

	prev := s.sm.Reset()
	if prev != Disconnected {
		s.logger.WithField("address", s.address).Info("Peripheral disconnected")
		s.emit(EventDisconnect)
	}

	if link == nil {
		return nil
	}
	return s.closeLink(ctx, link)
}

// closeLink closes link, giving up the wait when ctx is done.
func (s *Session) closeLink(ctx context.Context, link device.Link) error {
	done := make(chan error, 1)
	groutine.Go(context.Background(), "session-link-close", func(context.Context) {
		done <- link.Disconnect()
	})

	select {
	case err := <-done:
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"address": s.address,
				"error":   err,
			}).Warn("Peripheral disconnected with errors")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects and releases the session goroutines. Streams returned by
// Events are closed after pending events are delivered.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.disconnect(context.Background())
		s.closed.Store(true)
		s.queue.close()
		s.events.close()
	})
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}
