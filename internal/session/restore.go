package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/teleble/internal/device"
	"github.com/srg/teleble/internal/groutine"
)

// Reconnect runs one recovery attempt: re-dial, then rediscover and/or replay
// depending on where the previous link dropped. It is a no-op unless the
// session is Dropped.
func (s *Session) Reconnect(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.recoverLink(ctx)
}

func (s *Session) startReconnect() {
	s.mu.Lock()
	life := s.life
	s.mu.Unlock()
	if life == nil || life.Err() != nil {
		return
	}
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}

	groutine.Go(life, "session-reconnect", func(ctx context.Context) {
		s.reconnectLoop(ctx)
		s.reconnecting.Store(false)

		// a drop observed while the loop was exiting found the flag still set
		if ctx.Err() == nil && s.sm.Current() == Dropped && !s.givenUp.Load() {
			s.startReconnect()
		}
	})
}

// backoffDelay returns the delay before reconnect attempt n (0-based, n > 0).
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := initial
	for i := 1; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}

// reconnectLoop attempts recovery with exponential backoff; the first attempt is immediate.
func (s *Session) reconnectLoop(ctx context.Context) {
	policy := s.opts.Reconnect

	for attempt := 0; ; attempt++ {
		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			s.logger.WithFields(logrus.Fields{
				"address":  s.address,
				"attempts": attempt,
			}).Error("Giving up reconnecting to peripheral")
			s.givenUp.Store(true)
			s.emit(EventReconnectGaveUp)
			return
		}

		if delay := backoffDelay(attempt, policy.InitialDelay, policy.MaxDelay); delay > 0 {
			s.logger.WithFields(logrus.Fields{
				"address": s.address,
				"attempt": attempt + 1,
				"delay":   delay,
			}).Debug("Reconnect backoff")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		if s.sm.Current() != Dropped {
			return
		}

		err := s.recoverLink(ctx)
		if err == nil {
			// a drop during the attempt leaves the session Dropped; keep going
			if s.sm.Current() == Dropped {
				continue
			}
			return
		}
		if ctx.Err() != nil || errors.Is(err, ErrSessionClosed) {
			return
		}

		s.logger.WithFields(logrus.Fields{
			"address": s.address,
			"attempt": attempt + 1,
			"error":   err,
		}).Warn("Reconnect attempt failed")
	}
}

// recoverLink is the queued recovery command.
func (s *Session) recoverLink(ctx context.Context) error {
	return s.queue.run(ctx, "recover", func(ctx context.Context) error {
		switch st := s.sm.Current(); st {
		case Dropped:
		case Disconnected:
			return fmt.Errorf("%w: session %s is disconnected", device.ErrNotConnected, s.address)
		default:
			return nil
		}

		dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
		link, err := s.adapter.Dial(dialCtx, s.address)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to reconnect to %s: %w", s.address, err)
		}
		gen := s.attach(link)

		path := s.sm.Path()
		s.logger.WithFields(logrus.Fields{
			"address": s.address,
			"path":    path,
		}).Info("Link re-established, restoring session")

		var target State
		switch path {
		case recoverReplay:
			target = RestoringAfterDiscovery
		case recoverRediscover:
			target = RestoringDuringDiscovery
		default:
			// dropped before any discovery: nothing to rebuild or replay
			if !s.advance(link, Connected, Dropped) {
				return s.abandonLink(gen, link)
			}
			s.emit(EventRestored)
			return nil
		}

		if !s.advance(link, target, Dropped) {
			return s.abandonLink(gen, link)
		}

		switch path {
		case recoverRediscover:
			if err := s.discover(ctx, link); err != nil {
				return s.failRestoration(gen, link, target, &RestorationError{Step: StepDiscover, Err: err})
			}
		case recoverReplay:
			if err := s.resolveHandles(ctx, link); err != nil {
				return s.failRestoration(gen, link, target, &RestorationError{Step: StepResolve, Err: err})
			}
		}

		if err := s.restore(ctx, link); err != nil {
			return s.failRestoration(gen, link, target, err)
		}

		if !s.sm.TransitionIf(Ready, target) {
			return fmt.Errorf("%w: link to %s dropped during restoration", device.ErrNotConnected, s.address)
		}

		s.logger.WithField("address", s.address).Info("Session restored")
		s.emit(EventRestored)
		return nil
	})
}

// abandonLink drops a freshly dialed link that can no longer be used.
func (s *Session) abandonLink(gen uint64, link device.Link) error {
	if l := s.detach(gen); l != nil {
		_ = l.Disconnect()
	}
	select {
	case <-link.Dropped():
		return fmt.Errorf("%w: link to %s dropped during recovery", device.ErrNotConnected, s.address)
	default:
	}
	return fmt.Errorf("%w: session %s left the dropped state during recovery", device.ErrNotConnected, s.address)
}

// failRestoration applies the abort-and-report policy. A failure caused by
// another drop is left to the watcher and one caused by Disconnect is not
// reported; any other failure closes the new link, returns the session to
// Dropped and emits restoreFailed.
func (s *Session) failRestoration(gen uint64, link device.Link, from State, err error) error {
	select {
	case <-link.Dropped():
		return fmt.Errorf("restoration interrupted by link drop: %w", err)
	default:
	}

	l := s.detach(gen)
	if l == nil {
		return fmt.Errorf("restoration interrupted by disconnect: %w", err)
	}
	if derr := l.Disconnect(); derr != nil {
		s.logger.WithField("error", derr).Debug("Failed to close link after restoration failure")
	}
	if !s.sm.TransitionIf(Dropped, from) {
		return fmt.Errorf("restoration interrupted: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"address": s.address,
		"error":   err,
	}).Error("Session restoration failed")
	s.events.publish(Event{Type: EventRestoreFailed, Address: s.address, Err: err})
	return err
}

// resolveHandles binds the retained registry to a fresh link when the
// transport needs it. It is bounded by the discovery timeout, not the step timeout.
func (s *Session) resolveHandles(ctx context.Context, link device.Link) error {
	r, ok := link.(device.HandleResolver)
	if !ok {
		return nil
	}

	resolveCtx, cancel := context.WithTimeout(ctx, s.opts.DiscoveryTimeout)
	defer cancel()
	if err := r.ResolveHandles(resolveCtx, s.registry.Characteristics()); err != nil {
		return fmt.Errorf("failed to resolve characteristics of %s: %w", s.address, err)
	}
	return nil
}

// restore replays the ledger on link: every written value in first-write
// order, then every subscription in first-subscribe order, one step at a time.
func (s *Session) restore(ctx context.Context, link device.Link) error {
	for _, w := range s.ledger.Writes() {
		h, err := s.registry.Characteristic(w.ID)
		if err != nil {
			return &RestorationError{Step: StepWrite, ID: w.ID, Err: err}
		}

		stepCtx, cancel := context.WithTimeout(ctx, s.opts.RestoreStepTimeout)
		err = link.Write(stepCtx, h, w.Payload, true)
		cancel()
		if err != nil {
			return &RestorationError{Step: StepWrite, ID: w.ID, Err: err}
		}

		s.logger.WithFields(logrus.Fields{
			"address":   s.address,
			"char_uuid": w.ID,
			"bytes":     len(w.Payload),
		}).Debug("Replayed write")
	}

	for _, sub := range s.ledger.Subscriptions() {
		h, err := s.registry.Characteristic(sub.ID)
		if err != nil {
			return &RestorationError{Step: StepSubscribe, ID: sub.ID, Err: err}
		}

		stepCtx, cancel := context.WithTimeout(ctx, s.opts.RestoreStepTimeout)
		err = link.Subscribe(stepCtx, h, s.notificationHandler(sub.ID))
		cancel()
		if err != nil {
			return &RestorationError{Step: StepSubscribe, ID: sub.ID, Err: err}
		}

		s.logger.WithFields(logrus.Fields{
			"address":   s.address,
			"char_uuid": sub.ID,
		}).Debug("Replayed subscription")
	}
	return nil
}
