package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/teleble/internal/device"
)

// readyLink returns the live link; characteristic I/O is only valid while Ready.
func (s *Session) readyLink() (device.Link, error) {
	if st := s.sm.Current(); st != Ready {
		return nil, fmt.Errorf("%w: session %s is %s", ErrNotReady, s.address, st)
	}
	return s.currentLink()
}

// Write writes payload with acknowledgment and records it as the value to
// replay on the characteristic after a link drop.
func (s *Session) Write(ctx context.Context, id string, payload []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	id = device.NormalizeUUID(id)

	return s.queue.run(ctx, "write", func(ctx context.Context) error {
		link, err := s.readyLink()
		if err != nil {
			return err
		}
		h, err := s.registry.Characteristic(id)
		if err != nil {
			return err
		}

		opCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
		defer cancel()

		if err := link.Write(opCtx, h, payload, true); err != nil {
			return fmt.Errorf("failed to write characteristic %s: %w", id, err)
		}
		if !s.whileCurrent(link, func() { s.ledger.RecordWrite(id, payload) }) {
			return fmt.Errorf("%w: link to %s closed during write", device.ErrNotConnected, s.address)
		}

		s.logger.WithFields(logrus.Fields{
			"address":   s.address,
			"char_uuid": id,
			"bytes":     len(payload),
		}).Debug("Characteristic written")
		return nil
	})
}

// SetNotify enables or disables notifications of a characteristic.
//
// Enabling attaches listener and records the subscription for replay;
// enabling an already subscribed id only replaces its listener. Disabling an
// id that is not subscribed is a no-op.
func (s *Session) SetNotify(ctx context.Context, id string, enabled bool, listener device.NotificationHandler) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	id = device.NormalizeUUID(id)

	return s.queue.run(ctx, "setNotify", func(ctx context.Context) error {
		if enabled {
			return s.subscribe(ctx, id, listener)
		}
		return s.unsubscribe(ctx, id)
	})
}

func (s *Session) subscribe(ctx context.Context, id string, listener device.NotificationHandler) error {
	if listener == nil {
		return fmt.Errorf("notification listener for %s is nil", id)
	}

	link, err := s.readyLink()
	if err != nil {
		return err
	}
	h, err := s.registry.Characteristic(id)
	if err != nil {
		return err
	}

	if s.ledger.IsSubscribed(id) {
		if !s.whileCurrent(link, func() { s.ledger.RecordSubscribe(id, listener) }) {
			return fmt.Errorf("%w: session %s was disconnected", device.ErrNotConnected, s.address)
		}
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	if err := link.Subscribe(opCtx, h, s.notificationHandler(id)); err != nil {
		return fmt.Errorf("failed to enable notifications on %s: %w", id, err)
	}
	if !s.whileCurrent(link, func() { s.ledger.RecordSubscribe(id, listener) }) {
		return fmt.Errorf("%w: link to %s closed while enabling notifications", device.ErrNotConnected, s.address)
	}

	s.logger.WithFields(logrus.Fields{
		"address":   s.address,
		"char_uuid": id,
	}).Debug("Notifications enabled")
	return nil
}

func (s *Session) unsubscribe(ctx context.Context, id string) error {
	if !s.ledger.IsSubscribed(id) {
		return nil
	}

	// while the link is down only the replay record is dropped
	if link, err := s.readyLink(); err == nil {
		h, err := s.registry.Characteristic(id)
		if err != nil {
			return err
		}

		opCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
		defer cancel()

		if err := link.Unsubscribe(opCtx, h); err != nil {
			return fmt.Errorf("failed to disable notifications on %s: %w", id, err)
		}
	}
	s.ledger.RecordUnsubscribe(id)

	s.logger.WithFields(logrus.Fields{
		"address":   s.address,
		"char_uuid": id,
	}).Debug("Notifications disabled")
	return nil
}

// notificationHandler forwards payloads to the listener currently recorded
// for id, on the event dispatcher goroutine.
func (s *Session) notificationHandler(id string) device.NotificationHandler {
	return func(data []byte) {
		s.events.post(func() {
			if listener := s.ledger.Listener(id); listener != nil {
				listener(data)
			}
		})
	}
}

// Read reads a characteristic value. Reads are never recorded or replayed.
func (s *Session) Read(ctx context.Context, id string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	id = device.NormalizeUUID(id)

	var value []byte
	err := s.queue.run(ctx, "read", func(ctx context.Context) error {
		link, err := s.readyLink()
		if err != nil {
			return err
		}
		h, err := s.registry.Characteristic(id)
		if err != nil {
			return err
		}

		opCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
		defer cancel()

		value, err = link.Read(opCtx, h)
		if err != nil {
			return fmt.Errorf("failed to read characteristic %s: %w", id, err)
		}
		return nil
	})
	return value, err
}

// DeviceName reads the GAP Device Name (0x2A00).
func (s *Session) DeviceName(ctx context.Context) (string, error) {
	value, err := s.Read(ctx, device.CharacteristicDeviceName)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.TrimRight(string(value), "\x00")), nil
}

// Appearance reads and decodes the GAP Appearance (0x2A01).
func (s *Session) Appearance(ctx context.Context) (uint16, error) {
	value, err := s.Read(ctx, device.CharacteristicAppearance)
	if err != nil {
		return 0, err
	}
	return device.ParseAppearance(value)
}

// PreferredConnectionParameters reads and decodes the GAP Peripheral Preferred
// Connection Parameters (0x2A04).
func (s *Session) PreferredConnectionParameters(ctx context.Context) (device.ConnectionParameters, error) {
	value, err := s.Read(ctx, device.CharacteristicPreferredConnectionParameters)
	if err != nil {
		return device.ConnectionParameters{}, err
	}
	return device.ParseConnectionParameters(value)
}

// WriteData writes payload to the UART write characteristic.
func (s *Session) WriteData(ctx context.Context, payload []byte) error {
	return s.Write(ctx, device.CharacteristicUARTTX, payload)
}

// NotifyDataReceive enables notifications on the UART notify characteristic;
// payloads are delivered as dataReceived events.
func (s *Session) NotifyDataReceive(ctx context.Context) error {
	return s.SetNotify(ctx, device.CharacteristicUARTRX, true, s.publishData)
}

// UnnotifyDataReceive disables the UART notifications.
func (s *Session) UnnotifyDataReceive(ctx context.Context) error {
	return s.SetNotify(ctx, device.CharacteristicUARTRX, false, nil)
}

func (s *Session) publishData(data []byte) {
	s.events.publish(Event{Type: EventDataReceived, Address: s.address, Data: data})
}
