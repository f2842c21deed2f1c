// Package sink forwards decoded teleinfo readings to external systems.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/teleble/internal/teleinfo"
)

// ErrSinkUnavailable is returned when a sink cannot reach its backend.
var ErrSinkUnavailable = errors.New("sink unavailable")

// Sink receives readings. Implementations are safe for concurrent use.
type Sink interface {
	Name() string
	Write(ctx context.Context, r teleinfo.Reading) error
	Close() error
}

// Retry calls fn up to attempts times, waiting interval between calls.
func Retry(ctx context.Context, attempts int, interval time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(interval):
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

// Multi fans a reading out to every sink; one failing sink does not stop the others.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Write(ctx context.Context, r teleinfo.Reading) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Log writes readings to a logger.
type Log struct {
	Logger *logrus.Logger
	Level  logrus.Level
}

// NewLog returns a sink logging readings at info level.
func NewLog(logger *logrus.Logger) *Log {
	if logger == nil {
		logger = logrus.New()
	}
	return &Log{Logger: logger, Level: logrus.InfoLevel}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Write(_ context.Context, r teleinfo.Reading) error {
	l.Logger.WithFields(logrus.Fields{
		"address": r.Address,
		"type":    r.Type.String(),
		"value":   r.Value,
		"unit":    r.Type.Unit(),
	}).Log(l.Level, "Teleinfo reading")
	return nil
}

func (l *Log) Close() error { return nil }
