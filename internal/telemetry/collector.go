// Package telemetry buffers teleinfo readings between the BLE notification
// path and the sinks, so a slow or unreachable sink never blocks the session.
package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/teleble/internal/groutine"
	"github.com/srg/teleble/internal/sink"
	"github.com/srg/teleble/internal/teleinfo"
)

// Metrics are lock-free counters of a Collector.
type Metrics struct {
	RecordsProcessed   int64 // readings accepted into the buffer
	RecordsDelivered   int64 // readings written to the sink
	RecordsOverwritten int64 // readings lost to buffer overflow
	DecodeErrors       int64 // frames that could not be decoded
	ErrorsOccurred     int64 // sink write failures
}

func (m *Metrics) snapshot() Metrics {
	return Metrics{
		RecordsProcessed:   atomic.LoadInt64(&m.RecordsProcessed),
		RecordsDelivered:   atomic.LoadInt64(&m.RecordsDelivered),
		RecordsOverwritten: atomic.LoadInt64(&m.RecordsOverwritten),
		DecodeErrors:       atomic.LoadInt64(&m.DecodeErrors),
		ErrorsOccurred:     atomic.LoadInt64(&m.ErrorsOccurred),
	}
}

func (m *Metrics) reset() {
	atomic.StoreInt64(&m.RecordsProcessed, 0)
	atomic.StoreInt64(&m.RecordsDelivered, 0)
	atomic.StoreInt64(&m.RecordsOverwritten, 0)
	atomic.StoreInt64(&m.DecodeErrors, 0)
	atomic.StoreInt64(&m.ErrorsOccurred, 0)
}

const (
	StateNotRunning uint32 = iota
	StateRunning
	StateStopping

	// MaxBufferSize guards against accidental misconfiguration.
	MaxBufferSize uint32 = 1024 * 1024

	DefaultFlushInterval = time.Second
	DefaultWriteTimeout  = 5 * time.Second
)

// Collector accepts readings from any goroutine into an overlapped ring
// buffer (oldest dropped on overflow) and drains them to a sink on its own
// goroutine.
type Collector struct {
	sink    sink.Sink
	buffer  mpmc.RichOverlappedRingBuffer[teleinfo.Reading]
	logger  *logrus.Logger
	metrics Metrics
	state   uint32

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// NewCollector creates a stopped collector writing to s.
func NewCollector(s sink.Sink, bufferSize uint32, logger *logrus.Logger) (*Collector, error) {
	if s == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if bufferSize == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if bufferSize > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxBufferSize)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Collector{
		sink:          s,
		buffer:        mpmc.NewOverlappedRingBuffer[teleinfo.Reading](bufferSize),
		logger:        logger,
		wake:          make(chan struct{}, 1),
		state:         StateNotRunning,
		FlushInterval: DefaultFlushInterval,
		WriteTimeout:  DefaultWriteTimeout,
	}, nil
}

// Offer buffers r for delivery. It never blocks.
func (c *Collector) Offer(r teleinfo.Reading) {
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	overwrites, err := c.buffer.EnqueueM(r)
	if err != nil {
		atomic.AddInt64(&c.metrics.ErrorsOccurred, 1)
		c.logger.WithField("error", err).Error("Telemetry buffer enqueue failed")
		return
	}
	atomic.AddInt64(&c.metrics.RecordsOverwritten, int64(overwrites))
	atomic.AddInt64(&c.metrics.RecordsProcessed, 1)

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// FrameHandler returns a notification listener that decodes frames pushed by
// the peripheral at address and offers the readings.
func (c *Collector) FrameHandler(address string) func([]byte) {
	return func(frame []byte) {
		r, err := teleinfo.Decode(frame)
		if err != nil {
			atomic.AddInt64(&c.metrics.DecodeErrors, 1)
			c.logger.WithFields(logrus.Fields{
				"address": address,
				"frame":   fmt.Sprintf("%x", frame),
				"error":   err,
			}).Warn("Dropping undecodable teleinfo frame")
			return
		}
		r.Address = address
		c.Offer(r)
	}
}

// Start launches the drain goroutine.
func (c *Collector) Start() error {
	if !atomic.CompareAndSwapUint32(&c.state, StateNotRunning, StateRunning) {
		switch st := atomic.LoadUint32(&c.state); st {
		case StateRunning:
			return fmt.Errorf("collector is already running")
		case StateStopping:
			return fmt.Errorf("collector is stopping, wait for it to finish")
		default:
			return fmt.Errorf("collector is in unknown state %d", st)
		}
	}

	// fresh channels per start cycle
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done

	groutine.Go(context.Background(), "telemetry-drain", func(ctx context.Context) {
		defer func() {
			close(done)
			atomic.StoreUint32(&c.state, StateNotRunning)
		}()

		ticker := time.NewTicker(c.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				c.Drain(ctx)
				return
			case <-c.wake:
			case <-ticker.C:
			}
			c.Drain(ctx)
		}
	})
	return nil
}

// Stop delivers what is still buffered and stops the drain goroutine.
func (c *Collector) Stop() error {
	if !atomic.CompareAndSwapUint32(&c.state, StateRunning, StateStopping) {
		switch st := atomic.LoadUint32(&c.state); st {
		case StateNotRunning:
			return nil
		case StateStopping:
		default:
			return fmt.Errorf("collector is in unknown state %d", st)
		}
	} else {
		close(c.stop)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		<-c.done
		return fmt.Errorf("stop completed but exceeded 5s timeout (slow sink?)")
	}
}

// Drain writes every buffered reading to the sink and returns how many were
// delivered. Failed writes are counted and logged, never retried.
func (c *Collector) Drain(ctx context.Context) int {
	delivered := 0
	for !c.buffer.IsEmpty() {
		r, err := c.buffer.Dequeue()
		if err != nil {
			break
		}

		writeCtx, cancel := context.WithTimeout(ctx, c.WriteTimeout)
		err = c.sink.Write(writeCtx, r)
		cancel()
		if err != nil {
			atomic.AddInt64(&c.metrics.ErrorsOccurred, 1)
			c.logger.WithFields(logrus.Fields{
				"sink":    c.sink.Name(),
				"reading": r.String(),
				"error":   err,
			}).Warn("Failed to forward reading")
			continue
		}
		atomic.AddInt64(&c.metrics.RecordsDelivered, 1)
		delivered++
	}
	return delivered
}

// GetMetrics returns a copy of the counters.
func (c *Collector) GetMetrics() Metrics { return c.metrics.snapshot() }

// ResetMetrics zeroes the counters.
func (c *Collector) ResetMetrics() { c.metrics.reset() }

// GetState returns one of the State* constants.
func (c *Collector) GetState() uint32 { return atomic.LoadUint32(&c.state) }
