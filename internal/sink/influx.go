package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
	"github.com/srg/teleble/internal/groutine"
	"github.com/srg/teleble/internal/teleinfo"
)

// InfluxConfig configures the InfluxDB v2 sink.
type InfluxConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url" default:"http://localhost:8086"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org" default:"home"`
	Bucket        string        `yaml:"bucket" default:"teleinfo"`
	Measurement   string        `yaml:"measurement" default:"teleinfo"`
	BatchSize     uint          `yaml:"batch_size" default:"50"`
	FlushInterval time.Duration `yaml:"flush_interval" default:"10s"`
	PingAttempts  int           `yaml:"ping_attempts" default:"10"`
	PingInterval  time.Duration `yaml:"ping_interval" default:"2s"`
}

// Influx writes readings as points through the non-blocking write API.
// Asynchronous write failures are logged.
type Influx struct {
	cfg      InfluxConfig
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *logrus.Logger

	mu     sync.RWMutex
	closed bool
	errs   groutine.Group
}

// NewInflux connects to InfluxDB, retrying the health ping as configured.
func NewInflux(ctx context.Context, cfg InfluxConfig, logger *logrus.Logger) (*Influx, error) {
	if logger == nil {
		logger = logrus.New()
	}

	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.Measurement == "" {
		cfg.Measurement = "teleinfo"
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(cfg.BatchSize).
			SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())))

	err := Retry(ctx, cfg.PingAttempts, cfg.PingInterval, func(ctx context.Context) error {
		healthy, err := client.Ping(ctx)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"url":   cfg.URL,
				"error": err,
			}).Debug("InfluxDB ping failed")
			return err
		}
		if !healthy {
			return fmt.Errorf("server not healthy")
		}
		return nil
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: influxdb at %s: %w", ErrSinkUnavailable, cfg.URL, err)
	}

	s := &Influx{
		cfg:      cfg,
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger,
	}
	errorsCh := s.writeAPI.Errors()
	s.errs.Go(context.Background(), "influx-errors", func(context.Context) {
		for err := range errorsCh {
			s.logger.WithField("error", err).Warn("InfluxDB write failed")
		}
	})

	logger.WithFields(logrus.Fields{
		"url":    cfg.URL,
		"bucket": cfg.Bucket,
	}).Info("InfluxDB sink connected")
	return s, nil
}

func (s *Influx) Name() string { return "influxdb" }

// Point builds the point written for r.
func (s *Influx) Point(r teleinfo.Reading) *write.Point {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(
		s.cfg.Measurement,
		map[string]string{
			"address": r.Address,
			"type":    strings.ToLower(r.Type.String()),
		},
		map[string]interface{}{
			"value": int64(r.Value),
		},
		ts,
	)
}

func (s *Influx) Write(_ context.Context, r teleinfo.Reading) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("%w: influxdb sink closed", ErrSinkUnavailable)
	}
	s.writeAPI.WritePoint(s.Point(r))
	return nil
}

// Flush blocks until buffered points are sent.
func (s *Influx) Flush() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.closed {
		s.writeAPI.Flush()
	}
}

func (s *Influx) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.writeAPI.Flush()
	s.client.Close()
	s.errs.Wait()
	return nil
}
