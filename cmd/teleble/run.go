package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/teleble/internal/device"
	"github.com/srg/teleble/internal/eventfeed"
	"github.com/srg/teleble/internal/groutine"
	"github.com/srg/teleble/internal/session"
	"github.com/srg/teleble/internal/sink"
	"github.com/srg/teleble/internal/telemetry"
	"github.com/srg/teleble/pkg/config"
)

// runCmd streams meter readings until interrupted
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Stream meter readings from a node to the configured sinks",
	Long: `Connects to the node, subscribes to its UART notifications and forwards
every decoded teleinfo reading to the log and, when enabled in the config
file, to InfluxDB and MQTT.

Link drops are recovered automatically: the session reconnects and restores
the subscription before readings resume. With the event feed enabled,
session events are published over WebSocket at ` + eventfeed.Path + `.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runDuration time.Duration
	runFeedAddr string
)

func init() {
	addNodeFlags(runCmd)
	runCmd.Flags().DurationVarP(&runDuration, "duration", "d", 0, "Stop after this long (0 runs until interrupted)")
	runCmd.Flags().StringVar(&runFeedAddr, "feed", "", "Serve the WebSocket event feed on this address (overrides config)")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if runFeedAddr != "" {
		cfg.EventFeed.Enabled = true
		cfg.EventFeed.Addr = runFeedAddr
	}
	logger, err := configureLogger(cmd, "verbose", cfg.LogLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runDuration)
		defer cancel()
	}

	sinks, err := openSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close sinks")
		}
	}()

	collector, err := telemetry.NewCollector(sinks, cfg.Telemetry.BufferSize, logger)
	if err != nil {
		return err
	}
	collector.FlushInterval = cfg.Telemetry.FlushInterval
	if err := collector.Start(); err != nil {
		return err
	}
	defer func() {
		_ = collector.Stop()
		m := collector.GetMetrics()
		logger.WithFields(logrus.Fields{
			"processed":     m.RecordsProcessed,
			"delivered":     m.RecordsDelivered,
			"overwritten":   m.RecordsOverwritten,
			"decode_errors": m.DecodeErrors,
			"errors":        m.ErrorsOccurred,
		}).Info("Telemetry stopped")
	}()

	out := cmd.OutOrStdout()
	sess, err := connectNode(ctx, cfg, logger, func(phase string) {
		logger.WithField("phase", phase).Debug("Connecting to node")
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	lost := watchSession(out, sess)

	if cfg.EventFeed.Enabled {
		if err := startEventFeed(ctx, cfg, sess, logger); err != nil {
			return err
		}
	}

	if err := sess.SetNotify(ctx, device.CharacteristicUARTRX, true, collector.FrameHandler(sess.Address())); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s streaming readings from %s (%s)\n", okColor.Sprint("OK"), sess.Name(), sess.Address())

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil
		}
		return ctx.Err()
	case <-lost:
		return ErrConnectionLost
	}
}

// openSinks builds the log sink plus every sink enabled in cfg.
func openSinks(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (sink.Multi, error) {
	sinks := sink.Multi{sink.NewLog(logger)}

	if cfg.InfluxDB.Enabled {
		influx, err := sink.NewInflux(ctx, cfg.InfluxDB, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, influx)
	}
	if cfg.MQTT.Enabled {
		mqtt, err := sink.NewMQTT(cfg.MQTT, logger)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, mqtt)
	}
	return sinks, nil
}

// watchSession prints lifecycle changes and returns a channel closed when the
// session stops reconnecting.
func watchSession(out io.Writer, sess *session.Session) <-chan struct{} {
	lost := make(chan struct{})

	sess.OnStateChanged(func(from, to session.State) {
		fmt.Fprintln(out, formatState(from, to))
	})
	sess.OnRestored(func() {
		fmt.Fprintf(out, "%s %s\n", timestamp(), okColor.Sprint("session restored"))
	})
	sess.OnRestoreFailed(func(err error) {
		fmt.Fprintf(out, "%s %s %v\n", timestamp(), errColor.Sprint("restore failed:"), err)
	})
	sess.OnReconnectGaveUp(func() {
		close(lost)
	})
	return lost
}

func startEventFeed(ctx context.Context, cfg *config.Config, sess *session.Session, logger *logrus.Logger) error {
	listener, err := net.Listen("tcp", cfg.EventFeed.Addr)
	if err != nil {
		return fmt.Errorf("failed to start event feed: %w", err)
	}

	hub := eventfeed.NewHub(logger)
	stream := sess.Events(256)
	hub.Attach(ctx, stream)

	groutine.Go(ctx, "eventfeed-server", func(ctx context.Context) {
		defer stream.Close()
		if err := hub.Serve(ctx, listener); err != nil {
			logger.WithFields(logrus.Fields{
				"addr":  cfg.EventFeed.Addr,
				"error": err,
			}).Error("Event feed stopped")
		}
	})
	return nil
}
