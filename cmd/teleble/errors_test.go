package main

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/teleble/internal/device"
	"github.com/srg/teleble/internal/discovery"
	"github.com/srg/teleble/internal/session"
	"github.com/srg/teleble/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"adapter off", fmt.Errorf("%w: adapter is poweredOff", device.ErrAdapterUnavailable), "no usable Bluetooth adapter"},
		{"bluetooth off", device.ErrBluetoothOff, "turned off"},
		{"no match", fmt.Errorf("%w: context deadline exceeded", discovery.ErrNoMatch), "no teleinfo node found"},
		{"restoration", &session.RestorationError{Step: session.StepSubscribe, ID: "6e400003", Err: errors.New("gatt error")}, "during subscribe: gatt error"},
		{"not found", fmt.Errorf("write: %w", &device.NotFoundError{Resource: "characteristic", UUIDs: []string{"2a06"}}), `characteristic "2a06" not found on the node`},
		{"sink", fmt.Errorf("%w: influxdb ping failed", sink.ErrSinkUnavailable), "telemetry sink unavailable"},
		{"lost", ErrConnectionLost, "could not be re-established"},
		{"other", errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, FormatUserError(tt.err), tt.contains)
		})
	}
}

func newLoggerTestCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Bool("verbose", false, "")
	return cmd
}

func TestConfigureLogger(t *testing.T) {
	t.Run("silent by default", func(t *testing.T) {
		logger, err := configureLogger(newLoggerTestCommand(), "verbose", "")
		require.NoError(t, err)
		assert.Equal(t, logrus.PanicLevel, logger.GetLevel())
	})

	t.Run("configured level as fallback", func(t *testing.T) {
		logger, err := configureLogger(newLoggerTestCommand(), "verbose", "warning")
		require.NoError(t, err)
		assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	})

	t.Run("verbose beats configured level", func(t *testing.T) {
		cmd := newLoggerTestCommand()
		require.NoError(t, cmd.Flags().Set("verbose", "true"))
		logger, err := configureLogger(cmd, "verbose", "error")
		require.NoError(t, err)
		assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	})

	t.Run("log-level beats verbose", func(t *testing.T) {
		cmd := newLoggerTestCommand()
		require.NoError(t, cmd.Flags().Set("verbose", "true"))
		require.NoError(t, cmd.Flags().Set("log-level", "error"))
		logger, err := configureLogger(cmd, "verbose", "")
		require.NoError(t, err)
		assert.Equal(t, logrus.ErrorLevel, logger.GetLevel())
	})

	t.Run("invalid log-level", func(t *testing.T) {
		cmd := newLoggerTestCommand()
		require.NoError(t, cmd.Flags().Set("log-level", "loud"))
		_, err := configureLogger(cmd, "verbose", "")
		assert.ErrorContains(t, err, "invalid log level")
	})
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", formatVersion("1.2.0"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestProgressPrinterCountdown(t *testing.T) {
	p := NewCountdownProgressPrinter(nil, "Scanning", "Scanning", 10*time.Second)
	assert.Equal(t, 10, p.seconds(0))
	assert.Equal(t, 4, p.seconds(6300*time.Millisecond))
	assert.Equal(t, 0, p.seconds(11*time.Second))

	up := NewProgressPrinter(nil, "Connecting", "Scanning")
	assert.Equal(t, 3, up.seconds(3900*time.Millisecond))
}
