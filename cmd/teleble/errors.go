package main

import (
	"errors"
	"fmt"

	"github.com/srg/teleble/internal/device"
	"github.com/srg/teleble/internal/discovery"
	"github.com/srg/teleble/internal/session"
	"github.com/srg/teleble/internal/sink"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the session gave up reconnecting after a drop.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns internal errors into short messages for the terminal.
// Unrecognized errors are printed as is.
func FormatUserError(err error) string {
	var restoreErr *session.RestorationError
	var notFound *device.NotFoundError

	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; power on the adapter and retry"
	case errors.Is(err, device.ErrAdapterUnavailable):
		return fmt.Sprintf("no usable Bluetooth adapter (%v)", err)
	case errors.Is(err, discovery.ErrNoMatch):
		return "no teleinfo node found; check that it is powered and advertising, or raise --timeout"
	case errors.As(err, &restoreErr):
		return fmt.Sprintf("reconnected but could not restore the session during %s: %v", restoreErr.Step, restoreErr.Err)
	case errors.As(err, &notFound):
		return fmt.Sprintf("%s on the node; run 'teleble info' to list it", notFound.Error())
	case errors.Is(err, sink.ErrSinkUnavailable):
		return fmt.Sprintf("telemetry sink unavailable: %v", err)
	case errors.Is(err, ErrConnectionLost):
		return "connection to the node was lost and could not be re-established"
	case errors.Is(err, session.ErrNotReady):
		return "the node is not ready; it may have disconnected"
	default:
		return err.Error()
	}
}
