package goble

import (
	"fmt"
	"strings"

	"github.com/srg/teleble/internal/device"
)

// NormalizeError maps known go-ble error strings to structured ConnectionError types.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "have=4 want=5"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case device.ContainsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case device.ContainsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	case device.ContainsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", device.ErrNotInitialized, err)
	default:
		return err
	}
}

// classifyState derives the adapter power state from a device creation error.
//
// CoreBluetooth reports its manager state as "have=N": 0 unknown, 1 resetting,
// 2 unsupported, 3 unauthorized, 4 powered off. HCI errors on Linux are matched by text.
func classifyState(err error) device.AdapterState {
	if err == nil {
		return device.StatePoweredOn
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "have=0"):
		return device.StateUnknown
	case strings.Contains(msg, "have=1"):
		return device.StateResetting
	case strings.Contains(msg, "have=2"):
		return device.StateUnsupported
	case strings.Contains(msg, "have=3"):
		return device.StateUnauthorized
	case strings.Contains(msg, "have=4"),
		device.ContainsIgnoreCase(msg, "turned off"),
		device.ContainsIgnoreCase(msg, "powered off"),
		device.ContainsIgnoreCase(msg, "network is down"):
		return device.StatePoweredOff
	case device.ContainsIgnoreCase(msg, "permission"),
		device.ContainsIgnoreCase(msg, "not permitted"),
		device.ContainsIgnoreCase(msg, "unauthorized"):
		return device.StateUnauthorized
	case device.ContainsIgnoreCase(msg, "resource busy"):
		return device.StateResetting
	default:
		// no adapter, unsupported platform or an unrecognized failure
		return device.StateUnsupported
	}
}
