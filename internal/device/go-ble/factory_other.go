//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/teleble/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return nil, fmt.Errorf("%w: no BLE central stack for %s", device.ErrUnsupported, runtime.GOOS)
}

// ReuseNativeHandles reports whether characteristics discovered on one link
// can be used on the next one without discovery.
var ReuseNativeHandles = false
