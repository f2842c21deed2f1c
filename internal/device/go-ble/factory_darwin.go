//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}

// ReuseNativeHandles reports whether characteristics discovered on one link
// can be used on the next one without discovery. CoreBluetooth
// characteristic objects belong to one connection.
var ReuseNativeHandles = false
