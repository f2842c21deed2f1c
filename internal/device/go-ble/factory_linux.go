//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}

// ReuseNativeHandles reports whether characteristics discovered on one link
// can be used on the next one without discovery. The HCI stack addresses
// characteristics by ATT handle, which a static GATT database keeps across
// connections.
var ReuseNativeHandles = true
