// Package goble implements the device transport contract with github.com/go-ble/ble.
package goble
