package devicefactory

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/teleble/internal/device"
	"github.com/srg/teleble/internal/device/go-ble"
	"github.com/srg/teleble/internal/discovery"
)

// AdapterFactory creates the host adapter used by commands.
// This is a variable so that it can be overridden in tests.
var AdapterFactory = func(logger *logrus.Logger) device.Adapter {
	return goble.NewAdapter(logger)
}

// NewAdapter creates the host BLE adapter.
func NewAdapter(logger *logrus.Logger) device.Adapter {
	return AdapterFactory(logger)
}

// NewDiscovery creates a discovery service over a fresh adapter.
// This is the primary entry point for commands that need a session.
func NewDiscovery(logger *logrus.Logger) *discovery.Service {
	return discovery.NewService(NewAdapter(logger), logger)
}
