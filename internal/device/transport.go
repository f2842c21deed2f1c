package device

import (
	"context"
	"fmt"
	"strings"
)

// AdapterState mirrors the power state reported by the host Bluetooth adapter.
type AdapterState int

const (
	StateUnknown AdapterState = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "poweredOff"
	case StatePoweredOn:
		return "poweredOn"
	default:
		return fmt.Sprintf("AdapterState(%d)", int(s))
	}
}

// Transitional reports whether the adapter may still settle into another state.
func (s AdapterState) Transitional() bool {
	return s == StateUnknown || s == StateResetting
}

// Advertisement is a single scan result.
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Connectable() bool
	Services() []string
	ManufacturerData() []byte
}

// ScanListener receives scan results while scanning is active.
type ScanListener func(Advertisement)

// NotificationHandler receives notification payloads pushed by the peripheral.
type NotificationHandler func(data []byte)

// Adapter is the capability surface of the central stack used by discovery and sessions.
//
// The scan listener registry is shared by every caller of the adapter; each
// listener is addressed by the id returned from AddScanListener.
type Adapter interface {
	// State returns the current power state.
	State() AdapterState
	// WaitStateChange blocks until the state differs from current or ctx is done.
	WaitStateChange(ctx context.Context, current AdapterState) (AdapterState, error)

	AddScanListener(listener ScanListener) string
	RemoveScanListener(id string) bool
	ScanListenerCount() int

	// StartScan starts scanning in the background; it is a no-op while already scanning.
	StartScan(ctx context.Context) error
	StopScan() error

	// Dial connects to the peripheral at address.
	Dial(ctx context.Context, address string) (Link, error)
}

// Link is one physical connection to a peripheral.
//
// Dropped is closed when the link goes away without Disconnect being called.
type Link interface {
	Address() string
	DiscoverProfile(ctx context.Context) (*Profile, error)
	Read(ctx context.Context, char *CharacteristicHandle) ([]byte, error)
	Write(ctx context.Context, char *CharacteristicHandle, data []byte, withResponse bool) error
	Subscribe(ctx context.Context, char *CharacteristicHandle, handler NotificationHandler) error
	Unsubscribe(ctx context.Context, char *CharacteristicHandle) error
	Disconnect() error
	Dropped() <-chan struct{}
}

// HandleResolver is implemented by links that cannot use handles discovered
// on an earlier link as they are. A replay calls ResolveHandles once on the
// new link before the first replayed operation.
type HandleResolver interface {
	ResolveHandles(ctx context.Context, handles []*CharacteristicHandle) error
}

// Property is a bit set of characteristic capabilities.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
)

// Has reports whether all bits of p2 are set.
func (p Property) Has(p2 Property) bool {
	return p&p2 == p2
}

func (p Property) String() string {
	var names []string
	for _, e := range []struct {
		bit  Property
		name string
	}{
		{PropRead, "read"},
		{PropWrite, "write"},
		{PropWriteWithoutResponse, "write-without-response"},
		{PropNotify, "notify"},
		{PropIndicate, "indicate"},
	} {
		if p&e.bit != 0 {
			names = append(names, e.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseProperties parses a comma separated list such as "read,notify".
func ParseProperties(s string) (Property, error) {
	var p Property
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "":
		case "read":
			p |= PropRead
		case "write":
			p |= PropWrite
		case "write-without-response", "writenoresp":
			p |= PropWriteWithoutResponse
		case "notify":
			p |= PropNotify
		case "indicate":
			p |= PropIndicate
		default:
			return 0, fmt.Errorf("unknown characteristic property %q", part)
		}
	}
	return p, nil
}

// Profile is the result of a full service/characteristic discovery.
type Profile struct {
	Services []*ServiceHandle
}

// ServiceHandle is a discovered GATT service.
type ServiceHandle struct {
	UUID            string
	Characteristics []*CharacteristicHandle
}

// CharacteristicHandle is a discovered characteristic. Native carries the
// transport-specific object and is only meaningful to the Link that produced it.
type CharacteristicHandle struct {
	UUID        string
	ServiceUUID string
	Properties  Property
	Native      any
}

func (c *CharacteristicHandle) String() string {
	return fmt.Sprintf("%s/%s [%s]", c.ServiceUUID, c.UUID, c.Properties)
}
