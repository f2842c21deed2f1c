//go:build test

package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/teleble/internal/device"
)

// CharacteristicConfig represents a BLE characteristic configuration for faking
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig represents a BLE service configuration for faking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete peripheral for faking
type DeviceProfileConfig struct {
	Name       string          `json:"name"`
	Address    string          `json:"address"`
	Advertised []string        `json:"advertised,omitempty"`
	Services   []ServiceConfig `json:"services"`
}

// PeripheralDeviceBuilder builds a FakePeripheral with full service/characteristic support
type PeripheralDeviceBuilder struct {
	profile DeviceProfileConfig
}

// NewPeripheralDeviceBuilder creates a new peripheral device builder
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{
		profile: DeviceProfileConfig{
			Address:  "aa:bb:cc:dd:ee:ff",
			Services: []ServiceConfig{},
		},
	}
}

// WithName sets the advertised local name
func (b *PeripheralDeviceBuilder) WithName(name string) *PeripheralDeviceBuilder {
	b.profile.Name = name
	return b
}

// WithAddress sets the peripheral address
func (b *PeripheralDeviceBuilder) WithAddress(address string) *PeripheralDeviceBuilder {
	b.profile.Address = address
	return b
}

// WithAdvertisedServices sets the service UUIDs carried in advertisements
func (b *PeripheralDeviceBuilder) WithAdvertisedServices(uuids ...string) *PeripheralDeviceBuilder {
	b.profile.Advertised = append(b.profile.Advertised, uuids...)
	return b
}

// WithService adds a service to the device profile
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{
		UUID:            uuid,
		Characteristics: []CharacteristicConfig{},
	})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	lastServiceIdx := len(b.profile.Services) - 1
	b.profile.Services[lastServiceIdx].Characteristics = append(
		b.profile.Services[lastServiceIdx].Characteristics, CharacteristicConfig{
			UUID:       uuid,
			Properties: properties,
			Value:      value,
		})
	return b
}

// FromJSON fills the device profile from JSON
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	config := DeviceProfileConfig{Address: b.profile.Address}
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.profile = config
	return b
}

// Build creates a FakePeripheral with the configured profile
func (b *PeripheralDeviceBuilder) Build() *FakePeripheral {
	p := &FakePeripheral{
		Name:       b.profile.Name,
		Address:    b.profile.Address,
		Advertised: device.NormalizeUUIDs(b.profile.Advertised),
		values:     make(map[string][]byte),
	}

	for _, svcConfig := range b.profile.Services {
		svc := &device.ServiceHandle{UUID: device.NormalizeUUID(svcConfig.UUID)}
		for _, charConfig := range svcConfig.Characteristics {
			props, err := device.ParseProperties(charConfig.Properties)
			if err != nil {
				panic(fmt.Sprintf("PeripheralDeviceBuilder.Build: %v", err))
			}
			if charConfig.Properties == "" {
				props = device.PropRead | device.PropWrite | device.PropNotify
			}
			h := &device.CharacteristicHandle{
				UUID:        device.NormalizeUUID(charConfig.UUID),
				ServiceUUID: svc.UUID,
				Properties:  props,
			}
			svc.Characteristics = append(svc.Characteristics, h)
			p.values[h.UUID] = append([]byte(nil), charConfig.Value...)
		}
		p.Services = append(p.Services, svc)
	}
	return p
}

// GetServices returns the configured services
func (b *PeripheralDeviceBuilder) GetServices() []ServiceConfig {
	return b.profile.Services
}

// TeleinfoPeripheral returns a builder preconfigured as a teleinfo node: GAP
// service with name, appearance and connection parameters plus the UART pair.
func TeleinfoPeripheral() *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder().
		WithName(device.DefaultPeripheralName).
		WithAdvertisedServices(device.ServiceUART).
		WithService(device.ServiceGenericAccess).
		WithCharacteristic(device.CharacteristicDeviceName, "read", []byte(device.DefaultPeripheralName)).
		WithCharacteristic(device.CharacteristicAppearance, "read", []byte{0x80, 0x05}).
		WithCharacteristic(device.CharacteristicPreferredConnectionParameters, "read",
			[]byte{0x18, 0x00, 0x28, 0x00, 0x00, 0x00, 0x90, 0x01}).
		WithService(device.ServiceUART).
		WithCharacteristic(device.CharacteristicUARTRX, "notify", nil).
		WithCharacteristic(device.CharacteristicUARTTX, "write,write-without-response", nil)
}
