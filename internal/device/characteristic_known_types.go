package device

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Well-known GATT identifiers, normalized (lowercase, no dashes)
const (
	ServiceGenericAccess    = "1800"
	ServiceGenericAttribute = "1801"

	CharacteristicDeviceName                    = "2a00"
	CharacteristicAppearance                    = "2a01"
	CharacteristicPreferredConnectionParameters = "2a04"

	// Nordic UART service exposed by the teleinfo node
	ServiceUART          = "6e400001b5a3f393e0a9e50e24dcca9e"
	CharacteristicUARTRX = "6e400003b5a3f393e0a9e50e24dcca9e" // notify, peripheral -> client
	CharacteristicUARTTX = "6e400002b5a3f393e0a9e50e24dcca9e" // write, client -> peripheral

	// DefaultPeripheralName is the advertised local name of the teleinfo node
	DefaultPeripheralName = "teleinfo"
)

const (
	connParamsValueLength  = 8
	appearanceValueLength  = 2
	connIntervalUnit       = 1250 * time.Microsecond
	supervisionTimeoutUnit = 10 * time.Millisecond
)

// ConnectionParameters is the decoded Peripheral Preferred Connection Parameters value (0x2A04)
type ConnectionParameters struct {
	MinInterval        time.Duration
	MaxInterval        time.Duration
	SlaveLatency       uint16
	SupervisionTimeout time.Duration
}

func (p ConnectionParameters) String() string {
	return fmt.Sprintf("interval=%s..%s latency=%d timeout=%s", p.MinInterval, p.MaxInterval, p.SlaveLatency, p.SupervisionTimeout)
}

// ParseAppearance decodes the Appearance characteristic (0x2A01) value
func ParseAppearance(value []byte) (uint16, error) {
	if len(value) != appearanceValueLength {
		return 0, fmt.Errorf("appearance value must be %d bytes, got %d", appearanceValueLength, len(value))
	}
	return binary.LittleEndian.Uint16(value), nil
}

// ParseConnectionParameters decodes the Peripheral Preferred Connection Parameters (0x2A04) value
func ParseConnectionParameters(value []byte) (ConnectionParameters, error) {
	if len(value) != connParamsValueLength {
		return ConnectionParameters{}, fmt.Errorf("connection parameters value must be %d bytes, got %d", connParamsValueLength, len(value))
	}
	return ConnectionParameters{
		MinInterval:        time.Duration(binary.LittleEndian.Uint16(value[0:2])) * connIntervalUnit,
		MaxInterval:        time.Duration(binary.LittleEndian.Uint16(value[2:4])) * connIntervalUnit,
		SlaveLatency:       binary.LittleEndian.Uint16(value[4:6]),
		SupervisionTimeout: time.Duration(binary.LittleEndian.Uint16(value[6:8])) * supervisionTimeoutUnit,
	}, nil
}

// CharacteristicParser is a function that parses a characteristic value
type CharacteristicParser func([]byte) (interface{}, error)

// characteristicParsers maps normalized characteristic UUIDs to their parser functions
var characteristicParsers = map[string]CharacteristicParser{
	CharacteristicDeviceName: func(b []byte) (interface{}, error) { return string(b), nil },
	CharacteristicAppearance: func(b []byte) (interface{}, error) { return ParseAppearance(b) },
	CharacteristicPreferredConnectionParameters: func(b []byte) (interface{}, error) {
		return ParseConnectionParameters(b)
	},
}

// IsParsableCharacteristic returns true if the characteristic UUID supports value parsing
func IsParsableCharacteristic(uuid string) bool {
	_, exists := characteristicParsers[NormalizeUUID(uuid)]
	return exists
}

// ParseCharacteristicValue parses a characteristic value based on its UUID.
// Returns (nil, nil) for characteristics without a known parser.
func ParseCharacteristicValue(uuid string, value []byte) (interface{}, error) {
	parser, exists := characteristicParsers[NormalizeUUID(uuid)]
	if !exists {
		return nil, nil
	}
	return parser(value)
}
