package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/teleble/internal/device"
)

func charKey(serviceUUID, charUUID string) string {
	return device.NormalizeUUID(serviceUUID) + "/" + device.NormalizeUUID(charUUID)
}

// convertProperties maps go-ble property bits to device.Property.
func convertProperties(p ble.Property) device.Property {
	var props device.Property
	if p&ble.CharRead != 0 {
		props |= device.PropRead
	}
	if p&ble.CharWrite != 0 {
		props |= device.PropWrite
	}
	if p&ble.CharWriteNR != 0 {
		props |= device.PropWriteWithoutResponse
	}
	if p&ble.CharNotify != 0 {
		props |= device.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		props |= device.PropIndicate
	}
	return props
}

// convertProfile builds transport-neutral handles from a go-ble profile and
// returns the lookup table used to resolve them back.
func convertProfile(p *ble.Profile) (*device.Profile, map[string]*ble.Characteristic) {
	profile := &device.Profile{}
	chars := make(map[string]*ble.Characteristic)
	if p == nil {
		return profile, chars
	}

	for _, bleSvc := range p.Services {
		svc := &device.ServiceHandle{UUID: device.NormalizeUUID(bleSvc.UUID.String())}
		for _, bleChar := range bleSvc.Characteristics {
			h := &device.CharacteristicHandle{
				UUID:        device.NormalizeUUID(bleChar.UUID.String()),
				ServiceUUID: svc.UUID,
				Properties:  convertProperties(bleChar.Property),
				Native:      bleChar,
			}
			svc.Characteristics = append(svc.Characteristics, h)
			chars[charKey(svc.UUID, h.UUID)] = bleChar
		}
		profile.Services = append(profile.Services, svc)
	}
	return profile, chars
}
