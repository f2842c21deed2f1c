package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/teleble/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertProfile(t *testing.T) {
	rx := &ble.Characteristic{
		UUID:     ble.MustParse("6e400003-b5a3-f393-e0a9-e50e24dcca9e"),
		Property: ble.CharNotify,
	}
	tx := &ble.Characteristic{
		UUID:     ble.MustParse("6e400002-b5a3-f393-e0a9-e50e24dcca9e"),
		Property: ble.CharWrite | ble.CharWriteNR,
	}
	name := &ble.Characteristic{
		UUID:     ble.UUID16(0x2a00),
		Property: ble.CharRead,
	}

	p := &ble.Profile{Services: []*ble.Service{
		{UUID: ble.UUID16(0x1800), Characteristics: []*ble.Characteristic{name}},
		{UUID: ble.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e"), Characteristics: []*ble.Characteristic{rx, tx}},
	}}

	profile, chars := convertProfile(p)
	require.Len(t, profile.Services, 2)

	gap := profile.Services[0]
	assert.Equal(t, device.ServiceGenericAccess, gap.UUID)
	require.Len(t, gap.Characteristics, 1)
	assert.Equal(t, device.CharacteristicDeviceName, gap.Characteristics[0].UUID)
	assert.Equal(t, device.PropRead, gap.Characteristics[0].Properties)

	uart := profile.Services[1]
	assert.Equal(t, device.ServiceUART, uart.UUID)
	require.Len(t, uart.Characteristics, 2)
	assert.Equal(t, device.CharacteristicUARTRX, uart.Characteristics[0].UUID)
	assert.True(t, uart.Characteristics[0].Properties.Has(device.PropNotify))
	assert.True(t, uart.Characteristics[1].Properties.Has(device.PropWrite|device.PropWriteWithoutResponse))
	assert.Equal(t, device.ServiceUART, uart.Characteristics[1].ServiceUUID)

	assert.Same(t, tx, chars[charKey(device.ServiceUART, device.CharacteristicUARTTX)])
	assert.Same(t, tx, uart.Characteristics[1].Native)
	assert.Len(t, chars, 3)
}

func TestConvertProfile_Nil(t *testing.T) {
	profile, chars := convertProfile(nil)
	assert.Empty(t, profile.Services)
	assert.Empty(t, chars)
}

func TestWithContext(t *testing.T) {
	t.Run("returns result", func(t *testing.T) {
		v, err := withContext(context.Background(), func() (int, error) { return 42, nil })
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("normalizes errors", func(t *testing.T) {
		_, err := withContext(context.Background(), func() (int, error) {
			return 0, errors.New("device not connected")
		})
		assert.ErrorIs(t, err, device.ErrNotConnected)
	})

	t.Run("deadline maps to timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		block := make(chan struct{})
		defer close(block)
		_, err := withContext(ctx, func() (int, error) {
			<-block
			return 0, nil
		})
		assert.ErrorIs(t, err, device.ErrTimeout)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
