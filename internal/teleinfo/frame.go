// Package teleinfo decodes the readings the teleinfo node pushes over the
// UART notify characteristic.
//
// A typed frame starts with a type byte followed by a big-endian value:
//
//	0x00 IINST  uint16  instantaneous current, A
//	0x01 PAPP   uint32  apparent power, VA
//
// Firmware that predates typed frames sends IINST as a bare two-byte value.
package teleinfo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// FrameType identifies the reading carried by a frame.
type FrameType uint8

const (
	FrameIINST FrameType = 0x00
	FramePAPP  FrameType = 0x01
)

func (t FrameType) String() string {
	switch t {
	case FrameIINST:
		return "IINST"
	case FramePAPP:
		return "PAPP"
	default:
		return fmt.Sprintf("FrameType(0x%02x)", uint8(t))
	}
}

// Unit returns the measurement unit of the reading.
func (t FrameType) Unit() string {
	switch t {
	case FrameIINST:
		return "A"
	case FramePAPP:
		return "VA"
	default:
		return ""
	}
}

var (
	ErrEmptyFrame       = errors.New("empty teleinfo frame")
	ErrShortFrame       = errors.New("short teleinfo frame")
	ErrUnknownFrameType = errors.New("unknown teleinfo frame type")
)

const legacyIINSTLength = 2

// Reading is one decoded measurement.
type Reading struct {
	Type    FrameType `json:"type"`
	Value   uint32    `json:"value"`
	Address string    `json:"address,omitempty"`
	Time    time.Time `json:"time"`
}

func (r Reading) String() string {
	return fmt.Sprintf("%s=%d%s", r.Type, r.Value, r.Type.Unit())
}

// Decode parses one notification payload.
func Decode(frame []byte) (Reading, error) {
	if len(frame) == 0 {
		return Reading{}, ErrEmptyFrame
	}
	if len(frame) == legacyIINSTLength {
		return Reading{Type: FrameIINST, Value: uint32(binary.BigEndian.Uint16(frame))}, nil
	}

	t := FrameType(frame[0])
	payload := frame[1:]
	switch t {
	case FrameIINST:
		if len(payload) < 2 {
			return Reading{}, fmt.Errorf("%w: %s needs 2 bytes, got %d", ErrShortFrame, t, len(payload))
		}
		return Reading{Type: t, Value: uint32(binary.BigEndian.Uint16(payload))}, nil
	case FramePAPP:
		if len(payload) < 4 {
			return Reading{}, fmt.Errorf("%w: %s needs 4 bytes, got %d", ErrShortFrame, t, len(payload))
		}
		return Reading{Type: t, Value: binary.BigEndian.Uint32(payload)}, nil
	default:
		return Reading{}, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, frame[0])
	}
}
