//go:build test

package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/srg/teleble/internal/device"
	"github.com/srg/teleble/internal/testutils"
	"github.com/stretchr/testify/suite"
)

var papp2800 = []byte{0x01, 0x00, 0x00, 0x0A, 0xF0}

type CommandsSuite struct {
	CommandTestSuite
}

func TestCommandsSuite(t *testing.T) {
	suite.Run(t, new(CommandsSuite))
}

// writeConfig writes a YAML config file and returns its path.
func (s *CommandsSuite) writeConfig(content string) string {
	path := filepath.Join(s.T().TempDir(), "teleble.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600))
	return path
}

// notifyWhenSubscribed pushes frame on the UART notify characteristic once
// the current link has a subscriber for it.
func (s *CommandsSuite) notifyWhenSubscribed(frame []byte) {
	adapter := s.Adapter
	go func() {
		deadline := time.Now().Add(s.TestTimeout)
		for time.Now().Before(deadline) {
			if l := adapter.CurrentLink(); l != nil && l.Subscribed(device.CharacteristicUARTRX) {
				adapter.Notify(device.CharacteristicUARTRX, frame)
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
}

func (s *CommandsSuite) TestDiscoverListsTeleinfoNodes() {
	other := testutils.NewAdvertisementBuilder().WithName("meter").WithAddress("11:22:33:44:55:66").Build()
	s.AdvertiseWhileScanning(s.Peripheral.Advertisement(), other)

	out, err := s.ExecuteCommand("discover", "--duration", "100ms")
	s.Require().NoError(err)
	s.Contains(out, s.Peripheral.Address)
	s.NotContains(out, "11:22:33:44:55:66")
	s.Contains(out, "1 node(s) found")
}

func (s *CommandsSuite) TestDiscoverAllJSON() {
	other := testutils.NewAdvertisementBuilder().WithName("meter").WithAddress("11:22:33:44:55:66").Build()
	s.AdvertiseWhileScanning(s.Peripheral.Advertisement(), other)

	out, err := s.ExecuteCommand("discover", "--duration", "100ms", "--all", "--format", "json")
	s.Require().NoError(err)

	var nodes []discoveredNode
	s.Require().NoError(json.Unmarshal([]byte(afterProgress(out)), &nodes))
	s.Len(nodes, 2)
	s.Equal("11:22:33:44:55:66", nodes[0].Address)
	s.Equal(s.Peripheral.Address, nodes[1].Address)
}

func (s *CommandsSuite) TestDiscoverNothingInRange() {
	out, err := s.ExecuteCommand("discover", "--duration", "50ms")
	s.Require().NoError(err)
	s.Contains(out, "No nodes found.")
}

func (s *CommandsSuite) TestDiscoverInvalidFormat() {
	_, err := s.ExecuteCommand("discover", "--format", "xml")
	s.ErrorContains(err, "invalid format")
}

func (s *CommandsSuite) TestDiscoverAdapterOff() {
	s.Adapter.SetState(device.StatePoweredOff)

	_, err := s.ExecuteCommand("discover", "--duration", "50ms")
	s.ErrorIs(err, device.ErrAdapterUnavailable)
}

func (s *CommandsSuite) TestInfo() {
	s.AdvertiseWhileScanning()

	out, err := s.ExecuteCommand("info", "--timeout", "1s")
	s.Require().NoError(err)
	s.Contains(out, s.Peripheral.Address)
	s.Contains(out, "Device name: teleinfo")
	s.Contains(out, "0x0580")
	s.Contains(out, device.CharacteristicUARTRX)
	s.Contains(out, device.CharacteristicUARTTX)
}

func (s *CommandsSuite) TestInfoJSON() {
	s.AdvertiseWhileScanning()

	out, err := s.ExecuteCommand("info", "--timeout", "1s", "--format", "json")
	s.Require().NoError(err)

	var info nodeInfo
	s.Require().NoError(json.Unmarshal([]byte(afterProgress(out)), &info))
	s.Equal("teleinfo", info.DeviceName)
	s.Require().NotNil(info.Appearance)
	s.Equal(uint16(0x0580), *info.Appearance)
	s.Require().NotNil(info.ConnectionParams)
	s.Equal(30*time.Millisecond, info.ConnectionParams.MinInterval)
	s.Len(info.Services, 2)
}

func (s *CommandsSuite) TestInfoNoMatch() {
	_, err := s.ExecuteCommand("info", "--timeout", "50ms")
	s.Require().Error(err)
	s.Contains(FormatUserError(err), "no teleinfo node found")
}

func (s *CommandsSuite) TestInfoRespectsAllowList() {
	s.AdvertiseWhileScanning()

	_, err := s.ExecuteCommand("info", "--timeout", "100ms", "--allow", "11:22:33:44:55:66")
	s.Require().Error(err)
	s.Contains(FormatUserError(err), "no teleinfo node found")
}

func (s *CommandsSuite) TestWriteString() {
	s.AdvertiseWhileScanning()

	out, err := s.ExecuteCommand("write", "Hello", "--timeout", "1s")
	s.Require().NoError(err)
	s.Contains(out, "wrote 5 bytes")

	writes := s.Adapter.OpsOf(testutils.OpWrite)
	s.Require().Len(writes, 1)
	s.Equal(device.CharacteristicUARTTX, writes[0].Char)
	s.Equal([]byte("Hello"), writes[0].Data)
}

func (s *CommandsSuite) TestWriteHex() {
	s.AdvertiseWhileScanning()

	_, err := s.ExecuteCommand("write", "48:65:6c:6c:6f", "--hex", "--timeout", "1s")
	s.Require().NoError(err)
	s.Equal([]byte("Hello"), s.Adapter.Value(s.Peripheral.Address, device.CharacteristicUARTTX))
}

func (s *CommandsSuite) TestWriteInvalidInput() {
	_, err := s.ExecuteCommand("write", "zz", "--hex")
	s.ErrorContains(err, "invalid hex data")

	_, err = s.ExecuteCommand("write", "01", "--char", "not-a-uuid")
	s.ErrorContains(err, "invalid characteristic UUID")

	s.Empty(s.Adapter.OpsOf(testutils.OpDial))
}

func (s *CommandsSuite) TestWriteListen() {
	s.AdvertiseWhileScanning()
	s.notifyWhenSubscribed([]byte{0xca, 0xfe})

	out, err := s.ExecuteCommand("write", "status", "--listen", "200ms", "--timeout", "1s")
	s.Require().NoError(err)
	s.Contains(out, "cafe")
}

func (s *CommandsSuite) TestRunStreamsAndRestores() {
	s.AdvertiseWhileScanning()
	s.notifyWhenSubscribed(papp2800)

	adapter := s.Adapter
	go func() {
		deadline := time.Now().Add(s.TestTimeout)
		for time.Now().Before(deadline) {
			if l := adapter.CurrentLink(); l != nil && l.ID() == 1 && l.Subscribed(device.CharacteristicUARTRX) {
				time.Sleep(20 * time.Millisecond)
				adapter.Drop()
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	out, err := s.ExecuteCommand("run", "--duration", "500ms", "--timeout", "1s")
	s.Require().NoError(err)
	s.Contains(out, "streaming readings from teleinfo")
	s.Contains(out, "session restored")
	s.Contains(out, "ready -> dropped")

	// the replayed subscription lives on the second link
	links := s.Adapter.Links()
	s.Require().Len(links, 2)
	s.False(links[0].Alive())
}

func (s *CommandsSuite) TestRunGivesUpAfterMaxAttempts() {
	s.AdvertiseWhileScanning()
	cfg := s.writeConfig(`
session:
  reconnect:
    initial_delay: 1ms
    max_delay: 5ms
    max_attempts: 2
`)

	adapter := s.Adapter
	go func() {
		deadline := time.Now().Add(s.TestTimeout)
		for time.Now().Before(deadline) {
			if l := adapter.CurrentLink(); l != nil && l.Subscribed(device.CharacteristicUARTRX) {
				adapter.FailOn(testutils.OpDial, errors.New("out of range"), 0)
				adapter.Drop()
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	_, err := s.ExecuteCommand("run", "--config", cfg, "--duration", "2s", "--timeout", "1s")
	s.ErrorIs(err, ErrConnectionLost)
	s.Len(s.Adapter.OpsOf(testutils.OpDial), 3)
}

func (s *CommandsSuite) TestRunRejectsInvalidConfig() {
	cfg := s.writeConfig("telemetry:\n  buffer_size: 0\n")

	_, err := s.ExecuteCommand("run", "--config", cfg)
	s.ErrorContains(err, "telemetry.buffer_size")
	s.Empty(s.Adapter.OpsOf(testutils.OpStartScan))
}

// afterProgress strips the progress line printed before the command output.
func afterProgress(out string) string {
	if i := strings.LastIndex(out, clearLineSequence); i >= 0 {
		return out[i+len(clearLineSequence):]
	}
	return out
}
