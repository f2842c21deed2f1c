//go:build test

package main

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/teleble/internal/device"
	"github.com/srg/teleble/internal/devicefactory"
	"github.com/srg/teleble/internal/testutils"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writers a command starts.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite extends FakePeripheralSuite with command testing utilities.
// The fake adapter replaces the host adapter for every command run by the suite.
type CommandTestSuite struct {
	testutils.FakePeripheralSuite

	originalFactory func(*logrus.Logger) device.Adapter
	advertiseStop   context.CancelFunc
	advertiseDone   chan struct{}
}

func (s *CommandTestSuite) SetupTest() {
	s.FakePeripheralSuite.SetupTest()
	s.originalFactory = devicefactory.AdapterFactory
	devicefactory.AdapterFactory = func(*logrus.Logger) device.Adapter { return s.Adapter }
}

func (s *CommandTestSuite) TearDownTest() {
	s.StopAdvertising()
	devicefactory.AdapterFactory = s.originalFactory
	s.FakePeripheralSuite.TearDownTest()
}

// AdvertiseWhileScanning keeps delivering advs to the adapter's scan listeners
// until StopAdvertising or the end of the test. Defaults to the suite peripheral.
func (s *CommandTestSuite) AdvertiseWhileScanning(advs ...device.Advertisement) {
	if len(advs) == 0 {
		advs = []device.Advertisement{s.Peripheral.Advertisement()}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.advertiseStop, s.advertiseDone = cancel, done

	adapter := s.Adapter
	go func() {
		defer close(done)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, adv := range advs {
					adapter.Advertise(adv)
				}
			}
		}
	}()
}

// StopAdvertising stops the goroutine started by AdvertiseWhileScanning.
func (s *CommandTestSuite) StopAdvertising() {
	if s.advertiseStop != nil {
		s.advertiseStop()
		<-s.advertiseDone
		s.advertiseStop = nil
	}
}

// ExecuteCommand runs the root command with args and returns its output.
// Flags of every command are reset to their defaults first.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	return s.ExecuteCommandContext(context.Background(), args...)
}

// ExecuteCommandContext is ExecuteCommand with a caller supplied context.
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, args ...string) (string, error) {
	resetFlags(rootCmd)

	out := &syncBuffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}

// resetFlags restores every flag of cmd and its subcommands to its default.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
