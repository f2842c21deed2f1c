//go:build test

package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// FakePeripheralSuite provides a reusable test suite backed by a FakeAdapter.
//
// Basic usage (teleinfo peripheral by default):
//
//	type SessionSuite struct {
//	    testutils.FakePeripheralSuite
//	}
//
//	func TestSessionSuite(t *testing.T) {
//	    suite.Run(t, new(SessionSuite))
//	}
//
// Custom peripheral usage:
//
//	func (s *InspectSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithService("180D").
//	        WithCharacteristic("2A37", "read,notify", []byte{80})
//
//	    s.FakePeripheralSuite.SetupTest() // Call parent last to apply configuration
//	}
type FakePeripheralSuite struct {
	suite.Suite

	// Core test utilities
	Helper *TestHelper
	Logger *logrus.Logger

	TestTimeout time.Duration

	// Fake peripheral configuration, consumed by SetupTest
	PeripheralBuilder *PeripheralDeviceBuilder

	Adapter    *FakeAdapter
	Peripheral *FakePeripheral
}

// SetupSuite initializes the shared helpers. Called once before all tests in the suite.
func (s *FakePeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second

	s.Logger.Debug("Suite setup completed")
}

// SetupTest builds a fresh adapter with the configured peripheral before each test.
func (s *FakePeripheralSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = TeleinfoPeripheral()
	}

	s.Peripheral = s.PeripheralBuilder.Build()
	s.Adapter = NewFakeAdapter(s.Peripheral)

	s.Logger.Debug("Test setup completed - ready for execution")
}

// TearDownTest resets the peripheral builder after each test.
func (s *FakePeripheralSuite) TearDownTest() {
	s.PeripheralBuilder = nil
	s.Adapter = nil
	s.Peripheral = nil
}

// WithPeripheral returns the peripheral builder for fluent configuration.
// Use this method to configure custom device profiles in the test setup.
func (s *FakePeripheralSuite) WithPeripheral() *PeripheralDeviceBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewPeripheralDeviceBuilder()
	}
	return s.PeripheralBuilder
}

// Eventually waits until cond holds within the suite timeout.
func (s *FakePeripheralSuite) Eventually(cond func() bool, msgAndArgs ...interface{}) {
	s.T().Helper()
	s.Require().Eventually(cond, s.TestTimeout, 2*time.Millisecond, msgAndArgs...)
}
