//go:build test

package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/teleble/internal/device"
	"github.com/srg/teleble/internal/session"
	"github.com/srg/teleble/internal/testutils"
	"github.com/stretchr/testify/suite"
)

var hello = []byte{0x48, 0x65, 0x6C, 0x6C, 0x6F}

type SessionSuite struct {
	testutils.FakePeripheralSuite

	session *session.Session
	events  *session.EventStream
	ctx     context.Context
	cancel  context.CancelFunc
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

func (s *SessionSuite) SetupTest() {
	s.FakePeripheralSuite.SetupTest()
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)
	s.newSession(true)
}

func (s *SessionSuite) TearDownTest() {
	if s.session != nil {
		s.NoError(s.session.Close())
	}
	s.cancel()
	s.FakePeripheralSuite.TearDownTest()
}

func (s *SessionSuite) newSession(autoReconnect bool) {
	if s.session != nil {
		_ = s.session.Close()
	}
	s.session = session.New(s.Adapter, s.Peripheral.Address, s.Peripheral.Name, session.Options{
		ConnectTimeout:     time.Second,
		DiscoveryTimeout:   time.Second,
		OperationTimeout:   time.Second,
		RestoreStepTimeout: 50 * time.Millisecond,
		AutoReconnect:      autoReconnect,
		Reconnect: session.ReconnectPolicy{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
		},
	}, s.Logger)
	s.events = s.session.Events(256)
}

func (s *SessionSuite) ready() {
	s.Require().NoError(s.session.Connect(s.ctx))
	_, chars, err := s.session.DiscoverServicesAndCharacteristics(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(chars, 5)
	s.Require().Equal(session.Ready, s.session.State())
}

// waitEvent consumes the stream until an event of type t arrives.
func (s *SessionSuite) waitEvent(t session.EventType) session.Event {
	s.T().Helper()
	deadline := time.After(s.TestTimeout)
	for {
		select {
		case ev, ok := <-s.events.C():
			s.Require().True(ok, "event stream closed while waiting for %s", t)
			if ev.Type == t {
				return ev
			}
		case <-deadline:
			s.FailNow("timed out waiting for event " + string(t))
		}
	}
}

// kinds flattens the recorded transport ops to "kind:char" strings.
func (s *SessionSuite) kinds(ops []testutils.Op) []string {
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		if op.Char != "" && op.Kind != testutils.OpDial {
			out = append(out, op.Kind+":"+op.Char)
		} else {
			out = append(out, op.Kind)
		}
	}
	return out
}

func (s *SessionSuite) linkOps() []string {
	return s.kinds(s.Adapter.OpsOf(testutils.OpDial, testutils.OpDiscover,
		testutils.OpWrite, testutils.OpSubscribe, testutils.OpUnsubscribe))
}

func (s *SessionSuite) TestConnectAndDiscover() {
	s.ready()

	s.Equal([]string{"dial", "discover"}, s.linkOps())
	s.Len(s.session.Registry().Services(), 2)
	s.Equal(session.EventConnect, s.waitEvent(session.EventConnect).Type)
}

func (s *SessionSuite) TestConnectTwice() {
	s.Require().NoError(s.session.Connect(s.ctx))

	err := s.session.Connect(s.ctx)
	s.ErrorIs(err, device.ErrAlreadyConnected)
}

func (s *SessionSuite) TestConnectFailureReturnsToDisconnected() {
	s.Adapter.FailOn(testutils.OpDial, errors.New("out of range"), 1)

	err := s.session.Connect(s.ctx)
	s.ErrorContains(err, "out of range")
	s.Equal(session.Disconnected, s.session.State())
}

func (s *SessionSuite) TestIONotReady() {
	err := s.session.Write(s.ctx, device.CharacteristicUARTTX, hello)
	s.ErrorIs(err, session.ErrNotReady)

	s.Require().NoError(s.session.Connect(s.ctx))
	_, err = s.session.Read(s.ctx, device.CharacteristicDeviceName)
	s.ErrorIs(err, session.ErrNotReady)
	s.True(s.session.Ledger().Empty())
}

func (s *SessionSuite) TestUnknownCharacteristic() {
	s.ready()

	err := s.session.Write(s.ctx, "2a99", hello)
	var nf *device.NotFoundError
	s.ErrorAs(err, &nf)

	err = s.session.SetNotify(s.ctx, "2a99", true, func([]byte) {})
	s.ErrorIs(err, device.ErrCharacteristicNotFound)
	s.True(s.session.Ledger().Empty())
}

func (s *SessionSuite) TestDeviceInformation() {
	s.ready()

	name, err := s.session.DeviceName(s.ctx)
	s.Require().NoError(err)
	s.Equal("teleinfo", name)

	appearance, err := s.session.Appearance(s.ctx)
	s.Require().NoError(err)
	s.Equal(uint16(0x0580), appearance)

	params, err := s.session.PreferredConnectionParameters(s.ctx)
	s.Require().NoError(err)
	s.Equal("interval=30ms..50ms latency=0 timeout=4s", params.String())

	s.Empty(s.session.Ledger().Writes(), "reads are never recorded")
}

// A drop after discovery replays the write then the subscription on the new
// link without rediscovering.
func (s *SessionSuite) TestHelloScenario() {
	s.ready()

	received := make(chan []byte, 4)
	s.session.OnDataReceived(func(data []byte) { received <- data })

	s.Require().NoError(s.session.WriteData(s.ctx, hello))
	s.Require().NoError(s.session.NotifyDataReceive(s.ctx))
	s.Equal(hello, s.Adapter.Value(s.Peripheral.Address, device.CharacteristicUARTTX))

	s.Adapter.ResetOps()
	s.Adapter.Drop()

	s.waitEvent(session.EventConnectionDrop)
	s.waitEvent(session.EventRestored)
	s.Equal(session.Ready, s.session.State())

	s.Equal([]string{
		"dial",
		"write:" + device.CharacteristicUARTTX,
		"subscribe:" + device.CharacteristicUARTRX,
	}, s.linkOps())
	s.Equal(hello, s.Adapter.OpsOf(testutils.OpWrite)[0].Data)

	s.True(s.Adapter.Notify(device.CharacteristicUARTRX, []byte("PAPP")))
	s.Equal([]byte("PAPP"), testutils.Receive(s.T(), received, s.TestTimeout))
}

func (s *SessionSuite) TestWriteReplayUsesLatestValueInFirstWriteOrder() {
	s.ready()

	s.Require().NoError(s.session.Write(s.ctx, device.CharacteristicUARTTX, []byte("a1")))
	s.Require().NoError(s.session.Write(s.ctx, device.CharacteristicDeviceName, []byte("b")))
	s.Require().NoError(s.session.Write(s.ctx, device.CharacteristicUARTTX, []byte("a2")))

	s.Adapter.ResetOps()
	s.Adapter.Drop()
	s.waitEvent(session.EventRestored)

	writes := s.Adapter.OpsOf(testutils.OpWrite)
	s.Require().Len(writes, 2)
	s.Equal(device.CharacteristicUARTTX, writes[0].Char)
	s.Equal([]byte("a2"), writes[0].Data)
	s.Equal(device.CharacteristicDeviceName, writes[1].Char)
	s.Equal([]byte("b"), writes[1].Data)
}

func (s *SessionSuite) TestSubscriptionIsIdempotent() {
	s.ready()

	var first, second atomic.Int32
	s.Require().NoError(s.session.SetNotify(s.ctx, device.CharacteristicUARTRX, true, func([]byte) { first.Add(1) }))
	s.Require().NoError(s.session.SetNotify(s.ctx, device.CharacteristicUARTRX, true, func([]byte) { second.Add(1) }))
	s.Len(s.Adapter.OpsOf(testutils.OpSubscribe), 1)

	s.Adapter.ResetOps()
	s.Adapter.Drop()
	s.waitEvent(session.EventRestored)
	s.Len(s.Adapter.OpsOf(testutils.OpSubscribe), 1)

	s.True(s.Adapter.Notify(device.CharacteristicUARTRX, []byte{1}))
	s.Eventually(func() bool { return second.Load() == 1 })
	s.Equal(int32(0), first.Load())
}

func (s *SessionSuite) TestUnsubscribe() {
	s.ready()

	s.NoError(s.session.SetNotify(s.ctx, device.CharacteristicUARTRX, false, nil), "not subscribed is a no-op")
	s.NoError(s.session.SetNotify(s.ctx, "2a99", false, nil), "unknown id is a no-op")
	s.Empty(s.Adapter.OpsOf(testutils.OpUnsubscribe))

	s.Require().NoError(s.session.NotifyDataReceive(s.ctx))
	s.Require().NoError(s.session.UnnotifyDataReceive(s.ctx))
	s.Len(s.Adapter.OpsOf(testutils.OpUnsubscribe), 1)
	s.False(s.Adapter.CurrentLink().Subscribed(device.CharacteristicUARTRX))

	s.Adapter.ResetOps()
	s.Adapter.Drop()
	s.waitEvent(session.EventRestored)
	s.Empty(s.Adapter.OpsOf(testutils.OpSubscribe))
}

func (s *SessionSuite) TestUnsubscribeWhileDroppedOnlyForgetsReplay() {
	s.newSession(false)
	s.ready()
	s.Require().NoError(s.session.NotifyDataReceive(s.ctx))

	s.Adapter.Drop()
	s.waitEvent(session.EventConnectionDrop)
	s.Require().NoError(s.session.UnnotifyDataReceive(s.ctx))
	s.Empty(s.Adapter.OpsOf(testutils.OpUnsubscribe))

	s.Adapter.ResetOps()
	s.Require().NoError(s.session.Reconnect(s.ctx))
	s.Equal([]string{"dial"}, s.linkOps())
	s.Equal(session.Ready, s.session.State())
}

func (s *SessionSuite) TestDisconnectClearsState() {
	s.ready()
	s.Require().NoError(s.session.WriteData(s.ctx, hello))
	s.Require().NoError(s.session.NotifyDataReceive(s.ctx))

	s.Require().NoError(s.session.Disconnect(s.ctx))
	s.waitEvent(session.EventDisconnect)
	s.Equal(session.Disconnected, s.session.State())
	s.True(s.session.Ledger().Empty())
	s.Equal(0, s.session.Registry().Len())
	s.False(s.Adapter.CurrentLink().Alive())

	s.ready()
	s.Adapter.ResetOps()
	s.Adapter.Drop()
	s.waitEvent(session.EventRestored)
	s.Equal([]string{"dial"}, s.linkOps(), "nothing from before the disconnect is replayed")
}

func (s *SessionSuite) TestDisconnectStopsReconnect() {
	s.ready()
	s.Adapter.FailOn(testutils.OpDial, errors.New("out of range"), 0)

	s.Adapter.Drop()
	s.waitEvent(session.EventConnectionDrop)
	s.Eventually(func() bool { return len(s.Adapter.OpsOf(testutils.OpDial)) > 2 })

	s.Require().NoError(s.session.Disconnect(s.ctx))
	s.Equal(session.Disconnected, s.session.State())

	time.Sleep(20 * time.Millisecond)
	dials := len(s.Adapter.OpsOf(testutils.OpDial))
	time.Sleep(20 * time.Millisecond)
	s.Equal(dials, len(s.Adapter.OpsOf(testutils.OpDial)))
}

// Disconnect does not wait for the command worker and still clears everything.
func (s *SessionSuite) TestDisconnectWhileCommandStalled() {
	s.ready()
	s.Require().NoError(s.session.WriteData(s.ctx, hello))

	s.Adapter.Stall(testutils.OpWrite, true)
	writeCtx, cancelWrite := context.WithCancel(s.ctx)
	defer cancelWrite()
	writeDone := make(chan error, 1)
	go func() {
		writeDone <- s.session.Write(writeCtx, device.CharacteristicUARTTX, []byte("late"))
	}()
	s.Eventually(func() bool { return len(s.Adapter.OpsOf(testutils.OpWrite)) == 2 })

	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	s.Require().NoError(s.session.Disconnect(ctx))

	s.Equal(session.Disconnected, s.session.State())
	s.True(s.session.Ledger().Empty())
	s.Equal(0, s.session.Registry().Len())
	s.waitEvent(session.EventDisconnect)

	cancelWrite()
	s.Error(testutils.Receive(s.T(), writeDone, s.TestTimeout))

	s.Adapter.Stall(testutils.OpWrite, false)
	s.ready()
	s.True(s.session.Ledger().Empty(), "the stalled write is never recorded")
}

// Disconnect during a stalled replay ends it without a restoreFailed report.
func (s *SessionSuite) TestDisconnectDuringRestoration() {
	s.Require().NoError(s.session.Close())
	s.session = session.New(s.Adapter, s.Peripheral.Address, s.Peripheral.Name, session.Options{
		RestoreStepTimeout: 5 * time.Second,
		AutoReconnect:      true,
		Reconnect:          session.ReconnectPolicy{InitialDelay: time.Millisecond},
	}, s.Logger)
	s.events = s.session.Events(256)
	s.ready()
	s.Require().NoError(s.session.WriteData(s.ctx, hello))

	var failures atomic.Int32
	s.session.OnRestoreFailed(func(error) { failures.Add(1) })

	s.Adapter.Stall(testutils.OpWrite, true)
	s.Adapter.Drop()
	s.Eventually(func() bool { return s.session.State() == session.RestoringAfterDiscovery })
	s.Eventually(func() bool { return len(s.Adapter.OpsOf(testutils.OpWrite)) == 2 })

	s.Require().NoError(s.session.Disconnect(s.ctx))
	s.Equal(session.Disconnected, s.session.State())

	connected := make(chan struct{})
	s.session.OnConnect(func() { close(connected) })
	s.Adapter.Stall(testutils.OpWrite, false)
	s.ready()
	testutils.Receive(s.T(), connected, s.TestTimeout)

	s.Zero(failures.Load(), "an aborted replay is not a restoration failure")
	s.Equal(session.Ready, s.session.State())
	s.True(s.session.Ledger().Empty())
}

// A drop in the middle of a replay returns to Dropped; the next link replays
// the whole ledger again.
func (s *SessionSuite) TestDropDuringRestoration() {
	s.ready()
	s.Require().NoError(s.session.WriteData(s.ctx, hello))
	s.Require().NoError(s.session.NotifyDataReceive(s.ctx))

	type change struct{ from, to session.State }
	var mu sync.Mutex
	var changes []change
	s.session.OnStateChanged(func(from, to session.State) {
		mu.Lock()
		changes = append(changes, change{from, to})
		mu.Unlock()
	})
	var failures atomic.Int32
	s.session.OnRestoreFailed(func(error) { failures.Add(1) })

	s.Adapter.OnOp(testutils.OpWrite, func(l *testutils.FakeLink) {
		if l.ID() == 2 {
			l.Drop()
		}
	})
	s.Adapter.ResetOps()
	s.Adapter.Drop()

	s.waitEvent(session.EventConnectionDrop)
	s.waitEvent(session.EventConnectionDrop)
	s.waitEvent(session.EventRestored)

	s.Equal(session.Ready, s.session.State())
	s.Len(s.Adapter.Links(), 3)
	s.True(s.Adapter.CurrentLink().Subscribed(device.CharacteristicUARTRX))
	s.Equal([]string{
		"dial",
		"write:" + device.CharacteristicUARTTX,
		"dial",
		"write:" + device.CharacteristicUARTTX,
		"subscribe:" + device.CharacteristicUARTRX,
	}, s.linkOps())

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range changes {
			if c.from == session.RestoringAfterDiscovery && c.to == session.Dropped {
				return true
			}
		}
		return false
	})
	s.Zero(failures.Load(), "a drop is not reported as a restoration failure")
}

// A link lost before Connect completes never leaves a Connected session
// without a link.
func (s *SessionSuite) TestDropWhileConnecting() {
	s.newSession(false)
	s.Adapter.OnDialed(func(l *testutils.FakeLink) { l.Drop() })

	if err := s.session.Connect(s.ctx); err != nil {
		s.ErrorIs(err, device.ErrNotConnected)
		s.Equal(session.Disconnected, s.session.State())
	} else {
		s.Eventually(func() bool { return s.session.State() == session.Dropped })
	}

	s.Adapter.OnDialed(nil)
	if s.session.State() == session.Dropped {
		s.Require().NoError(s.session.Reconnect(s.ctx))
	} else {
		s.Require().NoError(s.session.Connect(s.ctx))
	}
	s.Equal(session.Connected, s.session.State())
	s.True(s.Adapter.CurrentLink().Alive())
}

// A drop while discovery is in flight rediscovers before replaying.
func (s *SessionSuite) TestDropDuringDiscoveryRediscovers() {
	s.ready()
	s.Require().NoError(s.session.WriteData(s.ctx, hello))

	s.Adapter.OnOp(testutils.OpDiscover, func(l *testutils.FakeLink) {
		s.Adapter.OnOp(testutils.OpDiscover, nil)
		l.Drop()
	})
	s.Adapter.ResetOps()

	_, _, err := s.session.DiscoverServicesAndCharacteristics(s.ctx)
	s.ErrorIs(err, device.ErrNotConnected)

	s.waitEvent(session.EventRestored)
	s.Equal(session.Ready, s.session.State())
	s.Equal([]string{
		"discover",
		"dial",
		"discover",
		"write:" + device.CharacteristicUARTTX,
	}, s.linkOps())
}

func (s *SessionSuite) TestDropBeforeDiscoveryRestoresToConnected() {
	s.Require().NoError(s.session.Connect(s.ctx))

	s.Adapter.Drop()
	s.waitEvent(session.EventRestored)
	s.Equal(session.Connected, s.session.State())
	s.Len(s.Adapter.OpsOf(testutils.OpDial), 2)
	s.Empty(s.Adapter.OpsOf(testutils.OpDiscover))
}

func (s *SessionSuite) TestRestoreFailureAbortsAndReports() {
	s.newSession(false)
	s.ready()
	s.Require().NoError(s.session.WriteData(s.ctx, hello))
	s.Require().NoError(s.session.NotifyDataReceive(s.ctx))

	failures := make(chan error, 1)
	s.session.OnRestoreFailed(func(err error) { failures <- err })

	s.Adapter.Drop()
	s.waitEvent(session.EventConnectionDrop)

	boom := errors.New("att error")
	s.Adapter.FailOn(testutils.OpWrite, boom, 1)
	s.Adapter.ResetOps()

	err := s.session.Reconnect(s.ctx)
	s.ErrorIs(err, session.ErrRestorationFailed)
	s.ErrorIs(err, boom)
	var rerr *session.RestorationError
	s.Require().ErrorAs(err, &rerr)
	s.Equal(session.StepWrite, rerr.Step)
	s.Equal(device.CharacteristicUARTTX, rerr.ID)

	s.ErrorIs(testutils.Receive(s.T(), failures, s.TestTimeout), boom)
	s.Equal(session.Dropped, s.session.State())
	s.Empty(s.Adapter.OpsOf(testutils.OpSubscribe), "restoration stops at the failing step")
	s.False(s.Adapter.CurrentLink().Alive())
	s.False(s.session.Ledger().Empty(), "the ledger survives a failed restoration")

	s.Require().NoError(s.session.Reconnect(s.ctx))
	s.Equal(session.Ready, s.session.State())
}

// Path A binds the retained registry to the new link before replaying, under
// the discovery timeout rather than the per-step one.
func (s *SessionSuite) TestReplayResolvesHandlesFirst() {
	s.newSession(false)
	s.ready()
	s.Require().NoError(s.session.WriteData(s.ctx, hello))

	s.Adapter.Drop()
	s.waitEvent(session.EventConnectionDrop)
	s.Adapter.Stall(testutils.OpResolve, true)
	s.Adapter.ResetOps()

	start := time.Now()
	err := s.session.Reconnect(s.ctx)
	s.ErrorIs(err, device.ErrTimeout)
	var rerr *session.RestorationError
	s.Require().ErrorAs(err, &rerr)
	s.Equal(session.StepResolve, rerr.Step)
	s.GreaterOrEqual(time.Since(start), 500*time.Millisecond, "bounded by the discovery timeout")
	s.Empty(s.Adapter.OpsOf(testutils.OpWrite), "nothing is replayed on an unresolved link")
	s.Equal(session.Dropped, s.session.State())

	s.Adapter.Stall(testutils.OpResolve, false)
	s.Adapter.ResetOps()
	s.Require().NoError(s.session.Reconnect(s.ctx))
	s.Equal([]string{"dial", "resolve", "write:" + device.CharacteristicUARTTX},
		s.kinds(s.Adapter.OpsOf(testutils.OpDial, testutils.OpResolve, testutils.OpDiscover, testutils.OpWrite)))
}

func (s *SessionSuite) TestRestoreStepTimeout() {
	s.newSession(false)
	s.ready()
	s.Require().NoError(s.session.NotifyDataReceive(s.ctx))

	s.Adapter.Drop()
	s.waitEvent(session.EventConnectionDrop)
	s.Adapter.Stall(testutils.OpSubscribe, true)

	err := s.session.Reconnect(s.ctx)
	s.ErrorIs(err, session.ErrRestorationFailed)
	s.ErrorIs(err, device.ErrTimeout)
	s.Equal(session.Dropped, s.session.State())

	s.Adapter.Stall(testutils.OpSubscribe, false)
	s.Require().NoError(s.session.Reconnect(s.ctx))
	s.True(s.Adapter.CurrentLink().Subscribed(device.CharacteristicUARTRX))
}

func (s *SessionSuite) TestAutoReconnectRetriesFailedRestoration() {
	s.ready()
	s.Require().NoError(s.session.WriteData(s.ctx, hello))

	s.Adapter.FailOn(testutils.OpWrite, errors.New("att error"), 2)
	s.Adapter.Drop()

	s.waitEvent(session.EventRestoreFailed)
	s.waitEvent(session.EventRestored)
	s.Equal(session.Ready, s.session.State())
	s.Len(s.Adapter.Links(), 4)
}

func (s *SessionSuite) TestReconnectGivesUp() {
	s.Require().NoError(s.session.Close())
	s.session = session.New(s.Adapter, s.Peripheral.Address, s.Peripheral.Name, session.Options{
		AutoReconnect: true,
		Reconnect:     session.ReconnectPolicy{InitialDelay: time.Millisecond, MaxAttempts: 3},
	}, s.Logger)
	s.events = s.session.Events(64)
	s.ready()

	s.Adapter.FailOn(testutils.OpDial, errors.New("out of range"), 0)
	s.Adapter.ResetOps()
	s.Adapter.Drop()

	s.Eventually(func() bool { return len(s.Adapter.OpsOf(testutils.OpDial)) == 3 })
	time.Sleep(30 * time.Millisecond)
	s.Len(s.Adapter.OpsOf(testutils.OpDial), 3)
	s.Equal(session.Dropped, s.session.State())
	s.waitEvent(session.EventReconnectGaveUp)

	s.Adapter.ClearFailures()
	s.Require().NoError(s.session.Reconnect(s.ctx))
	s.Equal(session.Ready, s.session.State())
}

func (s *SessionSuite) TestCommandsAreSerialized() {
	s.ready()

	var inflight, peak atomic.Int32
	s.Adapter.OnOp(testutils.OpWrite, func(*testutils.FakeLink) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inflight.Add(-1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.NoError(s.session.Write(s.ctx, device.CharacteristicUARTTX, []byte{byte(i)}))
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), peak.Load())
	s.Len(s.session.Ledger().Writes(), 1)
}

func (s *SessionSuite) TestStateChangedEvents() {
	var mu sync.Mutex
	var states []session.State
	s.session.OnStateChanged(func(_, to session.State) {
		mu.Lock()
		states = append(states, to)
		mu.Unlock()
	})

	s.ready()
	s.Adapter.Drop()
	s.waitEvent(session.EventRestored)

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 7
	})
	mu.Lock()
	defer mu.Unlock()
	s.Equal([]session.State{
		session.Connecting,
		session.Connected,
		session.DiscoveringServices,
		session.Ready,
		session.Dropped,
		session.RestoringAfterDiscovery,
		session.Ready,
	}, states[:7])
}

func (s *SessionSuite) TestCloseRejectsCommands() {
	s.ready()
	s.Require().NoError(s.session.Close())

	s.ErrorIs(s.session.WriteData(s.ctx, hello), session.ErrSessionClosed)
	s.ErrorIs(s.session.Connect(s.ctx), session.ErrSessionClosed)
	s.NoError(s.session.Close())

	_, ok := <-drain(s.events.C())
	s.False(ok, "event stream is closed")
	s.session = nil
}

func drain(ch <-chan session.Event) <-chan session.Event {
	out := make(chan session.Event)
	go func() {
		for range ch {
		}
		close(out)
	}()
	return out
}
