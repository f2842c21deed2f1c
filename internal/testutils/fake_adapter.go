//go:build test

package testutils

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/srg/teleble/internal/device"
)

// Operation kinds recorded by FakeAdapter.
const (
	OpStartScan   = "startScan"
	OpStopScan    = "stopScan"
	OpDial        = "dial"
	OpDiscover    = "discover"
	OpResolve     = "resolve"
	OpRead        = "read"
	OpWrite       = "write"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpDisconnect  = "disconnect"
)

// Op is one recorded transport call.
type Op struct {
	Kind string
	Link int // 1-based link number, 0 for adapter level ops
	Char string
	Data []byte
}

// FakePeripheral is a simulated peripheral reachable through FakeAdapter.
type FakePeripheral struct {
	Name       string
	Address    string
	Advertised []string
	Services   []*device.ServiceHandle

	values map[string][]byte
}

// Advertisement returns an advertisement describing the peripheral.
func (p *FakePeripheral) Advertisement() *FakeAdvertisement {
	return NewAdvertisementBuilder().
		WithName(p.Name).
		WithAddress(p.Address).
		WithServices(p.Advertised...).
		Build()
}

type failure struct {
	err   error
	times int // <= 0 means every call
}

// FakeAdapter is an in-memory device.Adapter with operation recording, error
// injection, stalls and link drops.
type FakeAdapter struct {
	mu sync.Mutex

	state   device.AdapterState
	stateCh chan struct{}

	listeners map[string]device.ScanListener
	nextID    int
	scanning  bool

	peripherals map[string]*FakePeripheral
	links       []*FakeLink
	ops         []Op

	failures map[string]*failure
	stalls   map[string]bool
	hooks    map[string]func(*FakeLink)
	dialed   func(*FakeLink)
}

// NewFakeAdapter returns a powered-on adapter with the given peripherals in range.
func NewFakeAdapter(peripherals ...*FakePeripheral) *FakeAdapter {
	a := &FakeAdapter{
		state:       device.StatePoweredOn,
		stateCh:     make(chan struct{}),
		listeners:   make(map[string]device.ScanListener),
		peripherals: make(map[string]*FakePeripheral),
		failures:    make(map[string]*failure),
		stalls:      make(map[string]bool),
		hooks:       make(map[string]func(*FakeLink)),
	}
	for _, p := range peripherals {
		a.AddPeripheral(p)
	}
	return a
}

// AddPeripheral puts a peripheral in range.
func (a *FakeAdapter) AddPeripheral(p *FakePeripheral) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peripherals[device.NormalizeUUID(p.Address)] = p
}

// SetState changes the power state and wakes WaitStateChange callers.
func (a *FakeAdapter) SetState(s device.AdapterState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
	close(a.stateCh)
	a.stateCh = make(chan struct{})
}

// FailOn makes the next times calls of op fail with err; times <= 0 fails every call.
func (a *FakeAdapter) FailOn(op string, err error, times int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[op] = &failure{err: err, times: times}
}

// ClearFailures removes every injected failure and stall.
func (a *FakeAdapter) ClearFailures() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = make(map[string]*failure)
	a.stalls = make(map[string]bool)
}

// Stall makes op block until its context is done.
func (a *FakeAdapter) Stall(op string, stall bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stalls[op] = stall
}

// OnOp registers a hook run at the start of every op call, before failures apply.
func (a *FakeAdapter) OnOp(op string, hook func(*FakeLink)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if hook == nil {
		delete(a.hooks, op)
		return
	}
	a.hooks[op] = hook
}

// OnDialed registers a hook run with every new link before Dial returns it.
func (a *FakeAdapter) OnDialed(hook func(*FakeLink)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dialed = hook
}

// Ops returns a copy of the recorded operations.
func (a *FakeAdapter) Ops() []Op {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Op(nil), a.ops...)
}

// OpsOf returns the recorded operations of the given kinds in order.
func (a *FakeAdapter) OpsOf(kinds ...string) []Op {
	want := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var result []Op
	for _, op := range a.Ops() {
		if want[op.Kind] {
			result = append(result, op)
		}
	}
	return result
}

// ResetOps clears the operation log.
func (a *FakeAdapter) ResetOps() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ops = nil
}

// Links returns every link dialed so far.
func (a *FakeAdapter) Links() []*FakeLink {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*FakeLink(nil), a.links...)
}

// CurrentLink returns the most recently dialed link, or nil.
func (a *FakeAdapter) CurrentLink() *FakeLink {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.links) == 0 {
		return nil
	}
	return a.links[len(a.links)-1]
}

// Drop drops the current link as if the peripheral went out of range.
func (a *FakeAdapter) Drop() {
	if l := a.CurrentLink(); l != nil {
		l.Drop()
	}
}

// Notify pushes a notification on the current link; it reports whether a
// subscriber received it.
func (a *FakeAdapter) Notify(charUUID string, data []byte) bool {
	l := a.CurrentLink()
	if l == nil {
		return false
	}
	return l.Notify(charUUID, data)
}

// Value returns the stored value of a characteristic on the peripheral at address.
func (a *FakeAdapter) Value(address, charUUID string) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.peripherals[device.NormalizeUUID(address)]
	if !ok {
		return nil
	}
	return append([]byte(nil), p.values[device.NormalizeUUID(charUUID)]...)
}

// IsScanning reports whether a scan is running.
func (a *FakeAdapter) IsScanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

// Advertise delivers adv to every registered listener while scanning and
// returns the number of listeners called.
func (a *FakeAdapter) Advertise(adv device.Advertisement) int {
	a.mu.Lock()
	if !a.scanning {
		a.mu.Unlock()
		return 0
	}
	listeners := make([]device.ScanListener, 0, len(a.listeners))
	for _, l := range a.listeners {
		listeners = append(listeners, l)
	}
	a.mu.Unlock()

	for _, l := range listeners {
		l(adv)
	}
	return len(listeners)
}

// record logs op and applies hooks, stalls and injected failures.
func (a *FakeAdapter) record(ctx context.Context, op Op, link *FakeLink) error {
	a.mu.Lock()
	op.Data = append([]byte(nil), op.Data...)
	a.ops = append(a.ops, op)
	hook := a.hooks[op.Kind]
	a.mu.Unlock()

	if hook != nil {
		hook(link)
	}

	a.mu.Lock()
	stall := a.stalls[op.Kind]
	var err error
	if f, ok := a.failures[op.Kind]; ok {
		err = f.err
		if f.times > 0 {
			f.times--
			if f.times == 0 {
				delete(a.failures, op.Kind)
			}
		}
	}
	a.mu.Unlock()

	if err != nil {
		return err
	}
	if stall {
		<-ctx.Done()
		return fmt.Errorf("%w: %s: %w", device.ErrTimeout, op.Kind, ctx.Err())
	}
	return nil
}

// State returns the current power state.
func (a *FakeAdapter) State() device.AdapterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// WaitStateChange blocks until SetState moves away from current or ctx is done.
func (a *FakeAdapter) WaitStateChange(ctx context.Context, current device.AdapterState) (device.AdapterState, error) {
	for {
		a.mu.Lock()
		s, ch := a.state, a.stateCh
		a.mu.Unlock()

		if s != current {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-ch:
		}
	}
}

// AddScanListener registers a scan listener and returns its id.
func (a *FakeAdapter) AddScanListener(listener device.ScanListener) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := "listener-" + strconv.Itoa(a.nextID)
	a.listeners[id] = listener
	return id
}

// RemoveScanListener removes the listener with the given id.
func (a *FakeAdapter) RemoveScanListener(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.listeners[id]; !ok {
		return false
	}
	delete(a.listeners, id)
	return true
}

// ScanListenerCount returns the number of registered scan listeners.
func (a *FakeAdapter) ScanListenerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.listeners)
}

// StartScan starts scanning.
func (a *FakeAdapter) StartScan(ctx context.Context) error {
	if err := a.record(ctx, Op{Kind: OpStartScan}, nil); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != device.StatePoweredOn {
		return fmt.Errorf("%w: %s", device.ErrAdapterUnavailable, a.state)
	}
	a.scanning = true
	return nil
}

// StopScan stops scanning.
func (a *FakeAdapter) StopScan() error {
	if err := a.record(context.Background(), Op{Kind: OpStopScan}, nil); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanning = false
	return nil
}

// Dial connects to the peripheral at address.
func (a *FakeAdapter) Dial(ctx context.Context, address string) (device.Link, error) {
	if err := a.record(ctx, Op{Kind: OpDial, Char: address}, nil); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.state != device.StatePoweredOn {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", device.ErrAdapterUnavailable, a.state)
	}
	p, ok := a.peripherals[device.NormalizeUUID(address)]
	if !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("peripheral %s is not in range", address)
	}

	l := &FakeLink{
		adapter:    a,
		peripheral: p,
		id:         len(a.links) + 1,
		subs:       make(map[string]device.NotificationHandler),
		dropped:    make(chan struct{}),
	}
	a.links = append(a.links, l)
	hook := a.dialed
	a.mu.Unlock()

	if hook != nil {
		hook(l)
	}
	return l, nil
}
