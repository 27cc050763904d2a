package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockCharacteristic records writes and allows subscribing.
type mockCharacteristic struct {
	uuid string
	conn *mockConnection

	mu           sync.Mutex
	writes       [][]byte
	callback     func([]byte)
	subscribeErr error
	unsubscribed bool
}

func (c *mockCharacteristic) Write(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	c.mu.Lock()
	c.writes = append(c.writes, cp)
	c.mu.Unlock()
	return c.conn.recordWrite(c.uuid, cp)
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.callback = cb
	c.conn.recordSubscribe(c.uuid)
	return nil
}

func (c *mockCharacteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = nil
	c.unsubscribed = true
	return nil
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *mockCharacteristic) Unsubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribed
}

// mockConnection simulates a BLE connection exposing the six VSON
// characteristics.
type mockConnection struct {
	adapter *mockAdapter
	mac     string
	chars   map[string]*mockCharacteristic

	mu           sync.Mutex
	writeLog     []string // "CHAR:hex" in write order
	subscribeLog []string
	writeHook    func(uuid string, data []byte) error
	disconnectCb func()
	disconnected bool
}

func newMockConnection(a *mockAdapter, mac string) *mockConnection {
	c := &mockConnection{adapter: a, mac: mac, chars: make(map[string]*mockCharacteristic)}
	for _, u := range []string{KeyCharUUID, CmdCharUUID, StatusCharUUID, DataCharUUID, ShortCharUUID, MetaCharUUID} {
		c.chars[u] = &mockCharacteristic{uuid: u, conn: c}
	}
	return c
}

func (c *mockConnection) DiscoverCharacteristic(charUUID string) (Characteristic, error) {
	ch, ok := c.chars[charUUID]
	if !ok {
		return nil, fmt.Errorf("mock: unknown characteristic UUID %q", charUUID)
	}
	return ch, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	already := c.disconnected
	c.disconnected = true
	c.mu.Unlock()
	if !already && c.adapter != nil {
		c.adapter.released(c.mac)
	}
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the disconnect callback.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *mockConnection) recordWrite(uuid string, data []byte) error {
	c.mu.Lock()
	c.writeLog = append(c.writeLog, fmt.Sprintf("%s:%x", CharName(uuid), data))
	hook := c.writeHook
	c.mu.Unlock()
	if hook != nil {
		return hook(uuid, data)
	}
	return nil
}

func (c *mockConnection) recordSubscribe(uuid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeLog = append(c.subscribeLog, CharName(uuid))
}

func (c *mockConnection) char(uuid string) *mockCharacteristic { return c.chars[uuid] }

func (c *mockConnection) WriteLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writeLog...)
}

func (c *mockConnection) SubscribeLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscribeLog...)
}

func (c *mockConnection) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// mockAdapter simulates the BLE adapter. It tracks how many connections
// are open at once so tests can assert handles are never leaked.
type mockAdapter struct {
	mu          sync.Mutex
	devices     []Device
	connections []*mockConnection
	connectAt   []time.Time
	connectErrs []error // consumed one per Connect call
	setup       func(c *mockConnection)
	live        map[string]int
	maxLive     int
}

func newMockAdapter(devices []Device) *mockAdapter {
	return &mockAdapter{devices: devices, live: make(map[string]int)}
}

func (a *mockAdapter) Enable() error { return nil }

func (a *mockAdapter) Scan(ctx context.Context, found func(Device)) error {
	for _, d := range a.devices {
		if ctx.Err() != nil {
			return nil
		}
		found(d)
	}
	<-ctx.Done()
	return nil
}

func (a *mockAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.connectAt = append(a.connectAt, time.Now())
	if len(a.connectErrs) > 0 {
		err := a.connectErrs[0]
		a.connectErrs = a.connectErrs[1:]
		if err != nil {
			a.mu.Unlock()
			return nil, err
		}
	}
	conn := newMockConnection(a, mac)
	a.connections = append(a.connections, conn)
	a.live[mac]++
	if a.live[mac] > a.maxLive {
		a.maxLive = a.live[mac]
	}
	setup := a.setup
	a.mu.Unlock()
	if setup != nil {
		setup(conn)
	}
	return conn, nil
}

func (a *mockAdapter) released(mac string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live[mac]--
}

// latestConnection returns the most recently created connection (thread-safe).
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.connections) == 0 {
		return nil
	}
	return a.connections[len(a.connections)-1]
}

func (a *mockAdapter) connectionFor(mac string) *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.connections) - 1; i >= 0; i-- {
		if a.connections[i].mac == mac {
			return a.connections[i]
		}
	}
	return nil
}

func (a *mockAdapter) connectTimes() []time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]time.Time(nil), a.connectAt...)
}

func (a *mockAdapter) maxConcurrent() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxLive
}

// recordingSink collects events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// States returns the state transitions seen so far, in order.
func (s *recordingSink) States() []State {
	var out []State
	for _, ev := range s.Events() {
		if sc, ok := ev.(StateChanged); ok {
			out = append(out, sc.State)
		}
	}
	return out
}

// waitFor polls until cond holds or fails the test after two seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// eventsOf returns the events of type T.
func eventsOf[T Event](s *recordingSink) []T {
	var out []T
	for _, ev := range s.Events() {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}

var errMockConnect = errors.New("mock: device not reachable")

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}
