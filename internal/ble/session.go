package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/vson-monitor/internal/ble/protocol"
)

// Errors that end a session. Packet-level problems never do.
var (
	ErrConnect          = errors.New("ble: connect failed")
	ErrSubscription     = errors.New("ble: subscription failed")
	ErrHandshakeTimeout = errors.New("ble: handshake timed out")
	ErrDisconnected     = errors.New("ble: device disconnected")
	ErrInactive         = errors.New("ble: no data from device")
)

// SessionOptions configures a Session.
type SessionOptions struct {
	HandshakeTimeout time.Duration    // per handshake write (default 10s)
	QueueSize        int              // inbound notification queue (default 256)
	Now              func() time.Time // clock for time sync and activity (default time.Now)
	Token            func() string    // auth token source (default random 6 digits)
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		HandshakeTimeout: 10 * time.Second,
		QueueSize:        256,
		Now:              time.Now,
		Token:            func() string { return protocol.NewAuthToken(nil) },
	}
}

func (o SessionOptions) withDefaults() SessionOptions {
	d := DefaultSessionOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	if o.Token == nil {
		o.Token = d.Token
	}
	return o
}

type notification struct {
	char string
	data []byte
}

// Session drives one connection attempt from Connecting through the
// handshake to Streaming, then to Closing and Idle, or to Failed.
// A Session runs once; reconnecting means creating a new one, which also
// draws a fresh auth token.
//
// Notifications are queued in arrival order and handled by a single loop.
// The only blocking points are the handshake writes.
type Session struct {
	id       string
	identity protocol.Identity
	adapter  Adapter
	sink     Sink
	opts     SessionOptions
	log      *slog.Logger

	inbox          chan notification
	disconnected   chan struct{}
	disconnectOnce sync.Once
	done           chan struct{}
	started        atomic.Bool

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos of the last decoded notification

	// Owned by the Run goroutine.
	conn        Connection
	subscribed  []Characteristic
	haveCounter bool
	lastCounter uint8
}

// NewSession creates a session for identity. sink may be nil.
func NewSession(adapter Adapter, identity protocol.Identity, sink Sink, opts SessionOptions) *Session {
	opts = opts.withDefaults()
	if sink == nil {
		sink = SinkFunc(func(Event) {})
	}
	id := uuid.NewString()
	return &Session{
		id:           id,
		identity:     identity,
		adapter:      adapter,
		sink:         sink,
		opts:         opts,
		log:          slog.With("device", identity.MAC, "serial", identity.Serial, "session", id),
		inbox:        make(chan notification, opts.QueueSize),
		disconnected: make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// ID returns the session's unique ID.
func (s *Session) ID() string { return s.id }

// State returns the current state. Safe for concurrent use.
func (s *Session) State() State { return State(s.state.Load()) }

// LastActivity returns when the last notification was successfully
// decoded, or when streaming began if none has been yet.
func (s *Session) LastActivity() time.Time {
	n := s.lastActivity.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Done is closed when Run has returned and the connection is released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run connects, performs the handshake and streams until ctx is cancelled
// or the link is lost. It returns nil when stopped by a plain cancel, the
// cancel cause when one was given (e.g. ErrInactive), ErrDisconnected on a
// transport drop, or the error that failed the session.
// The connection handle is always released before Run returns.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("ble: session already run")
	}
	defer close(s.done)

	if err := s.handshake(ctx); err != nil {
		s.release()
		if ctx.Err() != nil {
			cause := stopCause(ctx)
			s.setState(StateClosing, cause)
			s.setState(StateIdle, nil)
			return cause
		}
		s.log.Warn("[BLE] session failed", "state", s.State(), "error", err)
		s.setState(StateFailed, err)
		return err
	}
	return s.stream(ctx)
}

func (s *Session) handshake(ctx context.Context) error {
	s.setState(StateConnecting, nil)
	s.log.Info("[BLE] connecting")
	conn, err := s.adapter.Connect(ctx, s.identity.MAC)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnect, s.identity.MAC, err)
	}
	s.conn = conn
	conn.OnDisconnect(s.onDisconnect)
	s.log.Info("[BLE] connected")

	s.setState(StateSubscribing, nil)
	for _, charUUID := range notifyChars {
		ch, err := conn.DiscoverCharacteristic(charUUID)
		if err != nil {
			return fmt.Errorf("%w: discover %s: %w", ErrSubscription, CharName(charUUID), err)
		}
		if err := ch.Subscribe(s.notifier(charUUID)); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrSubscription, CharName(charUUID), err)
		}
		s.subscribed = append(s.subscribed, ch)
		s.log.Debug("[BLE] notifications enabled", "char", CharName(charUUID))
	}
	keyChar, err := conn.DiscoverCharacteristic(KeyCharUUID)
	if err != nil {
		return fmt.Errorf("%w: discover KEY: %w", ErrSubscription, err)
	}
	cmdChar, err := conn.DiscoverCharacteristic(CmdCharUUID)
	if err != nil {
		return fmt.Errorf("%w: discover CMD: %w", ErrSubscription, err)
	}

	s.setState(StateAuthenticating, nil)
	token := s.opts.Token()
	authKey, err := protocol.EncodeAuthKey(token)
	if err != nil {
		return fmt.Errorf("ble: build auth key: %w", err)
	}
	s.log.Debug("[BLE] sending auth key", "code", token)
	if err := s.write(ctx, keyChar, "auth key", authKey); err != nil {
		return err
	}

	s.setState(StateStarting, nil)
	if err := s.write(ctx, cmdChar, "start command", protocol.EncodeStartCommand()); err != nil {
		return err
	}

	// Same KEY characteristic, second packet type.
	s.setState(StateSyncingTime, nil)
	now := s.opts.Now()
	timeSync, err := protocol.EncodeTimeSync(now)
	if err != nil {
		return fmt.Errorf("ble: build time sync: %w", err)
	}
	s.log.Info("[BLE] synchronizing device time", "time", now.Format(time.DateTime))
	return s.write(ctx, keyChar, "time sync", timeSync)
}

// write performs one handshake write and waits for its acknowledgment.
// A link drop while waiting ends the handshake at once.
func (s *Session) write(ctx context.Context, ch Characteristic, step string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Debug("[BLE] write", "step", step, "data", fmt.Sprintf("% x", data))

	result := make(chan error, 1)
	go func() { result <- ch.Write(data) }()

	timer := time.NewTimer(s.opts.HandshakeTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrHandshakeTimeout, step, err)
		}
		s.log.Debug("[BLE] write acknowledged", "step", step)
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s: no acknowledgment within %s", ErrHandshakeTimeout, step, s.opts.HandshakeTimeout)
	case <-s.disconnected:
		return fmt.Errorf("%w: during %s", ErrDisconnected, step)
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (s *Session) stream(ctx context.Context) error {
	s.touch()
	s.setState(StateStreaming, nil)
	s.log.Info("[BLE] device initialized, streaming")

	for {
		select {
		case <-ctx.Done():
			return s.close(stopCause(ctx))
		case <-s.disconnected:
			s.drain()
			s.log.Warn("[BLE] device disconnected")
			return s.close(ErrDisconnected)
		case n := <-s.inbox:
			s.dispatch(n)
		}
	}
}

// drain handles notifications that were queued before a disconnect.
func (s *Session) drain() {
	for {
		select {
		case n := <-s.inbox:
			s.dispatch(n)
		default:
			return
		}
	}
}

func (s *Session) close(reason error) error {
	s.setState(StateClosing, reason)
	s.release()
	s.setState(StateIdle, nil)
	return reason
}

// release unsubscribes and disconnects, ignoring errors.
func (s *Session) release() {
	for _, ch := range s.subscribed {
		if err := ch.Unsubscribe(); err != nil {
			s.log.Debug("[BLE] unsubscribe failed", "error", err)
		}
	}
	s.subscribed = nil
	if s.conn != nil {
		if err := s.conn.Disconnect(); err != nil {
			s.log.Debug("[BLE] disconnect failed", "error", err)
		}
		s.conn = nil
	}
}

func (s *Session) onDisconnect() {
	s.disconnectOnce.Do(func() { close(s.disconnected) })
}

// notifier returns the callback registered for charUUID. It runs on the
// BLE stack's goroutine, so it only copies and enqueues.
func (s *Session) notifier(charUUID string) func([]byte) {
	return func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		select {
		case <-s.done:
		case s.inbox <- notification{char: charUUID, data: buf}:
		default:
			s.log.Warn("[BLE] notification queue full, dropping", "char", CharName(charUUID))
		}
	}
}

func (s *Session) dispatch(n notification) {
	src := EventSource{Device: s.identity, Received: s.opts.Now()}
	name := CharName(n.char)

	switch n.char {
	case StatusCharUUID:
		pct, err := protocol.DecodeBatteryStatus(n.data)
		if err != nil {
			s.drop(src, n, err)
			return
		}
		s.touch()
		s.log.Debug("[BLE] battery level", "percent", pct)
		s.sink.Publish(BatteryUpdate{EventSource: src, Percent: uint8(pct)})

	case DataCharUUID:
		r, err := protocol.DecodeReading(n.data)
		if err != nil {
			s.drop(src, n, err)
			return
		}
		s.touch()
		s.sink.Publish(ReadingEvent{
			EventSource:   src,
			Reading:       r,
			ParticleCount: r.ParticleCount(),
			Missed:        s.trackCounter(r.Counter),
		})

	case MetaCharUUID:
		m, err := protocol.DecodeMeta(n.data)
		if err != nil {
			s.drop(src, n, err)
			return
		}
		s.touch()
		switch m := m.(type) {
		case protocol.TimeConfirmation:
			s.log.Info("[BLE] device time confirmed", "time", m.Timestamp.String(), "mode", m.Mode)
			s.sink.Publish(TimeConfirmed{EventSource: src, Timestamp: m.Timestamp, Mode: m.Mode})
		case protocol.ShortResponse:
			s.log.Debug("[BLE] meta short response", "data", fmt.Sprintf("% x", n.data))
			s.sink.Publish(ShortResponse{EventSource: src, Code: m.Code})
		}

	default:
		s.log.Debug("[BLE] notification not decoded", "char", name, "data", fmt.Sprintf("% x", n.data))
		s.sink.Publish(UnknownNotification{EventSource: src, Characteristic: name, Data: n.data})
	}
}

func (s *Session) drop(src EventSource, n notification, err error) {
	s.log.Warn("[BLE] dropping packet", "char", CharName(n.char), "len", len(n.data), "data", fmt.Sprintf("% x", n.data), "error", err)
	s.sink.Publish(PacketDropped{EventSource: src, Characteristic: CharName(n.char), Data: n.data, Err: err})
}

// trackCounter returns how many records were skipped before counter.
// Counters wrap at 256; a repeated counter counts as no gap.
func (s *Session) trackCounter(counter uint8) int {
	missed := 0
	if s.haveCounter && counter != s.lastCounter {
		missed = int(counter - s.lastCounter - 1)
	}
	if missed > 0 {
		s.log.Debug("[BLE] record counter gap", "previous", s.lastCounter, "current", counter, "missed", missed)
	}
	s.haveCounter = true
	s.lastCounter = counter
	return missed
}

func (s *Session) touch() {
	s.lastActivity.Store(s.opts.Now().UnixNano())
}

func (s *Session) setState(st State, err error) {
	prev := State(s.state.Swap(int32(st)))
	s.log.Debug("[BLE] state change", "from", prev, "to", st)
	s.sink.Publish(StateChanged{
		EventSource: EventSource{Device: s.identity, Received: s.opts.Now()},
		SessionID:   s.id,
		State:       st,
		Err:         err,
	})
}

// stopCause maps a plain cancel to nil and keeps any other cause.
func stopCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return nil
	}
	return cause
}
