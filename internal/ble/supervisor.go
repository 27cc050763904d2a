package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/vson-monitor/internal/ble/protocol"
)

// SupervisorOptions configures reconnection behavior.
type SupervisorOptions struct {
	InactivityTimeout time.Duration // silence while streaming before reconnecting (default 300s)
	RetryInterval     time.Duration // fixed delay between attempts (default 5s)
	Session           SessionOptions
}

// DefaultSupervisorOptions returns sensible defaults.
func DefaultSupervisorOptions() SupervisorOptions {
	return SupervisorOptions{
		InactivityTimeout: 300 * time.Second,
		RetryInterval:     5 * time.Second,
		Session:           DefaultSessionOptions(),
	}
}

// Supervisor keeps one device connected. It runs a fresh Session per
// attempt, tears it down after InactivityTimeout without decoded data, and
// waits RetryInterval between attempts. Sessions never overlap: the next
// one starts only after the previous has released its connection.
type Supervisor struct {
	adapter  Adapter
	identity protocol.Identity
	sink     Sink
	opts     SupervisorOptions
	log      *slog.Logger

	attempts atomic.Int64

	mu      sync.Mutex
	current *Session
}

// NewSupervisor creates a supervisor. Zero durations take defaults.
func NewSupervisor(adapter Adapter, identity protocol.Identity, sink Sink, opts SupervisorOptions) *Supervisor {
	d := DefaultSupervisorOptions()
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = d.InactivityTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = d.RetryInterval
	}
	opts.Session = opts.Session.withDefaults()
	return &Supervisor{
		adapter:  adapter,
		identity: identity,
		sink:     sink,
		opts:     opts,
		log:      slog.With("device", identity.MAC, "serial", identity.Serial),
	}
}

// Attempts returns how many sessions have been started.
func (s *Supervisor) Attempts() int64 { return s.attempts.Load() }

// State returns the state of the current session, or StateIdle between
// attempts.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return StateIdle
	}
	return s.current.State()
}

// Run supervises the device until ctx is cancelled, then closes the live
// session and returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("[BLE] supervising device",
		"inactivity_timeout", s.opts.InactivityTimeout, "retry_interval", s.opts.RetryInterval)

	for {
		if ctx.Err() != nil {
			return nil
		}
		err := s.runSession(ctx)
		if ctx.Err() != nil {
			s.log.Info("[BLE] supervisor stopped")
			return nil
		}
		if err != nil {
			s.log.Warn("[BLE] session ended, retrying", "error", err, "retry_in", s.opts.RetryInterval)
		} else {
			s.log.Info("[BLE] session ended, retrying", "retry_in", s.opts.RetryInterval)
		}

		timer := time.NewTimer(s.opts.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("[BLE] supervisor stopped")
			return nil
		case <-timer.C:
		}
	}
}

func (s *Supervisor) runSession(ctx context.Context) error {
	session := NewSession(s.adapter, s.identity, s.sink, s.opts.Session)
	n := s.attempts.Add(1)
	s.log.Debug("[BLE] starting session", "attempt", n, "session", session.ID())

	s.mu.Lock()
	s.current = session
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
	}()

	sessCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		s.watch(sessCtx, session, cancel)
	}()

	err := session.Run(sessCtx)
	cancel(nil)
	<-watchDone
	return err
}

// watch cancels the session with ErrInactive once it has been streaming
// without decoded data for InactivityTimeout. The check is re-armed
// relative to the last activity, so a steady trickle of packets never
// trips it.
func (s *Supervisor) watch(ctx context.Context, session *Session, cancel context.CancelCauseFunc) {
	timeout := s.opts.InactivityTimeout
	now := s.opts.Session.Now
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if session.State() != StateStreaming {
			timer.Reset(timeout)
			continue
		}
		idle := now().Sub(session.LastActivity())
		if idle >= timeout {
			s.log.Warn("[BLE] no data received, reconnecting", "idle", idle.Round(time.Second))
			cancel(fmt.Errorf("%w for %s", ErrInactive, idle.Round(time.Millisecond)))
			return
		}
		timer.Reset(timeout - idle)
	}
}

// RunAll supervises every device concurrently until ctx is cancelled.
// Each device gets its own supervisor; one device's failures never affect
// another's. Listing the same MAC twice is an error.
func RunAll(ctx context.Context, adapter Adapter, identities []protocol.Identity, sink Sink, opts SupervisorOptions) error {
	seen := make(map[string]bool, len(identities))
	for _, id := range identities {
		mac := strings.ToUpper(id.MAC)
		if seen[mac] {
			return fmt.Errorf("ble: device %s listed more than once", mac)
		}
		seen[mac] = true
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range identities {
		sup := NewSupervisor(adapter, id, sink, opts)
		g.Go(func() error { return sup.Run(ctx) })
	}
	return g.Wait()
}
