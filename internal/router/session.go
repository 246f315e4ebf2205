// Package router maintains resilient streaming sessions to the configured
// backend routers. Each session is an explicit state machine driven by its
// own event loop; one router's failure never blocks delivery to others.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/lora-edge/gatewayd/internal/keys"
	"github.com/lora-edge/gatewayd/internal/models"
)

// State is the session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateBackoff
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrRejected is returned when the router refuses the handshake.
var ErrRejected = errors.New("handshake rejected")

// SessionConfig configures one router session.
type SessionConfig struct {
	URI            string
	QueueSize      int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// HandshakeTimeout bounds each step of the challenge exchange; a router
	// that stalls mid-handshake goes to backoff instead of holding the slot.
	HandshakeTimeout time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
}

func (c *SessionConfig) withDefaults() SessionConfig {
	out := *c
	if out.QueueSize <= 0 {
		out.QueueSize = 50
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 90 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 10 * time.Second
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	if out.BackoffInitial <= 0 {
		out.BackoffInitial = 5 * time.Second
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = 5 * time.Minute
	}
	return out
}

// Session owns one router connection. The outbound queue is bounded and
// survives reconnects; overflow drops the oldest envelope. Every
// (re)connection performs a fresh nonce-challenge handshake, so no session
// state is assumed to survive a disconnect.
type Session struct {
	cfg       SessionConfig
	custodian *keys.Custodian
	dialer    Dialer
	clk       clock.Clock

	queue     chan *models.SignedEnvelope
	downlinks chan<- *models.DownlinkInstruction

	state   atomic.Int32
	onState func(uri string, state State)

	dropped   atomic.Uint64
	backoff   *backoff
	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession builds a session; Run starts it.
func NewSession(cfg SessionConfig, custodian *keys.Custodian, dialer Dialer, clk clock.Clock, downlinks chan<- *models.DownlinkInstruction, onState func(string, State)) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:       cfg,
		custodian: custodian,
		dialer:    dialer,
		clk:       clk,
		queue:     make(chan *models.SignedEnvelope, cfg.QueueSize),
		downlinks: downlinks,
		onState:   onState,
		backoff:   newBackoff(cfg.BackoffInitial, cfg.BackoffMax),
		closed:    make(chan struct{}),
	}
}

// URI identifies the backend this session serves.
func (s *Session) URI() string { return s.cfg.URI }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Dropped reports envelopes discarded by queue overflow.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

func (s *Session) setState(state State) {
	old := State(s.state.Swap(int32(state)))
	if old == state {
		return
	}
	log.Info().Str("router", s.cfg.URI).Str("from", old.String()).Str("to", state.String()).Msg("session state")
	if s.onState != nil {
		s.onState(s.cfg.URI, state)
	}
}

// Enqueue adds an envelope to the outbound queue, dropping the oldest
// queued envelope on overflow. It never blocks the caller.
func (s *Session) Enqueue(env *models.SignedEnvelope) {
	for {
		select {
		case s.queue <- env:
			return
		default:
		}
		select {
		case <-s.queue:
			s.dropped.Add(1)
			log.Warn().Str("router", s.cfg.URI).Msg("send queue overflow, dropped oldest envelope")
		default:
		}
	}
}

// Close deconfigures the session. This is the only path into StateClosed;
// transport errors go to StateBackoff instead.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Run drives the session state machine until the context is canceled or
// the session is closed.
func (s *Session) Run(ctx context.Context) error {
	for {
		if s.finished(ctx) {
			s.setState(StateClosed)
			return ctx.Err()
		}

		s.setState(StateConnecting)
		conn, err := s.connect(ctx)
		if err != nil {
			if s.finished(ctx) {
				s.setState(StateClosed)
				return ctx.Err()
			}
			log.Warn().Err(err).Str("router", s.cfg.URI).Msg("connect failed")
			if !s.waitBackoff(ctx) {
				s.setState(StateClosed)
				return ctx.Err()
			}
			continue
		}

		s.backoff.Reset()
		s.setState(StateConnected)
		err = s.serve(ctx, conn)
		conn.Close()

		if s.finished(ctx) {
			s.setState(StateClosed)
			return ctx.Err()
		}
		log.Warn().Err(err).Str("router", s.cfg.URI).Msg("session dropped")
		if !s.waitBackoff(ctx) {
			s.setState(StateClosed)
			return ctx.Err()
		}
	}
}

func (s *Session) finished(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.closed:
		return true
	default:
		return false
	}
}

// waitBackoff sleeps the current backoff delay. Returns false when the
// session ends during the wait.
func (s *Session) waitBackoff(ctx context.Context) bool {
	s.setState(StateBackoff)
	delay := s.backoff.Next()
	log.Debug().Str("router", s.cfg.URI).Dur("delay", delay).Msg("reconnect backoff")
	timer := s.clk.Timer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.closed:
		return false
	}
}

// connect dials the router and replays the authenticated handshake: the
// router issues a nonce, the custodian signs it, and the session presents
// signature plus public key.
func (s *Session) connect(ctx context.Context) (Conn, error) {
	conn, err := s.dialer.Dial(ctx, s.cfg.URI)
	if err != nil {
		return nil, err
	}

	env, err := conn.ReadEnvelope(s.cfg.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	if env.Challenge == nil {
		conn.Close()
		return nil, errors.New("expected challenge")
	}

	reg := &RegisterMsg{
		Gateway:   s.custodian.PublicKey(),
		Timestamp: s.clk.Now().UnixMilli(),
		Nonce:     env.Challenge.Nonce,
	}
	signable, err := reg.SignableBytes()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("encode register: %w", err)
	}
	reg.Signature, err = s.custodian.Sign(ctx, signable)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sign register: %w", err)
	}

	if err := conn.WriteEnvelope(&EnvelopeUp{Register: reg}, s.cfg.WriteTimeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send register: %w", err)
	}

	env, err = conn.ReadEnvelope(s.cfg.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read handshake result: %w", err)
	}
	switch {
	case env.Accept != nil:
		log.Info().Str("router", s.cfg.URI).Str("session", env.Accept.SessionID).Msg("handshake accepted")
		return conn, nil
	case env.Reject != nil:
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrRejected, env.Reject.Reason)
	default:
		conn.Close()
		return nil, errors.New("unexpected handshake reply")
	}
}

// serve pumps the connected stream: one writer draining the queue, the
// reader dispatching inbound instructions. Returns on the first transport
// error; the caller transitions to backoff.
func (s *Session) serve(ctx context.Context, conn Conn) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- s.writeLoop(serveCtx, conn)
	}()

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(serveCtx, conn)
	}()

	select {
	case err := <-writeErr:
		cancel()
		conn.Close()
		<-readErr
		return err
	case err := <-readErr:
		cancel()
		conn.Close()
		<-writeErr
		return err
	case <-s.closed:
		cancel()
		conn.Close()
		<-writeErr
		<-readErr
		return nil
	}
}

func (s *Session) writeLoop(ctx context.Context, conn Conn) error {
	keepalive := s.cfg.ReadTimeout / 3
	ticker := s.clk.Ticker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-s.queue:
			if err := conn.WriteEnvelope(&EnvelopeUp{Packet: env}, s.cfg.WriteTimeout); err != nil {
				return fmt.Errorf("send envelope: %w", err)
			}
		case <-ticker.C:
			if err := conn.Ping(s.cfg.WriteTimeout); err != nil {
				return fmt.Errorf("keepalive: %w", err)
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn Conn) error {
	for {
		env, err := conn.ReadEnvelope(s.cfg.ReadTimeout)
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		if env.Downlink == nil {
			continue
		}
		select {
		case s.downlinks <- env.Downlink:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
