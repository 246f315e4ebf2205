package router

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lora-edge/gatewayd/internal/keys"
	"github.com/lora-edge/gatewayd/internal/models"
)

type stubSigner struct {
	key ed25519.PrivateKey
}

func newStubSigner(t *testing.T) *stubSigner {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &stubSigner{key: key}
}

func (s *stubSigner) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.key, message), nil
}

func (s *stubSigner) PublicKey() (ed25519.PublicKey, error) {
	return s.key.Public().(ed25519.PublicKey), nil
}

// fakeConn is a scripted router connection: the test feeds in and drains out.
type fakeConn struct {
	in     chan *EnvelopeDown
	out    chan *EnvelopeUp
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan *EnvelopeDown, 8),
		out:    make(chan *EnvelopeUp, 8),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadEnvelope(timeout time.Duration) (*EnvelopeDown, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-time.After(timeout):
		return nil, errors.New("read timeout")
	}
}

func (c *fakeConn) WriteEnvelope(env *EnvelopeUp, timeout time.Duration) error {
	select {
	case c.out <- env:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	case <-time.After(timeout):
		return errors.New("write timeout")
	}
}

func (c *fakeConn) Ping(time.Duration) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
		return nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	conns []Conn
}

func (d *fakeDialer) push(c Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, c)
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("router unreachable")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		URI:              "wss://router.test/route",
		QueueSize:        8,
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		BackoffInitial:   time.Millisecond,
		BackoffMax:       10 * time.Millisecond,
	}
}

// challenge drives the router side of the handshake on conn and returns the
// register the session presented.
func challenge(t *testing.T, conn *fakeConn, nonce []byte) *RegisterMsg {
	t.Helper()
	conn.in <- &EnvelopeDown{Challenge: &ChallengeMsg{Nonce: nonce}}
	select {
	case env := <-conn.out:
		require.NotNil(t, env.Register, "expected register, got %+v", env)
		return env.Register
	case <-time.After(2 * time.Second):
		t.Fatal("no register received")
		return nil
	}
}

func TestBackoffGrowsCapsAndResets(t *testing.T) {
	b := newBackoff(time.Second, 10*time.Second)

	assert.Equal(t, time.Second, b.Base())
	b.Next()
	assert.Equal(t, 2*time.Second, b.Base())
	b.Next()
	assert.Equal(t, 4*time.Second, b.Base())
	b.Next()
	b.Next()
	assert.Equal(t, 10*time.Second, b.Base())

	b.Reset()
	assert.Equal(t, time.Second, b.Base())
}

func TestBackoffJitterBounded(t *testing.T) {
	b := newBackoff(time.Second, time.Minute)
	for i := 0; i < 50; i++ {
		base := b.Base()
		d := b.Next()
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.8))
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.2))
	}
}

func TestEnqueueDropsOldest(t *testing.T) {
	s := NewSession(SessionConfig{URI: "wss://router.test", QueueSize: 3}, nil, nil, clock.New(), nil, nil)

	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.New()
		s.Enqueue(&models.SignedEnvelope{ID: ids[i]})
	}
	assert.Equal(t, uint64(2), s.Dropped())

	// The three newest survive, in order.
	for _, want := range ids[2:] {
		got := <-s.queue
		assert.Equal(t, want, got.ID)
	}
	assert.Empty(t, s.queue)
}

func TestHandshakeSignsChallenge(t *testing.T) {
	signer := newStubSigner(t)
	cust, err := keys.New(signer, time.Second)
	require.NoError(t, err)
	defer cust.Close()

	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.push(conn)
	downlinks := make(chan *models.DownlinkInstruction, 8)
	s := NewSession(testSessionConfig(), cust, dialer, clock.New(), downlinks, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	nonce := []byte{0xde, 0xad, 0xbe, 0xef}
	reg := challenge(t, conn, nonce)

	assert.Equal(t, nonce, reg.Nonce)
	assert.Equal(t, []byte(cust.PublicKey()), reg.Gateway)
	signable, err := reg.SignableBytes()
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(cust.PublicKey(), signable, reg.Signature))

	conn.in <- &EnvelopeDown{Accept: &AcceptMsg{SessionID: "s-1"}}

	// Uplinks drain through the accepted stream.
	env := &models.SignedEnvelope{ID: uuid.New(), Gateway: cust.PublicKey()}
	s.Enqueue(env)
	select {
	case up := <-conn.out:
		require.NotNil(t, up.Packet)
		assert.Equal(t, env.ID, up.Packet.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never sent")
	}

	// Inbound instructions surface on the downlink channel.
	inst := &models.DownlinkInstruction{ID: uuid.New(), Class: models.WindowImmediate, Frequency: 869525000, DataRate: "SF12BW125"}
	conn.in <- &EnvelopeDown{Downlink: inst}
	select {
	case got := <-downlinks:
		assert.Equal(t, inst.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("downlink never delivered")
	}

	cancel()
	<-done
}

func TestHandshakeStallGoesToBackoff(t *testing.T) {
	signer := newStubSigner(t)
	cust, err := keys.New(signer, time.Second)
	require.NoError(t, err)
	defer cust.Close()

	// The first router accepts the connection but never sends a challenge;
	// the handshake timeout bounds the stall, not the 5s read timeout.
	stalled := newFakeConn()
	conn2 := newFakeConn()
	dialer := &fakeDialer{}
	dialer.push(stalled)
	dialer.push(conn2)

	cfg := testSessionConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	s := NewSession(cfg, cust, dialer, clock.New(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	require.Eventually(t, func() bool { return dialer.count() >= 2 }, 2*time.Second, 10*time.Millisecond)

	challenge(t, conn2, []byte{3})
	conn2.in <- &EnvelopeDown{Accept: &AcceptMsg{}}
	require.Eventually(t, func() bool { return s.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRejectedHandshakeRetries(t *testing.T) {
	signer := newStubSigner(t)
	cust, err := keys.New(signer, time.Second)
	require.NoError(t, err)
	defer cust.Close()

	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer := &fakeDialer{}
	dialer.push(conn1)
	dialer.push(conn2)
	s := NewSession(testSessionConfig(), cust, dialer, clock.New(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	challenge(t, conn1, []byte{1})
	conn1.in <- &EnvelopeDown{Reject: &RejectMsg{Reason: "unknown gateway"}}

	// After backoff the session dials again and completes a fresh handshake.
	challenge(t, conn2, []byte{2})
	conn2.in <- &EnvelopeDown{Accept: &AcceptMsg{}}

	require.Eventually(t, func() bool { return s.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, dialer.count())

	cancel()
	<-done
}

func TestReconnectRepeatsHandshake(t *testing.T) {
	signer := newStubSigner(t)
	cust, err := keys.New(signer, time.Second)
	require.NoError(t, err)
	defer cust.Close()

	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer := &fakeDialer{}
	dialer.push(conn1)
	dialer.push(conn2)
	var mu sync.Mutex
	var states []State
	onState := func(_ string, st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	}
	s := NewSession(testSessionConfig(), cust, dialer, clock.New(), nil, onState)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	reg1 := challenge(t, conn1, []byte{0x01})
	conn1.in <- &EnvelopeDown{Accept: &AcceptMsg{}}
	require.Eventually(t, func() bool { return s.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	// Drop the link. No session state survives: the next connection gets a
	// full handshake against the new nonce.
	conn1.Close()
	reg2 := challenge(t, conn2, []byte{0x02})
	assert.Equal(t, []byte{0x02}, reg2.Nonce)
	assert.NotEqual(t, reg1.Signature, reg2.Signature)
	conn2.in <- &EnvelopeDown{Accept: &AcceptMsg{}}
	require.Eventually(t, func() bool { return s.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Contains(t, states, StateBackoff)
	mu.Unlock()

	cancel()
	<-done
}

func TestQueueSurvivesReconnect(t *testing.T) {
	signer := newStubSigner(t)
	cust, err := keys.New(signer, time.Second)
	require.NoError(t, err)
	defer cust.Close()

	conn := newFakeConn()
	dialer := &fakeDialer{}
	s := NewSession(testSessionConfig(), cust, dialer, clock.New(), nil, nil)

	// Enqueued while unreachable; delivered once a dial succeeds.
	env := &models.SignedEnvelope{ID: uuid.New()}
	s.Enqueue(env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	// Let a few failed dials and backoffs pass before the router appears.
	require.Eventually(t, func() bool { return dialer.count() >= 2 }, 2*time.Second, time.Millisecond)
	dialer.push(conn)

	challenge(t, conn, []byte{9})
	conn.in <- &EnvelopeDown{Accept: &AcceptMsg{}}

	select {
	case up := <-conn.out:
		require.NotNil(t, up.Packet)
		assert.Equal(t, env.ID, up.Packet.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("queued envelope lost across reconnects")
	}

	cancel()
	<-done
}

func TestSessionCloseEndsRun(t *testing.T) {
	signer := newStubSigner(t)
	cust, err := keys.New(signer, time.Second)
	require.NoError(t, err)
	defer cust.Close()

	s := NewSession(testSessionConfig(), cust, &fakeDialer{}, clock.New(), nil, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.Equal(t, StateClosed, s.State())
}

func TestPoolBroadcastIndependentQueues(t *testing.T) {
	signer := newStubSigner(t)
	cust, err := keys.New(signer, time.Second)
	require.NoError(t, err)
	defer cust.Close()

	cfgA := testSessionConfig()
	cfgA.URI = "wss://a.test/route"
	cfgA.QueueSize = 1
	cfgB := testSessionConfig()
	cfgB.URI = "wss://b.test/route"
	cfgB.QueueSize = 4

	p := NewPool([]SessionConfig{cfgA, cfgB}, cust, &fakeDialer{}, clock.New(), nil)

	for i := 0; i < 3; i++ {
		p.Broadcast(&models.SignedEnvelope{ID: uuid.New()})
	}

	// A's tiny queue overflowed; B kept everything.
	assert.Equal(t, uint64(2), p.sessions[0].Dropped())
	assert.Equal(t, uint64(0), p.sessions[1].Dropped())
	assert.Len(t, p.sessions[1].queue, 3)

	states := p.States()
	assert.Len(t, states, 2)
	assert.Equal(t, StateConnecting, states["wss://a.test/route"])
}
