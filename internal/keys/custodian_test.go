package keys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSigner is a scriptable signing device.
type fakeSigner struct {
	mu    sync.Mutex
	key   ed25519.PrivateKey
	calls int
	fail  error
	block chan struct{} // when non-nil, Sign blocks until closed
}

func newFakeSigner(t *testing.T) *fakeSigner {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &fakeSigner{key: key}
}

func (f *fakeSigner) Sign(message []byte) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	fail := f.fail
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail != nil {
		return nil, fail
	}
	return ed25519.Sign(f.key, message), nil
}

func (f *fakeSigner) PublicKey() (ed25519.PublicKey, error) {
	return f.key.Public().(ed25519.PublicKey), nil
}

func (f *fakeSigner) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeSigner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestSignVerifies(t *testing.T) {
	signer := newFakeSigner(t)
	c, err := New(signer, time.Second)
	require.NoError(t, err)
	defer c.Close()

	msg := []byte("canonical-envelope-bytes")
	sig, err := c.Sign(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(c.PublicKey(), msg, sig))
}

func TestPublicKeyMemoized(t *testing.T) {
	signer := newFakeSigner(t)
	c, err := New(signer, time.Second)
	require.NoError(t, err)
	defer c.Close()

	pub1 := c.PublicKey()
	pub2 := c.PublicKey()
	assert.Equal(t, pub1, pub2)

	want, _ := signer.PublicKey()
	assert.Equal(t, want, pub1)
}

func TestUsageCounter(t *testing.T) {
	signer := newFakeSigner(t)
	c, err := New(signer, time.Second)
	require.NoError(t, err)
	defer c.Close()

	require.Zero(t, c.Usage())
	for i := 0; i < 3; i++ {
		_, err := c.Sign(context.Background(), []byte("m"))
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(3), c.Usage())

	// Failed operations do not advance the counter.
	signer.setFail(errors.New("device locked"))
	_, err = c.Sign(context.Background(), []byte("m"))
	require.Error(t, err)
	assert.Equal(t, uint64(3), c.Usage())
}

func TestSignUnavailable(t *testing.T) {
	signer := newFakeSigner(t)
	signer.setFail(errors.New("device disconnected"))
	c, err := New(signer, time.Second)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Sign(context.Background(), []byte("m"))
	require.ErrorIs(t, err, ErrSigningUnavailable)
}

func TestSignTimeoutNeverBlocksForever(t *testing.T) {
	signer := newFakeSigner(t)
	signer.block = make(chan struct{})
	c, err := New(signer, 50*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()
	defer close(signer.block)

	start := time.Now()
	_, err = c.Sign(context.Background(), []byte("m"))
	require.ErrorIs(t, err, ErrSigningTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSignSerialized(t *testing.T) {
	signer := newFakeSigner(t)
	c, err := New(signer, 2*time.Second)
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Sign(context.Background(), []byte("m"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, signer.callCount())
	assert.Equal(t, uint64(10), c.Usage())
}

func TestSignAfterClose(t *testing.T) {
	signer := newFakeSigner(t)
	c, err := New(signer, time.Second)
	require.NoError(t, err)
	c.Close()

	_, err = c.Sign(context.Background(), []byte("m"))
	require.ErrorIs(t, err, ErrSigningUnavailable)
}

func TestFileSignerRoundTrip(t *testing.T) {
	path := t.TempDir() + "/gateway_key"

	s1, err := LoadFileSigner(path)
	require.NoError(t, err)
	pub1, err := s1.PublicKey()
	require.NoError(t, err)

	// Loading the same seed yields the same identity.
	s2, err := LoadFileSigner(path)
	require.NoError(t, err)
	pub2, err := s2.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, pub1, pub2)

	sig, err := s2.Sign([]byte("m"))
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub1, []byte("m"), sig))
}
