package keys

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrSigningUnavailable is returned when the signing device is
	// disconnected or locked.
	ErrSigningUnavailable = errors.New("signing device unavailable")
	// ErrSigningTimeout is returned when the device does not respond within
	// the configured interval. Sign never blocks indefinitely.
	ErrSigningTimeout = errors.New("signing timeout")
)

// Signer is the opaque signing oracle. Implementations wrap the actual
// device transport (local bus, network, in-process software key).
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() (ed25519.PublicKey, error)
}

type signRequest struct {
	message []byte
	reply   chan signReply
}

type signReply struct {
	signature []byte
	err       error
}

// Custodian serializes access to the signing device. The device accepts one
// operation at a time, so all signing calls funnel through a single worker
// and are served in arrival order.
type Custodian struct {
	signer  Signer
	timeout time.Duration
	pubKey  ed25519.PublicKey

	reqs      chan signRequest
	usage     atomic.Uint64
	closeOnce sync.Once
	done      chan struct{}
}

// New probes the device for its public key and starts the signing worker.
// The public key is computed once and memoized; a device that cannot report
// it is a fatal startup error.
func New(signer Signer, timeout time.Duration) (*Custodian, error) {
	pub, err := signer.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("probe signing device: %w", err)
	}
	c := &Custodian{
		signer:  signer,
		timeout: timeout,
		pubKey:  pub,
		reqs:    make(chan signRequest, 16),
		done:    make(chan struct{}),
	}
	go c.worker()
	return c, nil
}

func (c *Custodian) worker() {
	for {
		select {
		case <-c.done:
			return
		case req := <-c.reqs:
			sig, err := c.signer.Sign(req.message)
			if err == nil {
				c.usage.Add(1)
			}
			req.reply <- signReply{signature: sig, err: err}
		}
	}
}

// Sign signs a message with the device key. Concurrent callers queue in
// arrival order. The call fails with ErrSigningTimeout once the bounded
// interval expires, even if the device never responds.
func (c *Custodian) Sign(ctx context.Context, message []byte) ([]byte, error) {
	req := signRequest{
		message: message,
		reply:   make(chan signReply, 1),
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case c.reqs <- req:
	case <-c.done:
		return nil, ErrSigningUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrSigningTimeout
	}

	select {
	case reply := <-req.reply:
		if reply.err != nil {
			log.Debug().Err(reply.err).Msg("signing device error")
			return nil, fmt.Errorf("%w: %s", ErrSigningUnavailable, reply.err)
		}
		return reply.signature, nil
	case <-c.done:
		return nil, ErrSigningUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrSigningTimeout
	}
}

// PublicKey returns the memoized device public key.
func (c *Custodian) PublicKey() ed25519.PublicKey {
	return c.pubKey
}

// Usage returns the opaque hardware usage counter: the number of signing
// operations served. It is reported for audit purposes, not interpreted.
func (c *Custodian) Usage() uint64 {
	return c.usage.Load()
}

// Close stops the signing worker. In-flight callers receive
// ErrSigningUnavailable.
func (c *Custodian) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
