package router

import (
	"context"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/lora-edge/gatewayd/internal/keys"
	"github.com/lora-edge/gatewayd/internal/models"
)

// Pool runs one session per configured router and fans uplink envelopes
// out to all of them. Fan-out is broadcast: each session gets every
// envelope, independently of the others' health.
type Pool struct {
	sessions  []*Session
	downlinks chan *models.DownlinkInstruction
}

// NewPool builds sessions for the given configs. onState, when non-nil, is
// invoked on every session state transition.
func NewPool(cfgs []SessionConfig, custodian *keys.Custodian, dialer Dialer, clk clock.Clock, onState func(string, State)) *Pool {
	// Sized so a burst of instructions from several routers does not stall
	// session readers while the scheduler catches up.
	downlinks := make(chan *models.DownlinkInstruction, 16*len(cfgs)+16)

	p := &Pool{downlinks: downlinks}
	for _, cfg := range cfgs {
		p.sessions = append(p.sessions, NewSession(cfg, custodian, dialer, clk, downlinks, onState))
	}
	return p
}

// Run drives all sessions until the context is canceled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range p.sessions {
		s := s
		g.Go(func() error { return s.Run(ctx) })
	}
	return g.Wait()
}

// Broadcast fans an envelope out to every session. Queue overflow in one
// session never blocks delivery to the others.
func (p *Pool) Broadcast(env *models.SignedEnvelope) {
	for _, s := range p.sessions {
		s.Enqueue(env)
	}
}

// Downlinks returns the merged inbound instruction stream from all routers.
func (p *Pool) Downlinks() <-chan *models.DownlinkInstruction {
	return p.downlinks
}

// States reports the current state of every session keyed by router URI.
func (p *Pool) States() map[string]State {
	out := make(map[string]State, len(p.sessions))
	for _, s := range p.sessions {
		out[s.URI()] = s.State()
	}
	return out
}

// Close deconfigures every session.
func (p *Pool) Close() {
	for _, s := range p.sessions {
		s.Close()
	}
}
