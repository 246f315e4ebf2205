// Package gateway wires the uplink and downlink pipelines: uplink → dedup
// → sign → fan-out, and backend instruction → region validation →
// scheduling → transmit. It owns startup order and shutdown draining.
package gateway

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lora-edge/gatewayd/internal/config"
	"github.com/lora-edge/gatewayd/internal/dedup"
	"github.com/lora-edge/gatewayd/internal/events"
	"github.com/lora-edge/gatewayd/internal/forwarder"
	"github.com/lora-edge/gatewayd/internal/keys"
	"github.com/lora-edge/gatewayd/internal/metrics"
	"github.com/lora-edge/gatewayd/internal/models"
	"github.com/lora-edge/gatewayd/internal/router"
	"github.com/lora-edge/gatewayd/internal/scheduler"
	"github.com/lora-edge/gatewayd/pkg/band"
)

// Gateway is the orchestrator. Region plan and key custodian must
// initialize successfully before any router session opens; New enforces
// that order by requiring both.
type Gateway struct {
	cfg       *config.Config
	plan      *band.Plan
	custodian *keys.Custodian
	fwd       *forwarder.Forwarder
	dedup     *dedup.Deduplicator
	pool      *router.Pool
	sched     *scheduler.Scheduler
	events    *events.Publisher
	metrics   *metrics.Metrics
	clk       clock.Clock

	// signFailures is only touched by the uplink loop; failClosed is read
	// by the API.
	signFailures int
	failClosed   atomic.Bool

	startedAt time.Time
}

// New builds the gateway core. table and custodian come first: a missing
// region or unreachable signing device aborts startup before any router
// session is constructed.
func New(cfg *config.Config, table *band.Table, custodian *keys.Custodian, fwd *forwarder.Forwarder, eventsPub *events.Publisher, m *metrics.Metrics, clk clock.Clock, dialer router.Dialer) (*Gateway, error) {
	plan, err := table.Resolve(cfg.Region.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve region: %w", err)
	}

	g := &Gateway{
		cfg:       cfg,
		plan:      plan,
		custodian: custodian,
		fwd:       fwd,
		dedup:     dedup.New(cfg.Dedup.Capacity, cfg.Dedup.TTL),
		events:    eventsPub,
		metrics:   m,
		clk:       clk,
		startedAt: clk.Now(),
	}

	g.sched = scheduler.New(scheduler.Config{
		DispatchLatency: cfg.Scheduler.DispatchLatency,
		TransmitTimeout: cfg.Scheduler.TransmitTimeout,
		DutyCycleWindow: cfg.Scheduler.DutyCycleWindow,
	}, plan, clk, g.transmit, g.onDownlinkDrop)

	var sessionCfgs []router.SessionConfig
	for _, rc := range cfg.EnabledRouters() {
		sessionCfgs = append(sessionCfgs, router.SessionConfig{
			URI:              rc.URI,
			QueueSize:        rc.QueueSize,
			ReadTimeout:      rc.ReadTimeout,
			WriteTimeout:     rc.WriteTimeout,
			HandshakeTimeout: rc.HandshakeTimeout,
			BackoffInitial:   rc.BackoffInitial,
			BackoffMax:       rc.BackoffMax,
		})
	}
	g.pool = router.NewPool(sessionCfgs, custodian, dialer, clk, g.onSessionState)

	fwd.OnTxAck(g.onTxAck)

	log.Info().
		Str("region", plan.Name).
		Int("routers", len(sessionCfgs)).
		Msg("gateway core initialized")
	return g, nil
}

// Run drives all tasks until the context is canceled, then drains.
func (g *Gateway) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error { return g.fwd.Start(egCtx) })
	eg.Go(func() error { return g.pool.Run(egCtx) })
	eg.Go(func() error { return g.sched.Run(egCtx) })
	eg.Go(func() error { return g.uplinkLoop(egCtx) })
	eg.Go(func() error { return g.downlinkLoop(egCtx) })

	err := eg.Wait()
	g.pool.Close()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// uplinkLoop consumes the forwarder's uplink sequence in receive order.
func (g *Gateway) uplinkLoop(ctx context.Context) error {
	uplinks := g.fwd.Uplinks()
	for {
		select {
		case pkt, ok := <-uplinks:
			if !ok {
				return nil
			}
			g.handleUplink(ctx, pkt)
		case <-ctx.Done():
			return g.drainUplinks()
		}
	}
}

// drainUplinks processes uplinks still buffered at shutdown under a
// bounded timeout. Work remaining after the timeout is abandoned, not
// silently retried.
func (g *Gateway) drainUplinks() error {
	drainCtx, cancel := context.WithTimeout(context.Background(), g.cfg.Gateway.DrainTimeout)
	defer cancel()

	uplinks := g.fwd.Uplinks()
	for {
		select {
		case pkt, ok := <-uplinks:
			if !ok {
				return nil
			}
			if drainCtx.Err() != nil {
				log.Warn().Int("abandoned", len(uplinks)+1).Msg("drain timeout, abandoning pending uplinks")
				return nil
			}
			g.handleUplink(drainCtx, pkt)
		case <-drainCtx.Done():
			if n := len(uplinks); n > 0 {
				log.Warn().Int("abandoned", n).Msg("drain timeout, abandoning pending uplinks")
			}
			return nil
		}
	}
}

func (g *Gateway) handleUplink(ctx context.Context, pkt *models.UplinkPacket) {
	g.metrics.UplinksReceived.Inc()

	key := dedup.NewKey(pkt.Payload, pkt.ReceivedAt, g.cfg.Dedup.Window)
	if g.dedup.Seen(key, g.clk.Now()) {
		g.metrics.UplinksDeduplicated.Inc()
		log.Debug().Str("concentrator", pkt.ConcentratorID).Msg("duplicate uplink suppressed")
		return
	}

	env := &models.SignedEnvelope{
		ID:      uuid.New(),
		Packet:  pkt,
		Gateway: g.custodian.PublicKey(),
	}
	canonical, err := env.CanonicalBytes()
	if err != nil {
		log.Error().Err(err).Msg("encode envelope")
		return
	}

	// Payload bytes are frozen from here on: the signature covers
	// canonical and the envelope is never mutated after signing.
	env.Signature, err = g.custodian.Sign(ctx, canonical)
	if err != nil {
		g.onSignFailure(err)
		return
	}
	g.onSignSuccess()

	g.pool.Broadcast(env)
	g.metrics.UplinksForwarded.Inc()
	g.events.UplinkForwarded(env)
}

// onSignFailure counts consecutive failures against the retry budget and
// enters the fail-closed signing state once it is exhausted. Recovery
// attempts continue: every subsequent uplink still probes the device.
func (g *Gateway) onSignFailure(err error) {
	g.metrics.SignFailures.Inc()
	g.metrics.UplinksDroppedSign.Inc()
	g.signFailures++

	if g.signFailures > g.cfg.Keys.RetryBudget && !g.failClosed.Load() {
		g.failClosed.Store(true)
		g.metrics.SignFailClosed.Set(1)
		g.events.SigningState(true)
		log.Error().Err(err).
			Int("failures", g.signFailures).
			Msg("signing retry budget exhausted, entering fail-closed state")
		return
	}
	log.Warn().Err(err).Int("failures", g.signFailures).Msg("signing failed, uplink dropped")
}

func (g *Gateway) onSignSuccess() {
	g.signFailures = 0
	if g.failClosed.CompareAndSwap(true, false) {
		g.metrics.SignFailClosed.Set(0)
		g.events.SigningState(false)
		log.Info().Msg("signing recovered, leaving fail-closed state")
	}
}

// downlinkLoop validates inbound instructions against the region plan
// before scheduling. Non-compliant instructions are rejected and reported,
// never silently defaulted.
func (g *Gateway) downlinkLoop(ctx context.Context) error {
	for {
		select {
		case inst := <-g.pool.Downlinks():
			g.handleDownlink(inst)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Gateway) handleDownlink(inst *models.DownlinkInstruction) {
	g.metrics.DownlinksReceived.Inc()

	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}

	if !g.plan.Validate(inst.Frequency, inst.DataRate) {
		g.onDownlinkDrop(inst, models.DropPlanRejected)
		return
	}

	if err := g.sched.Schedule(inst); err != nil {
		// Schedule already reported the drop through onDownlinkDrop.
		log.Debug().Err(err).Str("downlink", inst.ID.String()).Msg("instruction not scheduled")
	}
}

func (g *Gateway) transmit(ctx context.Context, inst *models.DownlinkInstruction) error {
	if err := g.fwd.Transmit(ctx, inst); err != nil {
		return err
	}
	g.metrics.DownlinksTransmitted.Inc()
	return nil
}

func (g *Gateway) onDownlinkDrop(inst *models.DownlinkInstruction, reason models.DropReason) {
	g.metrics.DownlinksDropped.WithLabelValues(string(reason)).Inc()
	g.events.DownlinkDropped(inst, reason)
}

func (g *Gateway) onSessionState(uri string, state router.State) {
	switch state {
	case router.StateConnected:
		g.metrics.SessionConnected.WithLabelValues(uri).Set(1)
	case router.StateBackoff:
		g.metrics.SessionConnected.WithLabelValues(uri).Set(0)
		g.metrics.SessionReconnects.WithLabelValues(uri).Inc()
	default:
		g.metrics.SessionConnected.WithLabelValues(uri).Set(0)
	}
	g.events.SessionState(uri, state.String())
}

func (g *Gateway) onTxAck(res models.TransmitResult) {
	if res.Error != "" && res.Error != "NONE" {
		g.metrics.DownlinksDropped.WithLabelValues(string(models.DropTransmitFailed)).Inc()
	}
}

// API source accessors.

func (g *Gateway) GatewayID() string     { return g.cfg.Gateway.ID }
func (g *Gateway) PublicKey() []byte     { return g.custodian.PublicKey() }
func (g *Gateway) SignUsage() uint64     { return g.custodian.Usage() }
func (g *Gateway) SignFailClosed() bool  { return g.failClosed.Load() }
func (g *Gateway) Plan() *band.Plan      { return g.plan }
func (g *Gateway) StartedAt() time.Time  { return g.startedAt }
func (g *Gateway) Concentrators() []string { return g.fwd.Concentrators() }

func (g *Gateway) SessionStates() map[string]string {
	out := make(map[string]string)
	for uri, state := range g.pool.States() {
		out[uri] = state.String()
	}
	return out
}
