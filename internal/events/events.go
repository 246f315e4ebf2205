// Package events publishes gateway lifecycle events to an optional local
// NATS bus for site integrations. A nil Publisher is valid and silently
// drops everything, so the daemon runs unchanged without a bus.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lora-edge/gatewayd/internal/config"
	"github.com/lora-edge/gatewayd/internal/models"
)

// Publisher emits events on gateway.<id>.<kind> subjects.
type Publisher struct {
	nc        *nats.Conn
	gatewayID string
}

// Connect dials the configured bus. An empty URL disables events and
// returns a nil publisher.
func Connect(cfg config.NATSConfig, gatewayID string) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts := []nats.Option{
		nats.Name("gatewayd-" + gatewayID),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect event bus: %w", err)
	}
	log.Info().Str("url", cfg.URL).Msg("event bus connected")
	return &Publisher{nc: nc, gatewayID: gatewayID}, nil
}

func (p *Publisher) publish(kind string, payload interface{}) {
	if p == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("encode event")
		return
	}
	subject := fmt.Sprintf("gateway.%s.%s", p.gatewayID, kind)
	if err := p.nc.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}

// UplinkForwarded reports a signed envelope fanned out to the routers.
func (p *Publisher) UplinkForwarded(env *models.SignedEnvelope) {
	p.publish("uplink", map[string]interface{}{
		"id":        env.ID,
		"frequency": env.Packet.Frequency,
		"dataRate":  env.Packet.DataRate,
		"size":      len(env.Packet.Payload),
		"timestamp": time.Now().Unix(),
	})
}

// DownlinkDropped reports a downlink dropped before transmission.
func (p *Publisher) DownlinkDropped(inst *models.DownlinkInstruction, reason models.DropReason) {
	p.publish("downlink.dropped", map[string]interface{}{
		"id":        inst.ID,
		"reason":    reason,
		"frequency": inst.Frequency,
		"timestamp": time.Now().Unix(),
	})
}

// SessionState reports a router session transition.
func (p *Publisher) SessionState(routerURI, state string) {
	p.publish("session", map[string]interface{}{
		"router":    routerURI,
		"state":     state,
		"timestamp": time.Now().Unix(),
	})
}

// SigningState reports entry to or recovery from the fail-closed state.
func (p *Publisher) SigningState(failClosed bool) {
	p.publish("signing", map[string]interface{}{
		"failClosed": failClosed,
		"timestamp":  time.Now().Unix(),
	})
}

// Close drains and closes the bus connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.nc.Close()
}
