package router

import (
	"encoding/json"

	"github.com/lora-edge/gatewayd/internal/models"
)

// EnvelopeUp is a gateway-to-router message. Exactly one field is set.
type EnvelopeUp struct {
	Register *RegisterMsg           `json:"register,omitempty"`
	Packet   *models.SignedEnvelope `json:"packet,omitempty"`
}

// EnvelopeDown is a router-to-gateway message. Exactly one field is set.
type EnvelopeDown struct {
	Challenge *ChallengeMsg               `json:"challenge,omitempty"`
	Accept    *AcceptMsg                  `json:"accept,omitempty"`
	Reject    *RejectMsg                  `json:"reject,omitempty"`
	Downlink  *models.DownlinkInstruction `json:"downlink,omitempty"`
}

// ChallengeMsg carries the session-establishment nonce issued by the
// router. Signing it on every (re)connect prevents replay across
// reconnects.
type ChallengeMsg struct {
	Nonce []byte `json:"nonce"`
}

// RegisterMsg authenticates the gateway against the router's challenge.
type RegisterMsg struct {
	Gateway   []byte `json:"gateway"` // public key
	Timestamp int64  `json:"timestamp"`
	Nonce     []byte `json:"nonce"`
	Signature []byte `json:"signature,omitempty"`
}

// SignableBytes returns the bytes covered by the register signature: the
// message serialized with the signature field cleared.
func (m *RegisterMsg) SignableBytes() ([]byte, error) {
	clone := RegisterMsg{
		Gateway:   m.Gateway,
		Timestamp: m.Timestamp,
		Nonce:     m.Nonce,
	}
	return json.Marshal(&clone)
}

// AcceptMsg acknowledges a successful handshake.
type AcceptMsg struct {
	SessionID string `json:"sessionID,omitempty"`
}

// RejectMsg refuses a handshake.
type RejectMsg struct {
	Reason string `json:"reason,omitempty"`
}
