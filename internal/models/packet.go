package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// UplinkPacket is a single reception reported by the concentrator. It is
// immutable once received; the payload bytes are frozen before signing.
type UplinkPacket struct {
	Payload        []byte    `json:"payload"`
	Timestamp      uint32    `json:"tmst"` // concentrator counter, microseconds
	Frequency      uint32    `json:"frequency"`
	DataRate       string    `json:"dataRate"`
	CodingRate     string    `json:"codingRate,omitempty"`
	RSSI           float64   `json:"rssi"`
	SNR            float64   `json:"snr"`
	ConcentratorID string    `json:"concentratorID"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// SignedEnvelope is an uplink packet bound to the gateway identity. The
// signature covers CanonicalBytes, the envelope encoding with the signature
// field cleared.
type SignedEnvelope struct {
	ID        uuid.UUID     `json:"id"`
	Packet    *UplinkPacket `json:"packet"`
	Gateway   []byte        `json:"gateway"` // public key
	Signature []byte        `json:"signature,omitempty"`
}

// CanonicalBytes returns the bytes covered by the signature: the envelope
// serialized with an empty signature field. Marshal the same envelope with
// its signature cleared and the result verifies against Gateway.
func (e *SignedEnvelope) CanonicalBytes() ([]byte, error) {
	clone := SignedEnvelope{
		ID:      e.ID,
		Packet:  e.Packet,
		Gateway: e.Gateway,
	}
	return json.Marshal(&clone)
}

// WindowClass distinguishes deadline-bound receive windows from
// best-effort transmissions.
type WindowClass string

const (
	// WindowRX1 and WindowRX2 are deadline-bound: the reply lands a fixed
	// offset after the originating uplink or not at all.
	WindowRX1 WindowClass = "RX1"
	WindowRX2 WindowClass = "RX2"
	// WindowImmediate is best-effort, subject only to the duty-cycle budget.
	WindowImmediate WindowClass = "IMMEDIATE"
)

// Deadline returns the wall-clock deadline for a deadline-bound instruction,
// derived from the originating uplink's receive time plus the window offset.
// Best-effort instructions have no deadline.
func (c WindowClass) Deadline(uplinkReceivedAt time.Time, rx1Delay, rx2Delay time.Duration) (time.Time, bool) {
	switch c {
	case WindowRX1:
		return uplinkReceivedAt.Add(rx1Delay), true
	case WindowRX2:
		return uplinkReceivedAt.Add(rx2Delay), true
	default:
		return time.Time{}, false
	}
}

// DownlinkInstruction is a backend-issued transmission request. It must land
// in exactly one radio timing window; late or non-compliant instructions are
// dropped, never deferred.
type DownlinkInstruction struct {
	ID             uuid.UUID   `json:"id"`
	ConcentratorID string      `json:"concentratorID,omitempty"`
	Class          WindowClass `json:"class"`
	Timestamp      uint32      `json:"tmst,omitempty"` // target concentrator counter
	Frequency      uint32      `json:"frequency"`
	DataRate       string      `json:"dataRate"`
	Power          int         `json:"power"`
	Payload        []byte      `json:"payload"`
	// UplinkReceivedAt is the wall-clock receive time of the originating
	// uplink, used to derive the window deadline. Zero for best-effort.
	UplinkReceivedAt time.Time `json:"uplinkReceivedAt,omitempty"`
}

// DropReason classifies why a downlink was dropped before transmission.
type DropReason string

const (
	DropDeadlineMissed    DropReason = "deadline_missed"
	DropDutyCycleExceeded DropReason = "duty_cycle_exceeded"
	DropRegionNotFound    DropReason = "region_not_found"
	DropPlanRejected      DropReason = "plan_rejected"
	DropSlotOccupied      DropReason = "slot_occupied"
	DropTransmitFailed    DropReason = "transmit_failed"
)

// TransmitResult reports the outcome of a physical transmit attempt as
// acknowledged by the concentrator.
type TransmitResult struct {
	ConcentratorID string `json:"concentratorID"`
	Token          uint16 `json:"token"`
	Error          string `json:"error,omitempty"`
}
