package forwarder

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/lora-edge/gatewayd/internal/models"
)

// Semtech UDP protocol constants.
const (
	ProtocolVersion = 2

	PushData = 0x00
	PushAck  = 0x01
	PullData = 0x02
	PullResp = 0x03
	PullAck  = 0x04
	TxAck    = 0x05
)

// Rxpk is the JSON structure the packet forwarder sends for a received
// radio frame.
type Rxpk struct {
	Time      string  `json:"time,omitempty"`
	Timestamp uint32  `json:"tmst"`
	Frequency float64 `json:"freq"` // MHz
	Channel   uint8   `json:"chan"`
	RFChain   uint8   `json:"rfch"`
	Stat      int8    `json:"stat"`
	Modulation string `json:"modu"`
	DataRate  string  `json:"datr"`
	CodingRate string `json:"codr"`
	RSSI      float64 `json:"rssi"`
	SNR       float64 `json:"lsnr"`
	Size      uint32  `json:"size"`
	Data      string  `json:"data"` // base64 payload
}

// Txpk is the JSON structure sent to the packet forwarder for a downlink.
type Txpk struct {
	Immediate  bool    `json:"imme"`
	Timestamp  uint32  `json:"tmst,omitempty"`
	Frequency  float64 `json:"freq"` // MHz
	RFChain    uint8   `json:"rfch"`
	Power      int     `json:"powe"`
	Modulation string  `json:"modu"`
	DataRate   string  `json:"datr"`
	CodingRate string  `json:"codr,omitempty"`
	InvertPol  bool    `json:"ipol"`
	Size       int     `json:"size"`
	Data       string  `json:"data"`
	NoCRC      bool    `json:"ncrc,omitempty"`
}

// Stat is the periodic status report from the packet forwarder.
type Stat struct {
	Time string  `json:"time,omitempty"`
	RXNb uint32  `json:"rxnb"`
	RXOK uint32  `json:"rxok"`
	RXFW uint32  `json:"rxfw"`
	ACKR float64 `json:"ackr"`
	DWNb uint32  `json:"dwnb"`
	TXNb uint32  `json:"txnb"`
}

type pushPayload struct {
	Rxpk []Rxpk `json:"rxpk,omitempty"`
	Stat *Stat  `json:"stat,omitempty"`
}

type pullRespPayload struct {
	Txpk Txpk `json:"txpk"`
}

type txAckPayload struct {
	TxpkAck struct {
		Error string `json:"error,omitempty"`
	} `json:"txpk_ack"`
}

// decodeUplink converts an rxpk into the internal uplink representation.
func decodeUplink(concentratorID string, rx Rxpk, receivedAt time.Time) (*models.UplinkPacket, error) {
	payload, err := base64.StdEncoding.DecodeString(rx.Data)
	if err != nil {
		return nil, fmt.Errorf("decode rxpk data: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty rxpk payload")
	}
	return &models.UplinkPacket{
		Payload:        payload,
		Timestamp:      rx.Timestamp,
		Frequency:      mhzToHz(rx.Frequency),
		DataRate:       rx.DataRate,
		CodingRate:     rx.CodingRate,
		RSSI:           rx.RSSI,
		SNR:            rx.SNR,
		ConcentratorID: concentratorID,
		ReceivedAt:     receivedAt,
	}, nil
}

// encodeDownlink converts a downlink instruction into a txpk.
func encodeDownlink(inst *models.DownlinkInstruction) Txpk {
	return Txpk{
		Immediate:  inst.Class == models.WindowImmediate,
		Timestamp:  inst.Timestamp,
		Frequency:  hzToMHz(inst.Frequency),
		Power:      inst.Power,
		Modulation: "LORA",
		DataRate:   inst.DataRate,
		CodingRate: "4/5",
		InvertPol:  true,
		Size:       len(inst.Payload),
		Data:       base64.StdEncoding.EncodeToString(inst.Payload),
	}
}

func mhzToHz(mhz float64) uint32 {
	return uint32(math.Round(mhz * 1e6))
}

func hzToMHz(hz uint32) float64 {
	return float64(hz) / 1e6
}

// ackFrame builds a PUSH_ACK or PULL_ACK for the given token.
func ackFrame(token uint16, identifier byte) []byte {
	ack := make([]byte, 4)
	ack[0] = ProtocolVersion
	binary.BigEndian.PutUint16(ack[1:3], token)
	ack[3] = identifier
	return ack
}

// concentratorID formats the 8-byte MAC carried in PUSH_DATA / PULL_DATA.
func concentratorID(frame []byte) string {
	var mac [8]byte
	copy(mac[:], frame[4:12])
	return fmt.Sprintf("%016x", mac)
}
