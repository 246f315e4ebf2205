// Package forwarder implements the Semtech UDP side of the gateway: it
// translates between the concentrator's frame protocol and the internal
// uplink/downlink types. The concentrator driver itself is an external
// process; this package only speaks its wire protocol.
package forwarder

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lora-edge/gatewayd/internal/models"
)

var (
	// ErrNoConcentrator is returned by Transmit when no concentrator has
	// registered a downlink address via PULL_DATA.
	ErrNoConcentrator = errors.New("no concentrator pulling")
)

const (
	readBufferSize = 65507
	staleAfter     = 5 * time.Minute
	cleanupEvery   = 30 * time.Second
)

// concentrator tracks the addresses and pull token of one packet forwarder
// process. PUSH_DATA and PULL_DATA may arrive from different source ports.
type concentrator struct {
	id        string
	pushAddr  *net.UDPAddr
	pullAddr  *net.UDPAddr
	pullToken [2]byte
	lastSeen  time.Time
}

// Forwarder is the packet forwarder link. It produces a lazy, effectively
// infinite, non-restartable sequence of uplinks; when consumers fall
// behind, the oldest unconsumed frames are dropped so memory stays bounded.
type Forwarder struct {
	conn    *net.UDPConn
	uplinks chan *models.UplinkPacket

	mu            sync.RWMutex
	concentrators map[string]*concentrator

	onTxAck func(models.TransmitResult)

	droppedUplinks atomic.Uint64
	closeOnce      sync.Once
}

// New binds the UDP listener. The uplink channel holds queueSize packets
// before drop-oldest applies.
func New(bindAddr string, queueSize int) (*Forwarder, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp bind: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	return &Forwarder{
		conn:          conn,
		uplinks:       make(chan *models.UplinkPacket, queueSize),
		concentrators: make(map[string]*concentrator),
	}, nil
}

// LocalAddr returns the bound UDP address.
func (f *Forwarder) LocalAddr() *net.UDPAddr {
	return f.conn.LocalAddr().(*net.UDPAddr)
}

// OnTxAck registers a callback for TX_ACK results. Must be set before Start.
func (f *Forwarder) OnTxAck(fn func(models.TransmitResult)) {
	f.onTxAck = fn
}

// Uplinks returns the uplink sequence. The channel is closed when the
// forwarder stops; the sequence cannot be restarted.
func (f *Forwarder) Uplinks() <-chan *models.UplinkPacket {
	return f.uplinks
}

// DroppedUplinks reports how many uplinks were dropped because consumers
// fell behind.
func (f *Forwarder) DroppedUplinks() uint64 {
	return f.droppedUplinks.Load()
}

// Start runs the UDP read loop until the context is canceled or the socket
// fails. The uplink channel is closed on return.
func (f *Forwarder) Start(ctx context.Context) error {
	log.Info().Str("addr", f.conn.LocalAddr().String()).Msg("packet forwarder link listening")

	go f.cleanupConcentrators(ctx)
	go func() {
		<-ctx.Done()
		f.Close()
	}()

	defer close(f.uplinks)

	buf := make([]byte, readBufferSize)
	for {
		// Reads are bounded so shutdown is never stuck in a blocking read.
		f.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("udp read: %w", err)
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		f.handleFrame(frame, addr)
	}
}

func (f *Forwarder) handleFrame(frame []byte, addr *net.UDPAddr) {
	if len(frame) < 4 {
		return
	}
	version := frame[0]
	token := binary.BigEndian.Uint16(frame[1:3])
	identifier := frame[3]

	if version != ProtocolVersion {
		log.Warn().Uint8("version", version).Str("addr", addr.String()).Msg("unsupported protocol version")
		return
	}

	switch identifier {
	case PushData:
		f.handlePushData(frame, addr, token)
	case PullData:
		f.handlePullData(frame, addr, token)
	case TxAck:
		f.handleTxAck(frame)
	default:
		log.Warn().Uint8("type", identifier).Str("addr", addr.String()).Msg("unknown frame type")
	}
}

func (f *Forwarder) handlePushData(frame []byte, addr *net.UDPAddr, token uint16) {
	if len(frame) < 12 {
		return
	}
	id := concentratorID(frame)
	receivedAt := time.Now()

	f.mu.Lock()
	c := f.concentrator(id)
	c.pushAddr = addr
	c.lastSeen = receivedAt
	f.mu.Unlock()

	f.conn.WriteToUDP(ackFrame(token, PushAck), addr)

	if len(frame) <= 12 {
		return
	}
	var payload pushPayload
	if err := json.Unmarshal(frame[12:], &payload); err != nil {
		log.Error().Err(err).Str("concentrator", id).Msg("decode PUSH_DATA json")
		return
	}

	for _, rx := range payload.Rxpk {
		pkt, err := decodeUplink(id, rx, receivedAt)
		if err != nil {
			log.Warn().Err(err).Str("concentrator", id).Msg("drop undecodable rxpk")
			continue
		}
		f.publish(pkt)
	}

	if payload.Stat != nil {
		log.Debug().
			Str("concentrator", id).
			Uint32("rxnb", payload.Stat.RXNb).
			Uint32("rxok", payload.Stat.RXOK).
			Uint32("txnb", payload.Stat.TXNb).
			Msg("concentrator status")
	}
}

func (f *Forwarder) handlePullData(frame []byte, addr *net.UDPAddr, token uint16) {
	if len(frame) < 12 {
		return
	}
	id := concentratorID(frame)

	f.mu.Lock()
	c := f.concentrator(id)
	c.pullAddr = addr
	c.pullToken[0] = frame[1]
	c.pullToken[1] = frame[2]
	c.lastSeen = time.Now()
	f.mu.Unlock()

	f.conn.WriteToUDP(ackFrame(token, PullAck), addr)

	log.Debug().Str("concentrator", id).Str("pullAddr", addr.String()).Msg("PULL_DATA")
}

func (f *Forwarder) handleTxAck(frame []byte) {
	if len(frame) < 12 {
		return
	}
	id := concentratorID(frame)
	token := binary.BigEndian.Uint16(frame[1:3])

	var ack txAckPayload
	if len(frame) > 12 {
		json.Unmarshal(frame[12:], &ack)
	}

	result := models.TransmitResult{
		ConcentratorID: id,
		Token:          token,
		Error:          ack.TxpkAck.Error,
	}
	if result.Error != "" && result.Error != "NONE" {
		log.Warn().Str("concentrator", id).Str("error", result.Error).Msg("TX_ACK reported error")
	} else {
		log.Debug().Str("concentrator", id).Uint16("token", token).Msg("TX_ACK")
	}
	if f.onTxAck != nil {
		f.onTxAck(result)
	}
}

// publish enqueues an uplink, dropping the oldest unconsumed packet when
// the queue is full. Bounded memory takes priority over completeness.
func (f *Forwarder) publish(pkt *models.UplinkPacket) {
	for {
		select {
		case f.uplinks <- pkt:
			return
		default:
		}
		select {
		case <-f.uplinks:
			f.droppedUplinks.Add(1)
		default:
		}
	}
}

// Transmit sends a downlink instruction to its target concentrator as a
// PULL_RESP. One physical attempt, no retries; retry policy belongs to the
// caller. The concentrator must have pulled at least once.
func (f *Forwarder) Transmit(ctx context.Context, inst *models.DownlinkInstruction) error {
	// Snapshot under the lock: the read loop rewrites the pull address and
	// token on every PULL_DATA.
	f.mu.RLock()
	c, err := f.target(inst.ConcentratorID)
	var (
		id        string
		pullAddr  *net.UDPAddr
		pullToken [2]byte
	)
	if err == nil {
		id = c.id
		pullAddr = c.pullAddr
		pullToken = c.pullToken
	}
	f.mu.RUnlock()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(pullRespPayload{Txpk: encodeDownlink(inst)})
	if err != nil {
		return fmt.Errorf("encode txpk: %w", err)
	}

	resp := make([]byte, 0, 4+len(payload))
	resp = append(resp, ProtocolVersion, pullToken[0], pullToken[1], PullResp)
	resp = append(resp, payload...)

	if deadline, ok := ctx.Deadline(); ok {
		f.conn.SetWriteDeadline(deadline)
		defer f.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := f.conn.WriteToUDP(resp, pullAddr); err != nil {
		return fmt.Errorf("send PULL_RESP: %w", err)
	}

	log.Debug().
		Str("concentrator", id).
		Str("downlink", inst.ID.String()).
		Uint32("freq", inst.Frequency).
		Str("datr", inst.DataRate).
		Msg("PULL_RESP sent")
	return nil
}

// target picks the concentrator for a downlink. An empty id matches any
// concentrator that is currently pulling.
func (f *Forwarder) target(id string) (*concentrator, error) {
	if id != "" {
		c, ok := f.concentrators[id]
		if !ok || c.pullAddr == nil {
			return nil, ErrNoConcentrator
		}
		return c, nil
	}
	for _, c := range f.concentrators {
		if c.pullAddr != nil {
			return c, nil
		}
	}
	return nil, ErrNoConcentrator
}

// concentrator returns the tracked entry for id, creating it when first
// seen. Caller holds f.mu.
func (f *Forwarder) concentrator(id string) *concentrator {
	c, ok := f.concentrators[id]
	if !ok {
		c = &concentrator{id: id}
		f.concentrators[id] = c
		log.Info().Str("concentrator", id).Msg("concentrator registered")
	}
	return c
}

// Concentrators lists the ids currently tracked.
func (f *Forwarder) Concentrators() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.concentrators))
	for id := range f.concentrators {
		out = append(out, id)
	}
	return out
}

func (f *Forwarder) cleanupConcentrators(ctx context.Context) {
	ticker := time.NewTicker(cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			now := time.Now()
			for id, c := range f.concentrators {
				if now.Sub(c.lastSeen) > staleAfter {
					delete(f.concentrators, id)
					log.Info().Str("concentrator", id).Msg("concentrator stale, dropped")
				}
			}
			f.mu.Unlock()
		}
	}
}

// Close releases the UDP socket.
func (f *Forwarder) Close() error {
	var err error
	f.closeOnce.Do(func() { err = f.conn.Close() })
	return err
}
