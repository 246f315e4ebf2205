// Package scheduler matches backend downlink requests to radio timing
// windows. Deadline-bound instructions transmit within their window or not
// at all; best-effort instructions dispatch under the duty-cycle budget.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/lora-edge/gatewayd/internal/models"
	"github.com/lora-edge/gatewayd/pkg/band"
)

var (
	// ErrDeadlineMissed means the instruction's window had already passed
	// at dispatch time. It is dropped, never transmitted late.
	ErrDeadlineMissed = errors.New("downlink deadline missed")
	// ErrDutyCycleExceeded means the channel's transmit budget is spent.
	ErrDutyCycleExceeded = errors.New("duty cycle exceeded")
	// ErrSlotOccupied means another instruction already holds the slot.
	ErrSlotOccupied = errors.New("timing slot occupied")
	// ErrInvalidDataRate means the instruction's datarate cannot be parsed.
	ErrInvalidDataRate = errors.New("invalid datarate")
)

// TransmitFunc performs one physical transmit attempt.
type TransmitFunc func(ctx context.Context, inst *models.DownlinkInstruction) error

// DropFunc observes instructions dropped before transmission.
type DropFunc func(inst *models.DownlinkInstruction, reason models.DropReason)

// Config tunes the scheduler.
type Config struct {
	// DispatchLatency is the lead time needed to push an instruction down
	// to the concentrator before its deadline.
	DispatchLatency time.Duration
	// TransmitTimeout bounds one transmit attempt.
	TransmitTimeout time.Duration
	// DutyCycleWindow is the rolling accounting window per channel.
	DutyCycleWindow time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DispatchLatency <= 0 {
		out.DispatchLatency = 100 * time.Millisecond
	}
	if out.TransmitTimeout <= 0 {
		out.TransmitTimeout = time.Second
	}
	if out.DutyCycleWindow <= 0 {
		out.DutyCycleWindow = time.Hour
	}
	return out
}

type slotKey struct {
	concentrator string
	window       int64 // deadline bucket, dispatch-latency granularity
}

type pending struct {
	inst       *models.DownlinkInstruction
	dispatchAt time.Time
	deadline   time.Time
	bound      bool // deadline-bound vs best-effort
	slot       slotKey
	index      int
}

// Scheduler holds at most one pending instruction per timing slot and
// resolves them in deadline order, not submission order.
type Scheduler struct {
	cfg      Config
	plan     *band.Plan
	clk      clock.Clock
	transmit TransmitFunc
	onDrop   DropFunc
	duty     *dutyMeter

	mu    sync.Mutex
	queue pendingQueue
	slots map[slotKey]struct{}
	wake  chan struct{}
}

// New builds a scheduler against a resolved region plan.
func New(cfg Config, plan *band.Plan, clk clock.Clock, transmit TransmitFunc, onDrop DropFunc) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:      cfg,
		plan:     plan,
		clk:      clk,
		transmit: transmit,
		onDrop:   onDrop,
		duty:     newDutyMeter(cfg.DutyCycleWindow, plan.DutyCycleRatio),
		slots:    make(map[slotKey]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Schedule accepts an instruction for dispatch. Late deadline-bound
// instructions fail with ErrDeadlineMissed immediately; they are never
// deferred to a later window.
func (s *Scheduler) Schedule(inst *models.DownlinkInstruction) error {
	now := s.clk.Now()

	if _, err := band.ParseDataRate(inst.DataRate); err != nil {
		s.drop(inst, models.DropPlanRejected)
		return fmt.Errorf("%w: %s", ErrInvalidDataRate, inst.DataRate)
	}

	deadline, bound := inst.Class.Deadline(inst.UplinkReceivedAt, s.plan.RX1Delay, s.plan.RX2Delay)

	p := &pending{inst: inst, bound: bound}
	if bound {
		p.deadline = deadline
		p.dispatchAt = deadline.Add(-s.cfg.DispatchLatency)
		if now.After(p.dispatchAt) {
			s.drop(inst, models.DropDeadlineMissed)
			return ErrDeadlineMissed
		}
		p.slot = slotKey{
			concentrator: inst.ConcentratorID,
			window:       deadline.UnixNano() / int64(s.cfg.DispatchLatency),
		}
	} else {
		// Best-effort instructions dispatch as soon as the loop gets to
		// them; they contend on the duty-cycle budget, not on slots.
		p.dispatchAt = now
	}

	s.mu.Lock()
	if p.bound {
		if _, occupied := s.slots[p.slot]; occupied {
			s.mu.Unlock()
			s.drop(inst, models.DropSlotOccupied)
			return ErrSlotOccupied
		}
		s.slots[p.slot] = struct{}{}
	}
	heap.Push(&s.queue, p)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run drives the deadline timers until the context is canceled. Pending
// instructions whose deadline passes while queued are dropped when they
// surface; an instruction is implicitly canceled once its deadline passes.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next, ok := s.peekDispatch()

		var timerC <-chan time.Time
		var timer *clock.Timer
		if ok {
			wait := next.Sub(s.clk.Now())
			if wait < 0 {
				wait = 0
			}
			timer = s.clk.Timer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
			s.dispatchDue(ctx)
		}
	}
}

func (s *Scheduler) peekDispatch() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].dispatchAt, true
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.clk.Now()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0].dispatchAt.After(now) {
			s.mu.Unlock()
			return
		}
		p := heap.Pop(&s.queue).(*pending)
		if p.bound {
			delete(s.slots, p.slot)
		}
		s.mu.Unlock()

		s.dispatch(ctx, p, now)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, p *pending, now time.Time) {
	if p.bound && now.After(p.deadline) {
		s.drop(p.inst, models.DropDeadlineMissed)
		return
	}

	dr, _ := band.ParseDataRate(p.inst.DataRate)
	airtime := band.TimeOnAir(len(p.inst.Payload), dr)
	if !s.duty.Allow(p.inst.Frequency, airtime, now) {
		s.drop(p.inst, models.DropDutyCycleExceeded)
		return
	}

	txCtx, cancel := context.WithTimeout(ctx, s.cfg.TransmitTimeout)
	err := s.transmit(txCtx, p.inst)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("downlink", p.inst.ID.String()).Msg("transmit attempt failed")
		s.drop(p.inst, models.DropTransmitFailed)
		return
	}

	log.Debug().
		Str("downlink", p.inst.ID.String()).
		Uint32("freq", p.inst.Frequency).
		Dur("airtime", airtime).
		Bool("deadlineBound", p.bound).
		Msg("downlink dispatched")
}

func (s *Scheduler) drop(inst *models.DownlinkInstruction, reason models.DropReason) {
	log.Warn().
		Str("downlink", inst.ID.String()).
		Str("reason", string(reason)).
		Msg("downlink dropped")
	if s.onDrop != nil {
		s.onDrop(inst, reason)
	}
}

// Pending reports the number of queued instructions, for observability.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// pendingQueue is a min-heap ordered by dispatch time, so pending
// instructions resolve in deadline order.
type pendingQueue []*pending

func (q pendingQueue) Len() int            { return len(q) }
func (q pendingQueue) Less(i, j int) bool  { return q[i].dispatchAt.Before(q[j].dispatchAt) }
func (q pendingQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *pendingQueue) Push(x interface{}) { *q = append(*q, x.(*pending)) }
func (q *pendingQueue) Pop() interface{} {
	old := *q
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return p
}
