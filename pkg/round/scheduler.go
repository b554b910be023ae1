package round

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/veil/pkg/util"
)

// Tick advances the lifecycle by at most one step: clear an expired Active
// round, or auto-start the next round once the cooldown has passed.
// Concurrent calls collapse into one.
func (m *Machine) Tick(ctx context.Context) {
	if !m.ticking.CompareAndSwap(false, true) {
		return
	}
	defer m.ticking.Store(false)

	m.mu.Lock()
	state := m.state
	expired := state == Active && m.clock.Now().Sub(m.roundStart) >= m.cfg.Duration
	cooled := m.idleSince.IsZero() || m.clock.Now().Sub(m.idleSince) >= m.cfg.Cooldown
	failed := m.failedRound
	roundID := m.roundID
	m.mu.Unlock()

	switch {
	case expired:
		m.log.Infow("round_expired", "round", roundID)
		// failures are logged and published by RunClearing
		_, _ = m.RunClearing(ctx)
	case (state == Pending || state == Completed) && m.cfg.AutoStart && cooled:
		if state == Pending && m.cfg.AutoRefund && failed != 0 {
			if _, err := m.AbandonRound(failed); err != nil {
				m.log.Warnw("auto_refund_failed", "round", failed, "err", err)
			}
		}
		if _, err := m.StartRound(); err != nil {
			m.log.Warnw("auto_start_failed", "err", err)
		}
	}
}

// Scheduler fires Machine.Tick on a fixed interval until stopped.
type Scheduler struct {
	machine  *Machine
	interval time.Duration
	clock    util.Clock
	log      *zap.SugaredLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(m *Machine, interval time.Duration, clock util.Clock, log *zap.SugaredLogger) *Scheduler {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Scheduler{machine: m, interval: interval, clock: clock, log: log}
}

// Start launches the tick loop. It returns false if already running.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	s.log.Infow("scheduler_started", "interval", s.interval.String())
	return true
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	s.machine.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.interval):
			s.machine.Tick(ctx)
		}
	}
}

// Stop halts the loop and waits for an in-progress tick. It returns false
// if the scheduler was not running.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done
	s.log.Infow("scheduler_stopped")
	return true
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// ForceProgress runs one tick immediately.
func (s *Scheduler) ForceProgress(ctx context.Context) {
	s.machine.Tick(ctx)
}
