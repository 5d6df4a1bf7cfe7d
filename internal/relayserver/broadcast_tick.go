// Package relayserver wires sessions to the room registry: the per-connection
// message handler and the periodic state broadcast.
package relayserver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/posrelay/internal/observability"
	"github.com/cory-johannsen/posrelay/internal/relay/protocol"
	"github.com/cory-johannsen/posrelay/internal/relay/room"
)

// TickReport summarises one broadcast pass.
type TickReport struct {
	// Rooms is the set of room IDs a state frame was built for.
	Rooms []string
	// Sent is the number of frames accepted by session outboxes.
	Sent int
	// Dropped is the number of frames skipped for full or closed outboxes.
	Dropped int
}

// BroadcastScheduler pushes a full state frame for every non-empty room to each
// of its members on a fixed interval. It only reads the registry.
//
// Invariant: one tick never blocks on a slow session; sends are non-blocking.
type BroadcastScheduler struct {
	interval time.Duration
	registry *room.Registry
	logger   *zap.Logger
	metrics  *observability.Metrics

	mu     sync.Mutex
	onTick func(TickReport)
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBroadcastScheduler returns a scheduler that ticks every interval.
//
// Precondition: interval must be > 0; registry, logger and metrics must be non-nil.
func NewBroadcastScheduler(interval time.Duration, registry *room.Registry, logger *zap.Logger, metrics *observability.Metrics) *BroadcastScheduler {
	if interval <= 0 {
		panic("relayserver.NewBroadcastScheduler: interval must be > 0")
	}
	return &BroadcastScheduler{
		interval: interval,
		registry: registry,
		logger:   logger,
		metrics:  metrics,
	}
}

// OnTick registers fn to observe every tick report. Replaces any existing observer.
func (s *BroadcastScheduler) OnTick(fn func(TickReport)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTick = fn
}

// Tick performs one broadcast pass immediately.
func (s *BroadcastScheduler) Tick() TickReport {
	var report TickReport
	for _, f := range s.registry.Frames() {
		if len(f.Recipients) == 0 {
			continue
		}
		frame, err := protocol.Encode(protocol.NewState(f.RoomID, f.Players))
		if err != nil {
			s.logger.Error("encoding room state", zap.String("room", f.RoomID), zap.Error(err))
			continue
		}
		sent := room.Deliver(f.Recipients, protocol.TypeState, frame, s.metrics)
		report.Rooms = append(report.Rooms, f.RoomID)
		report.Sent += sent
		report.Dropped += len(f.Recipients) - sent
	}
	s.metrics.Ticks.Inc()

	s.mu.Lock()
	fn := s.onTick
	s.mu.Unlock()
	if fn != nil {
		fn(report)
	}
	return report
}

// Start begins the tick loop. Runs until ctx is cancelled or Stop is called.
//
// Postcondition: Tick runs once per interval in a single goroutine.
func (s *BroadcastScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	s.logger.Info("broadcast scheduler started", zap.Duration("interval", s.interval))
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
}

// Stop cancels the tick loop and waits for it to exit. Safe to call when not started.
func (s *BroadcastScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("broadcast scheduler stopped")
}
