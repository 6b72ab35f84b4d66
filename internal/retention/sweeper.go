// Package retention bounds the growth of the backing store: old log records
// are purged after a fixed window and expired sandboxes are stopped.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/agentbox/agentbox/internal/bus"
	"github.com/agentbox/agentbox/internal/channel"
	"github.com/agentbox/agentbox/internal/emitter"
	"github.com/agentbox/agentbox/internal/store"
)

// SystemScope is the log channel-scope used for the sweeper's own audit
// records, which belong to no sandbox.
const SystemScope = "system"

type Sweeper struct {
	store    *store.Store
	emitter  *emitter.Emitter
	maxAge   time.Duration
	interval time.Duration
	clock    clock.Clock

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewSweeper(st *store.Store, em *emitter.Emitter, maxAge, interval time.Duration, clk clock.Clock) *Sweeper {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Sweeper{
		store:    st,
		emitter:  em,
		maxAge:   maxAge,
		interval: interval,
		clock:    clk,
	}
}

// Start runs the sweep on a fixed interval until Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx)
}

func (s *Sweeper) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
	})
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	timer := s.clock.NewTimer(s.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
		}
		if err := s.SweepOnce(ctx); err != nil {
			slog.WarnContext(ctx, "retention sweep failed", slog.Any("err", err))
		}
		timer.Reset(s.interval)
	}
}

// SweepOnce purges logs older than the retention window and stops expired
// sandboxes. When records were purged, one audit log record is appended and
// broadcast so observers can see the cleanup happened.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	now := s.clock.Now()

	purged, err := s.store.PurgeLogsBefore(ctx, now.Add(-s.maxAge))
	if err != nil {
		return fmt.Errorf("purge logs: %w", err)
	}
	if purged > 0 {
		rec := &store.LogRecord{
			SandboxID: SystemScope,
			LogType:   store.LogTypeStdout,
			Content:   fmt.Sprintf("retention sweep removed %d log records older than %s", purged, s.maxAge),
			Source:    "retention",
			CreatedAt: now,
		}
		if err := s.emitter.EmitLog(ctx, rec, map[string]any{"purged": purged}); err != nil {
			slog.WarnContext(ctx, "retention audit record failed", slog.Any("err", err))
		}
		slog.InfoContext(ctx, "retention sweep completed", slog.Int64("purged", purged))
	}

	expired, err := s.store.ExpiredSandboxes(ctx, now)
	if err != nil {
		return fmt.Errorf("list expired sandboxes: %w", err)
	}
	for _, sb := range expired {
		if err := s.store.UpdateSandboxStatus(ctx, sb.ID, store.SandboxStatusStopped); err != nil {
			slog.WarnContext(ctx, "expired sandbox stop failed",
				slog.String("sandbox", sb.ID), slog.Any("err", err))
			continue
		}
		s.emitter.Emit(ctx, channel.Sandbox(sb.ID), bus.TypeStatusUpdate, emitter.StatusBroadcast{
			EntityID: sb.ID,
			Status:   store.SandboxStatusStopped,
			Detail:   "sandbox expired",
		})
	}
	return nil
}
