// Package sweep runs the time-based janitors: command expiry, agent offline
// detection, and idempotency-memo retention. Each pass is a single guarded
// UPDATE or DELETE, so concurrent sweepers and in-flight reports can never
// both win the same row.
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/spotherd/spotherd/internal/clock"
	"github.com/spotherd/spotherd/internal/storage"
	"github.com/spotherd/spotherd/internal/telemetry"
)

// Sweeper periodically expires stale commands, flips silent agents offline,
// and trims old idempotency memos.
type Sweeper struct {
	db     *storage.DB
	clock  clock.Clock
	logger *slog.Logger

	interval         time.Duration
	heartbeatTimeout time.Duration
	memoTTL          time.Duration
	lastMemoTrim     time.Time

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once

	commandsExpired metric.Int64Counter
	agentsOffline   metric.Int64Counter
}

// New creates a sweeper. heartbeatTimeout is how long an agent may stay
// silent before it is flipped offline; memoTTL bounds idempotency-memo
// retention.
func New(db *storage.DB, clk clock.Clock, logger *slog.Logger, interval, heartbeatTimeout, memoTTL time.Duration) *Sweeper {
	meter := telemetry.Meter("spotherd/sweep")
	expired, _ := meter.Int64Counter("spotherd.commands.expired",
		metric.WithDescription("Commands transitioned to expired by the sweep"),
	)
	offline, _ := meter.Int64Counter("spotherd.agents.offline",
		metric.WithDescription("Agents flipped offline by the heartbeat sweep"),
	)
	return &Sweeper{
		db:               db,
		clock:            clk,
		logger:           logger,
		interval:         interval,
		heartbeatTimeout: heartbeatTimeout,
		memoTTL:          memoTTL,
		done:             make(chan struct{}),
		commandsExpired:  expired,
		agentsOffline:    offline,
	}
}

// Start begins the sweep loop. Safe to call only once.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("sweep: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go s.loop(loopCtx)
}

// Drain stops the loop and blocks until it exits or the context expires.
func (s *Sweeper) Drain(ctx context.Context) {
	if s.cancelLoop != nil {
		s.cancelLoop()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("sweep: drain timed out")
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.once.Do(func() { close(s.done) })
			return
		case <-ticker.C():
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			s.Sweep(sweepCtx)
			cancel()
		}
	}
}

// Sweep runs one pass of all three janitors. Exported so tests can drive it
// deterministically.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.clock.Now()

	expired, err := s.db.SweepExpiredCommands(ctx, now)
	if err != nil {
		s.logger.Error("sweep: expire commands", "error", err)
	} else if expired > 0 {
		s.commandsExpired.Add(ctx, expired)
		s.logger.Info("sweep: commands expired", "count", expired)
	}

	offline, err := s.db.SweepOffline(ctx, now.Add(-s.heartbeatTimeout))
	if err != nil {
		s.logger.Error("sweep: offline agents", "error", err)
	} else if offline > 0 {
		s.agentsOffline.Add(ctx, offline)
		s.logger.Info("sweep: agents flipped offline", "count", offline)
	}

	// Memo retention is cheap but there is no point running it every few
	// seconds; once an hour is plenty.
	if now.Sub(s.lastMemoTrim) >= time.Hour {
		trimmed, err := s.db.CleanupOperationResults(ctx, s.memoTTL)
		if err != nil {
			s.logger.Error("sweep: trim operation results", "error", err)
		} else if trimmed > 0 {
			s.logger.Info("sweep: operation results trimmed", "count", trimmed)
		}
		s.lastMemoTrim = now
	}
}
