package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matthewcove-stack/intent-normaliser/internal/engine"
)

const defaultSweepInterval = time.Minute

// Sweeper expires overdue clarifications in the background so that the
// expiry policy applies even when nobody lists or answers them.
type Sweeper struct {
	Engine   engine.Engine
	Interval time.Duration
	Logger   *zap.Logger
}

// NewSweeper builds a sweeper from the engine's configured interval.
func NewSweeper(e engine.Engine, logger *zap.Logger) *Sweeper {
	interval := defaultSweepInterval
	if e.Config != nil && e.Config.Clarification.SweepIntervalSeconds > 0 {
		interval = time.Duration(e.Config.Clarification.SweepIntervalSeconds) * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{Engine: e, Interval: interval, Logger: logger}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.Engine.ExpireStale(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.Logger.Warn("clarification sweep failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		s.Logger.Info("clarifications expired", zap.Int("count", n))
	}
}
