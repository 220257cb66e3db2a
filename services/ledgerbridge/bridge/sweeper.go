package bridge

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically replays journaled submissions whose receipts were not
// observed before the caller's deadline.
type Sweeper struct {
	bridge   *Bridge
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper constructs a sweeper. A non-positive interval defaults to 30s.
func NewSweeper(bridge *Bridge, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{bridge: bridge, interval: interval, logger: logger}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil || s.bridge == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and logs its outcome.
func (s *Sweeper) RunOnce(ctx context.Context) {
	remaining, err := s.bridge.Sweep(ctx)
	if err != nil {
		s.logger.Error("journal sweep failed", slog.Any("error", err))
		return
	}
	if remaining > 0 {
		s.logger.Info("journal sweep complete", slog.Int("pending", remaining))
	}
}
