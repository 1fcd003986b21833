package order

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Watchdog sweeps PENDING orders older than Timeout and cancels them.
// Idempotent against concurrently arriving inventory outcomes: the
// transition is version-checked and terminal orders are never touched.
type Watchdog struct {
	Log       *zap.Logger
	Service   *Service
	Interval  time.Duration
	Timeout   time.Duration
	BatchSize int
}

func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := w.Service.CancelStale(ctx, w.Timeout, w.BatchSize)
			if err != nil {
				w.Log.Error("watchdog sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				w.Log.Info("watchdog cancelled stale orders", zap.Int("count", n))
			}
		}
	}
}
