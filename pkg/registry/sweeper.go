package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrreg/internal/telemetry"
)

const DefaultSweepInterval = 10 * time.Second

// Sweepable is anything that can run one expiry pass.
type Sweepable interface {
	Sweep(ctx context.Context) ([]string, error)
}

// Sweeper triggers an expiry pass on a fixed interval until its context is
// cancelled. A failing pass is logged and the next tick runs as usual.
type Sweeper struct {
	target   Sweepable
	interval time.Duration
	clk      clockwork.Clock
	logger   *zap.Logger
}

func NewSweeper(target Sweepable, interval time.Duration, clk clockwork.Clock, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{target: target, interval: interval, clk: clk, logger: logger}
}

func (w *Sweeper) Run(ctx context.Context) {
	t := w.clk.NewTicker(w.interval)
	defer t.Stop()
	w.logger.Info("sweeper started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sweeper stopped")
			return
		case <-t.Chan():
			w.sweepOnce(ctx)
		}
	}
}

func (w *Sweeper) sweepOnce(ctx context.Context) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep panicked: %v", r)
		}
		if err != nil && ctx.Err() == nil {
			telemetry.SweepFailures.Inc()
			w.logger.Error("sweep failed", zap.Error(err))
		}
	}()

	removed, err := w.target.Sweep(ctx)
	if err == nil && len(removed) > 0 {
		w.logger.Info("sweep evicted members", zap.Strings("names", removed))
	}
}
