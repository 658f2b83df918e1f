// Package pulse publishes the flush instruction the database workers act on.
package pulse

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hervehildenbrand/bgp-guard/pkg/bus"
	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Bus      bus.Bus
	Interval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Bus == nil {
		return errors.New("bus is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Ticker publishes {"op":"bulk_operation"} on db-clock every interval.
type Ticker struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Ticker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ticker{log: cfg.Logger, cfg: cfg}, nil
}

// Run ticks until ctx is done. Publish failures are logged and the next
// tick is tried.
func (t *Ticker) Run(ctx context.Context) error {
	t.log.Info("pulse: starting", "interval", t.cfg.Interval)
	ticker := t.cfg.Clock.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := t.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				t.log.Error("pulse: failed to publish tick", "error", err)
			}
		}
	}
}

// Tick publishes one flush instruction.
func (t *Ticker) Tick(ctx context.Context) error {
	return bus.Publish(ctx, t.cfg.Bus, bus.TopicDBClock, models.SchedulerInstruction{Op: models.OpBulkOperation}, bus.PriorityNormal)
}
