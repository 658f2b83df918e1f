package dbworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/hervehildenbrand/bgp-guard/pkg/database"
	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

// Flush stages, in execution order.
const (
	StageInsertUpdates    = "insert_updates"
	StageAssociateUpdates = "associate_updates"
	StageUpsertHijacks    = "upsert_hijacks"
	StageWithdrawals      = "withdrawals"
	StageOutdate          = "outdate"
)

// StageReport is the outcome of one flush stage.
type StageReport struct {
	Stage string
	Rows  int64
	Err   error
}

// Report is the outcome of a flush.
type Report struct {
	Stages   []StageReport
	Duration time.Duration
}

// Stage returns the report of the named stage.
func (r Report) Stage(name string) (StageReport, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageReport{}, false
}

// Err joins the stage failures.
func (r Report) Err() error {
	var errs []error
	for _, s := range r.Stages {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Stage, s.Err))
		}
	}
	return errors.Join(errs...)
}

// Log writes the report, one record per failed stage.
func (r Report) Log(log *slog.Logger) {
	attrs := []any{"took", r.Duration}
	for _, s := range r.Stages {
		if s.Err != nil {
			log.Error("dbworker: flush stage failed", "stage", s.Stage, "error", s.Err)
		}
		if s.Rows > 0 {
			attrs = append(attrs, s.Stage, s.Rows)
		}
	}
	log.Debug("dbworker: flushed", attrs...)
}

// Flush writes every buffer to the store. Each stage runs regardless of the
// others and its buffer is cleared whatever the outcome.
func (w *Worker) Flush(ctx context.Context) Report {
	start := w.opts.Clock.Now()
	buf := w.buf
	w.buf = newBuffers()

	hijacks := make([]models.HijackRecord, 0, len(buf.hijacks))
	for _, key := range slices.Sorted(maps.Keys(buf.hijacks)) {
		hijacks = append(hijacks, *buf.hijacks[key])
	}

	var report Report
	run := func(stage string, fn func() (int64, error)) {
		rows, err := fn()
		report.Stages = append(report.Stages, StageReport{Stage: stage, Rows: rows, Err: err})
		if err != nil {
			w.opts.Metrics.FlushFailures.WithLabelValues(stage).Inc()
		}
		w.opts.Metrics.FlushRows.WithLabelValues(stage).Add(float64(rows))
	}

	run(StageInsertUpdates, func() (int64, error) {
		if len(buf.inserts) == 0 {
			return 0, nil
		}
		return w.opts.Store.InsertUpdates(ctx, buf.inserts)
	})
	run(StageAssociateUpdates, func() (int64, error) {
		return w.associateHijackUpdates(ctx, hijacks, buf.handled)
	})
	run(StageUpsertHijacks, func() (int64, error) {
		if len(hijacks) == 0 {
			return 0, nil
		}
		return w.opts.Store.UpsertHijacks(ctx, hijacks)
	})
	run(StageWithdrawals, func() (int64, error) {
		if len(buf.withdrawals) == 0 {
			return 0, nil
		}
		return w.correlate(ctx, slices.Collect(maps.Values(buf.withdrawals)))
	})
	run(StageOutdate, func() (int64, error) {
		if len(buf.outdated) == 0 {
			return 0, nil
		}
		return w.opts.Store.OutdateHijacks(ctx, slices.Sorted(maps.Keys(buf.outdated)))
	})

	report.Duration = w.opts.Clock.Since(start)
	w.opts.Metrics.FlushDuration.Observe(report.Duration.Seconds())
	return report
}

// associateHijackUpdates links every monitored update of the pending hijacks
// to its hijack, then marks the remaining handled updates.
func (w *Worker) associateHijackUpdates(ctx context.Context, hijacks []models.HijackRecord, handled map[string]struct{}) (int64, error) {
	var links []database.Association
	for _, h := range hijacks {
		for _, updateKey := range h.MonitorKeys {
			links = append(links, database.Association{HijackKey: h.Key, UpdateKey: updateKey})
			delete(handled, updateKey)
		}
	}

	var total int64
	if len(links) > 0 {
		if _, err := w.opts.Store.ReinstatePeers(ctx, links, w.stalenessThreshold()); err != nil {
			return 0, err
		}
		n, err := w.associate(ctx, links)
		total += n
		if err != nil {
			return total, err
		}
	}
	if len(handled) > 0 {
		n, err := w.opts.Store.MarkHandled(ctx, slices.Sorted(maps.Keys(handled)))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
