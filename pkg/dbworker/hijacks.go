package dbworker

import (
	"context"

	"github.com/hervehildenbrand/bgp-guard/pkg/bus"
	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

func (w *Worker) handleHijackUpdate(ctx context.Context, msg bus.Message) error {
	var n models.HijackNotification
	if err := msg.Decode(&n); err != nil {
		return err
	}
	if err := n.Validate(); err != nil {
		return err
	}
	return w.Aggregate(ctx, n)
}

// Aggregate folds a detector notification into the pending hijack upserts.
// A notification for a key that is no longer persistent sends the events it
// monitors back to detection instead.
func (w *Worker) Aggregate(ctx context.Context, n models.HijackNotification) error {
	persistent, err := w.opts.Cache.IsPersistentKey(ctx, n.Key)
	if err != nil {
		return err
	}
	if !persistent {
		return w.rekey(ctx, n)
	}
	if h, ok := w.buf.hijacks[n.Key]; ok {
		h.Absorb(n)
		return nil
	}
	h := models.NewHijackRecord(n)
	w.buf.hijacks[n.Key] = &h
	return nil
}

// rekey republishes the still unhandled events of a stale hijack for
// detection, clearing their dedup marks so they are accepted again.
func (w *Worker) rekey(ctx context.Context, n models.HijackNotification) error {
	w.opts.Metrics.Rekeys.Inc()
	updates, err := w.opts.Store.UnhandledUpdates(ctx, n.MonitorKeys)
	if err != nil {
		return err
	}
	if err := w.opts.Cache.ForgetUpdates(ctx, n.MonitorKeys); err != nil {
		return err
	}
	if len(updates) == 0 {
		w.opts.Log.Debug("dbworker: stale hijack without unhandled updates", "key", n.Key)
		return nil
	}
	republished := make([]models.UpdateMessage, 0, len(updates))
	for _, u := range updates {
		republished = append(republished, u.Message())
	}
	w.opts.Log.Info("dbworker: republishing updates of stale hijack", "key", n.Key, "updates", len(republished))
	return bus.Publish(ctx, w.opts.Bus, bus.TopicHijackRekey, republished, bus.PriorityLow)
}
