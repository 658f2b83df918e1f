package dbworker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hervehildenbrand/bgp-guard/pkg/bus"
	"github.com/hervehildenbrand/bgp-guard/pkg/metrics"
	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

func (w *Worker) handleUpdate(ctx context.Context, msg bus.Message) error {
	var u models.UpdateMessage
	if err := msg.Decode(&u); err != nil {
		w.opts.Metrics.Updates.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return err
	}
	u.FillKey()
	if err := u.Validate(); err != nil {
		w.opts.Metrics.Updates.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return err
	}
	_, err := w.Ingest(ctx, u)
	return err
}

// Ingest buffers a route event for insertion unless it was seen within the
// dedup window or falls outside the configured space. Every sighting
// restarts the window. It reports whether the event was buffered.
func (w *Worker) Ingest(ctx context.Context, u models.UpdateMessage) (bool, error) {
	index, err := w.config.Index()
	if err != nil {
		return false, err
	}
	seen, err := w.opts.Cache.SeenUpdate(ctx, u.Key, w.opts.DedupWindow)
	if err != nil {
		return false, err
	}
	if seen {
		w.opts.Metrics.Updates.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		return false, nil
	}
	match, ok := index.Lookup(u.Prefix)
	if !ok {
		w.opts.Metrics.Updates.WithLabelValues(metrics.OutcomeOutOfScope).Inc()
		return false, nil
	}

	w.buf.inserts = append(w.buf.inserts, models.NewBGPUpdate(u, match.Prefix.String()))
	w.opts.Metrics.Updates.WithLabelValues(metrics.OutcomeBuffered).Inc()

	if err := w.recordPeer(ctx, u.PeerASN); err != nil {
		return true, err
	}
	return true, nil
}

// recordPeer persists the monitor peer count whenever it changes.
func (w *Worker) recordPeer(ctx context.Context, asn int64) error {
	n, err := w.opts.Cache.AddPeer(ctx, asn)
	if err != nil {
		return err
	}
	if n == w.monitorPeers {
		return nil
	}
	w.monitorPeers = n
	w.opts.Metrics.MonitorPeers.Set(float64(n))
	if err := w.opts.Store.SetMonitorPeers(ctx, n); err != nil {
		return fmt.Errorf("persist monitor peers: %w", err)
	}
	return nil
}

func (w *Worker) handleWithdraw(msg bus.Message) error {
	var wd models.WithdrawalMessage
	if err := msg.Decode(&wd); err != nil {
		return err
	}
	wd.FillKey()
	if err := wd.Validate(); err != nil {
		return err
	}
	w.buf.withdrawals[wd.Key] = models.BGPWithdrawal{
		Prefix:    wd.Prefix,
		PeerASN:   wd.PeerASN,
		Timestamp: models.EpochTime(wd.Timestamp),
		Key:       wd.Key,
	}
	return nil
}

// handledKey accepts a bare JSON string or an object with a key field.
func handledKey(body json.RawMessage) (string, error) {
	var key string
	if err := json.Unmarshal(body, &key); err == nil {
		if key == "" {
			return "", fmt.Errorf("%w: empty handled update key", models.ErrInvalidMessage)
		}
		return key, nil
	}
	var ref struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(body, &ref); err != nil || ref.Key == "" {
		return "", fmt.Errorf("%w: handled update %s", models.ErrInvalidMessage, body)
	}
	return ref.Key, nil
}

func (w *Worker) handleHandled(msg bus.Message) error {
	key, err := handledKey(msg.Body)
	if err != nil {
		return err
	}
	w.buf.handled[key] = struct{}{}
	return nil
}

func (w *Worker) handleOutdate(msg bus.Message) error {
	var m models.OutdateMessage
	if err := msg.Decode(&m); err != nil {
		return err
	}
	if m.PersistentHijackKey == "" {
		return fmt.Errorf("%w: outdate without key", models.ErrInvalidMessage)
	}
	w.buf.outdated[m.PersistentHijackKey] = struct{}{}
	return nil
}
