package dbworker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hervehildenbrand/bgp-guard/pkg/bus"
	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

const ongoingBucketSize = 10

// requestTimestamp accepts a bare JSON number or an object with a
// timestamp field.
func requestTimestamp(body json.RawMessage) (float64, error) {
	var ts float64
	if err := json.Unmarshal(body, &ts); err == nil {
		return ts, nil
	}
	var req struct {
		Timestamp *float64 `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Timestamp == nil {
		return 0, fmt.Errorf("%w: ongoing request %s", models.ErrInvalidMessage, body)
	}
	return *req.Timestamp, nil
}

// handleOngoingRequest answers the first request carrying a given timestamp
// across all worker processes with the events of every ongoing hijack.
func (w *Worker) handleOngoingRequest(ctx context.Context, msg bus.Message) error {
	ts, err := requestTimestamp(msg.Body)
	if err != nil {
		return err
	}
	moved, err := w.opts.Cache.AdvanceHandledTimestamp(ctx, ts)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	_, err = w.PublishOngoing(ctx)
	return err
}

// PublishOngoing sends the handled announcements of active hijacks in
// buckets of ongoingBucketSize and returns how many were sent.
func (w *Worker) PublishOngoing(ctx context.Context) (int, error) {
	updates, err := w.opts.Store.OngoingUpdates(ctx)
	if err != nil {
		return 0, err
	}
	for start := 0; start < len(updates); start += ongoingBucketSize {
		end := min(start+ongoingBucketSize, len(updates))
		if err := bus.Publish(ctx, w.opts.Bus, bus.TopicHijackOngoing, updates[start:end], bus.PriorityLow); err != nil {
			return start, err
		}
	}
	w.opts.Log.Debug("dbworker: published ongoing hijack updates", "updates", len(updates))
	return len(updates), nil
}
