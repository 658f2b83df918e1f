package dbworker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hervehildenbrand/bgp-guard/pkg/database"
	"github.com/hervehildenbrand/bgp-guard/pkg/hijacklog"
	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

// correlate matches buffered withdrawals, oldest first, against the active
// hijacks announced on the same prefix by the same peer. It returns the
// number of withdrawals processed.
func (w *Worker) correlate(ctx context.Context, withdrawals []models.BGPWithdrawal) (int64, error) {
	sort.Slice(withdrawals, func(i, j int) bool {
		if !withdrawals[i].Timestamp.Equal(withdrawals[j].Timestamp) {
			return withdrawals[i].Timestamp.Before(withdrawals[j].Timestamp)
		}
		return withdrawals[i].Key < withdrawals[j].Key
	})

	threshold := w.stalenessThreshold()
	var (
		links     []database.Association
		unmatched []string
		errs      []error
	)
	for _, wd := range withdrawals {
		candidates, err := w.opts.Store.WithdrawalCandidates(ctx, wd.Prefix, wd.PeerASN, threshold)
		if err != nil {
			errs = append(errs, fmt.Errorf("withdrawal %s: %w", wd.Key, err))
			continue
		}
		if len(candidates) == 0 {
			unmatched = append(unmatched, wd.Key)
			continue
		}
		for _, c := range candidates {
			links = append(links, database.Association{HijackKey: c.HijackKey, UpdateKey: wd.Key})
			if err := w.withdrawFrom(ctx, wd, c); err != nil {
				errs = append(errs, fmt.Errorf("withdrawal %s of hijack %s: %w", wd.Key, c.HijackKey, err))
			}
		}
	}

	if _, err := w.associate(ctx, links); err != nil {
		errs = append(errs, err)
	}
	if len(unmatched) > 0 {
		if _, err := w.opts.Store.MarkHandled(ctx, unmatched); err != nil {
			errs = append(errs, err)
		}
	}
	return int64(len(withdrawals)), errors.Join(errs...)
}

// withdrawFrom applies one withdrawal to one candidate hijack.
func (w *Worker) withdrawFrom(ctx context.Context, wd models.BGPWithdrawal, c database.WithdrawalCandidate) error {
	// The peer announced again after withdrawing: nothing to withdraw. A
	// later re-announcement reinstates the peer when its hijack is upserted.
	if c.AnnouncedAt.After(wd.Timestamp) {
		return nil
	}
	if !models.ContainsASN(c.PeersSeen, wd.PeerASN) || models.ContainsASN(c.PeersWithdrawn, wd.PeerASN) {
		return nil
	}
	withdrawn := models.UnionASNs(c.PeersWithdrawn, []int64{wd.PeerASN})
	timeLast := maxTime(wd.Timestamp, c.TimeLast)

	if len(models.IntersectASNs(withdrawn, c.PeersSeen)) < len(models.UnionASNs(nil, c.PeersSeen)) {
		return w.opts.Store.WithdrawPeer(ctx, c.HijackKey, withdrawn, timeLast)
	}

	cacheKey := models.HijackCacheKey(wd.Prefix, c.HijackAS, c.Type)
	snapshot, cached, err := w.opts.Cache.HijackSnapshot(ctx, cacheKey)
	if err != nil {
		w.opts.Log.Warn("dbworker: failed to read cached hijack", "key", c.HijackKey, "error", err)
	}
	if err := w.opts.Cache.PurgeHijack(ctx, cacheKey, c.HijackKey); err != nil {
		return err
	}
	if err := w.opts.Store.MarkWithdrawn(ctx, c.HijackKey, withdrawn, timeLast, w.opts.Clock.Now()); err != nil {
		return err
	}
	w.opts.Metrics.HijacksWithdrawn.Inc()
	w.opts.Log.Info("dbworker: hijack withdrawn", "key", c.HijackKey, "prefix", wd.Prefix, "hijack_as", c.HijackAS)
	if cached {
		w.opts.HijackLog.Log(ctx, snapshot, hijacklog.EndTagWithdrawn)
	}
	return nil
}

// associate applies hijack links. Links whose update key belongs to a single
// hijack go out in one batch; the others are applied one at a time so no
// statement updates the same row twice.
func (w *Worker) associate(ctx context.Context, links []database.Association) (int64, error) {
	if len(links) == 0 {
		return 0, nil
	}
	byUpdate := make(map[string]map[string]struct{})
	for _, l := range links {
		if byUpdate[l.UpdateKey] == nil {
			byUpdate[l.UpdateKey] = make(map[string]struct{})
		}
		byUpdate[l.UpdateKey][l.HijackKey] = struct{}{}
	}

	var parallel, serial []database.Association
	for updateKey, hijacks := range byUpdate {
		for hijackKey := range hijacks {
			l := database.Association{HijackKey: hijackKey, UpdateKey: updateKey}
			if len(hijacks) == 1 {
				parallel = append(parallel, l)
			} else {
				serial = append(serial, l)
			}
		}
	}
	sortLinks(parallel)
	sortLinks(serial)

	total, err := w.opts.Store.AssociateBatch(ctx, parallel)
	if err != nil {
		return total, err
	}
	for _, l := range serial {
		n, err := w.opts.Store.Associate(ctx, l)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func sortLinks(links []database.Association) {
	sort.Slice(links, func(i, j int) bool {
		if links[i].UpdateKey != links[j].UpdateKey {
			return links[i].UpdateKey < links[j].UpdateKey
		}
		return links[i].HijackKey < links[j].HijackKey
	})
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
