package dbworker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hervehildenbrand/bgp-guard/pkg/cache"
	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

// Bootstrap rebuilds the shared cache from the store: active hijacks, the
// dedup marks of recent events, the announcements of active hijacks and the
// monitor peers. Each step runs even if an earlier one failed.
func (w *Worker) Bootstrap(ctx context.Context) error {
	var errs []error
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("hijacks", func() error {
		hijacks, err := w.opts.Store.ActiveHijacks(ctx)
		if err != nil {
			return err
		}
		w.opts.Log.Info("dbworker: restoring active hijacks", "count", len(hijacks))
		return w.opts.Cache.LoadHijacks(ctx, hijacks)
	})

	step("update keys", func() error {
		updates, err := w.opts.Store.RecentUpdates(ctx, w.opts.Clock.Now().Add(-w.opts.DedupWindow))
		if err != nil {
			return err
		}
		stamps := make([]cache.UpdateStamp, 0, len(updates))
		for _, u := range updates {
			stamps = append(stamps, cache.UpdateStamp{Key: u.Key, Timestamp: u.Timestamp})
		}
		return w.opts.Cache.LoadUpdateKeys(ctx, stamps, w.opts.DedupWindow)
	})

	step("hijack links", func() error {
		announcements, err := w.opts.Store.ActiveAnnouncements(ctx)
		if err != nil {
			return err
		}
		links := make([]cache.HijackLink, 0, len(announcements))
		for _, a := range announcements {
			links = append(links, cache.HijackLink{
				CacheKey: models.HijackCacheKey(a.HijackPrefix, a.HijackAS, a.HijackType),
				Prefix:   a.Prefix,
				PeerASN:  a.PeerASN,
				ASPath:   a.ASPath,
			})
		}
		return w.opts.Cache.LoadHijackLinks(ctx, links)
	})

	step("peers", func() error {
		peers, err := w.opts.Store.DistinctPeers(ctx)
		if err != nil {
			return err
		}
		n, err := w.opts.Cache.LoadPeers(ctx, peers)
		if err != nil {
			return err
		}
		w.monitorPeers = n
		w.opts.Metrics.MonitorPeers.Set(float64(n))
		return w.opts.Store.SetMonitorPeers(ctx, n)
	})

	return errors.Join(errs...)
}
