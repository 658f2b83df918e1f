// Package dbworker is the database worker: it buffers route events and
// hijack notifications from the bus, correlates withdrawals with open
// hijacks and flushes everything to the store on every clock tick.
package dbworker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hervehildenbrand/bgp-guard/pkg/bus"
	"github.com/hervehildenbrand/bgp-guard/pkg/cache"
	"github.com/hervehildenbrand/bgp-guard/pkg/configsync"
	"github.com/hervehildenbrand/bgp-guard/pkg/database"
	"github.com/hervehildenbrand/bgp-guard/pkg/hijacklog"
	"github.com/hervehildenbrand/bgp-guard/pkg/metrics"
	"github.com/hervehildenbrand/bgp-guard/pkg/models"
	"github.com/hervehildenbrand/bgp-guard/pkg/prefixtree"
)

const (
	DefaultDedupWindow     = 2 * time.Hour
	DefaultStalenessWindow = 7 * 24 * time.Hour
)

// Options configures a Worker.
type Options struct {
	Bus       bus.Bus
	Cache     cache.Cache
	Store     database.Store
	Clock     clockwork.Clock
	Metrics   *metrics.Metrics
	HijackLog *hijacklog.Logger
	Log       *slog.Logger

	// Historic disables the staleness window of withdrawal correlation.
	Historic        bool
	DedupWindow     time.Duration
	StalenessWindow time.Duration
}

// buffers accumulate work between two flushes.
type buffers struct {
	inserts     []models.BGPUpdate
	withdrawals map[string]models.BGPWithdrawal
	handled     map[string]struct{}
	hijacks     map[string]*models.HijackRecord
	outdated    map[string]struct{}
}

func newBuffers() buffers {
	return buffers{
		withdrawals: make(map[string]models.BGPWithdrawal),
		handled:     make(map[string]struct{}),
		hijacks:     make(map[string]*models.HijackRecord),
		outdated:    make(map[string]struct{}),
	}
}

// Worker holds the state of one database worker process. Handlers run
// sequentially on the consuming goroutine.
type Worker struct {
	opts   Options
	config *configsync.Synchronizer[prefixtree.Conf]
	buf    buffers

	monitorPeers int64
}

// New returns a worker. Zero windows take their defaults.
func New(opts Options) *Worker {
	if opts.DedupWindow == 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.StalenessWindow == 0 {
		opts.StalenessWindow = DefaultStalenessWindow
	}
	if opts.HijackLog == nil {
		opts.HijackLog = hijacklog.NewLogger(hijacklog.NewFormatter(nil, "", nil), nil, opts.Log)
	}
	return &Worker{
		opts: opts,
		config: configsync.New(configsync.Options[prefixtree.Conf]{
			Bus:     opts.Bus,
			Store:   opts.Store,
			Payload: prefixtree.DetectionConf,
			Clock:   opts.Clock,
			Metrics: opts.Metrics,
			Log:     opts.Log,
		}),
		buf: newBuffers(),
	}
}

// Config returns the configuration synchronizer of the worker.
func (w *Worker) Config() *configsync.Synchronizer[prefixtree.Conf] {
	return w.config
}

// stalenessThreshold is the oldest announcement a withdrawal may match.
func (w *Worker) stalenessThreshold() time.Time {
	if w.opts.Historic {
		return time.Time{}
	}
	return w.opts.Clock.Now().Add(-w.opts.StalenessWindow)
}

// Subscriptions are the topics the worker consumes once configured.
func (w *Worker) Subscriptions() []bus.Subscription {
	subs := w.config.Subscriptions()
	for _, topic := range []string{
		bus.TopicUpdate,
		bus.TopicWithdraw,
		bus.TopicHandledUpdate,
		bus.TopicHijackOutdate,
		bus.TopicHijackResolve,
		bus.TopicHijackIgnore,
		bus.TopicHijackDelete,
		bus.TopicHijackSeen,
		bus.TopicHijackComment,
		bus.TopicHijackMultipleAction,
		bus.TopicMitigationStart,
	} {
		subs = append(subs, bus.Subscription{Topic: topic})
	}
	for _, topic := range []string{
		bus.TopicHijackUpdate,
		bus.TopicDBClock,
		bus.TopicHijackOngoingRequest,
	} {
		subs = append(subs, bus.Subscription{Topic: topic, Broadcast: true})
	}
	return subs
}

// Run bootstraps the cache, waits for the first configuration and then
// handles messages until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Bootstrap(ctx); err != nil {
		w.opts.Log.Error("dbworker: cache bootstrap failed", "error", err)
	}
	if err := w.config.Wait(ctx); err != nil {
		return fmt.Errorf("wait for configuration: %w", err)
	}
	w.opts.Log.Info("dbworker: configured and running", "version", w.config.Version())
	return w.opts.Bus.Consume(ctx, w.Subscriptions(), w.Handle)
}

// Handle dispatches one message. Failures and panics are logged and never
// stop the worker.
func (w *Worker) Handle(ctx context.Context, msg bus.Message) {
	defer func() {
		if r := recover(); r != nil {
			w.opts.Metrics.HandlerErrors.WithLabelValues(msg.Topic).Inc()
			w.opts.Log.Error("dbworker: handler panicked", "topic", msg.Topic, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	w.opts.Metrics.Messages.WithLabelValues(msg.Topic).Inc()
	if err := w.dispatch(ctx, msg); err != nil {
		w.opts.Metrics.HandlerErrors.WithLabelValues(msg.Topic).Inc()
		w.opts.Log.Error("dbworker: handler failed", "topic", msg.Topic, "id", msg.ID, "error", err)
	}
}

func (w *Worker) dispatch(ctx context.Context, msg bus.Message) error {
	if w.config.Handles(msg) {
		_, err := w.config.Handle(ctx, msg)
		return err
	}
	switch msg.Topic {
	case bus.TopicUpdate:
		return w.handleUpdate(ctx, msg)
	case bus.TopicWithdraw:
		return w.handleWithdraw(msg)
	case bus.TopicHandledUpdate:
		return w.handleHandled(msg)
	case bus.TopicHijackOutdate:
		return w.handleOutdate(msg)
	case bus.TopicHijackUpdate:
		return w.handleHijackUpdate(ctx, msg)
	case bus.TopicDBClock:
		return w.handleClock(ctx, msg)
	case bus.TopicHijackResolve:
		return w.handleSingleAction(ctx, msg, ActionResolve)
	case bus.TopicHijackIgnore:
		return w.handleSingleAction(ctx, msg, ActionIgnore)
	case bus.TopicHijackDelete:
		return w.handleSingleAction(ctx, msg, ActionDelete)
	case bus.TopicHijackSeen:
		return w.handleSeen(ctx, msg)
	case bus.TopicHijackComment:
		return w.handleComment(ctx, msg)
	case bus.TopicHijackMultipleAction:
		return w.handleMultipleAction(ctx, msg)
	case bus.TopicMitigationStart:
		return w.handleMitigationStart(ctx, msg)
	case bus.TopicHijackOngoingRequest:
		return w.handleOngoingRequest(ctx, msg)
	}
	w.opts.Log.Warn("dbworker: dropping message on unexpected topic", "topic", msg.Topic)
	return nil
}

func (w *Worker) handleClock(ctx context.Context, msg bus.Message) error {
	var instr models.SchedulerInstruction
	if err := msg.Decode(&instr); err != nil {
		return err
	}
	if instr.Op != models.OpBulkOperation {
		w.opts.Log.Warn("dbworker: unknown scheduler instruction", "op", instr.Op)
		return nil
	}
	report := w.Flush(ctx)
	report.Log(w.opts.Log)
	return nil
}
