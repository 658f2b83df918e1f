// Package mitigation dispatches operator mitigation requests to the action
// configured for the hijacked prefix.
package mitigation

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/jonboulle/clockwork"

	"github.com/hervehildenbrand/bgp-guard/pkg/bus"
	"github.com/hervehildenbrand/bgp-guard/pkg/configsync"
	"github.com/hervehildenbrand/bgp-guard/pkg/metrics"
	"github.com/hervehildenbrand/bgp-guard/pkg/models"
	"github.com/hervehildenbrand/bgp-guard/pkg/prefixtree"
)

// ActionManual marks prefixes that operators mitigate by hand.
const ActionManual = "manual"

// Mitigation results, as counted by the mitigations metric.
const (
	ResultManual = "manual"
	ResultScript = "script"
	ResultNoRule = "no_rule"
	ResultFailed = "failed"
)

// Options configures a Dispatcher.
type Options struct {
	Bus     bus.Bus
	Runner  Runner
	Clock   clockwork.Clock
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// Dispatcher resolves a hijacked prefix to its most specific mitigation
// rule and runs the first action of that rule.
type Dispatcher struct {
	opts   Options
	config *configsync.Synchronizer[[]string]
}

func New(opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Dispatcher{
		opts: opts,
		config: configsync.New(configsync.Options[[]string]{
			Bus:     opts.Bus,
			Payload: prefixtree.MitigationActions,
			Clock:   opts.Clock,
			Metrics: opts.Metrics,
			Log:     opts.Log,
		}),
	}
}

// Config returns the configuration synchronizer of the dispatcher.
func (d *Dispatcher) Config() *configsync.Synchronizer[[]string] {
	return d.config
}

// Subscriptions are the topics the dispatcher consumes once configured.
func (d *Dispatcher) Subscriptions() []bus.Subscription {
	return append(d.config.Subscriptions(), bus.Subscription{Topic: bus.TopicMitigationRequest})
}

// Run waits for the first configuration and then handles requests until
// ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.config.Wait(ctx); err != nil {
		return fmt.Errorf("wait for configuration: %w", err)
	}
	d.opts.Log.Info("mitigation: configured and running", "version", d.config.Version())
	return d.opts.Bus.Consume(ctx, d.Subscriptions(), d.Handle)
}

// Handle dispatches one message. Failures and panics are logged.
func (d *Dispatcher) Handle(ctx context.Context, msg bus.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.opts.Metrics.HandlerErrors.WithLabelValues(msg.Topic).Inc()
			d.opts.Log.Error("mitigation: handler panicked", "topic", msg.Topic, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	d.opts.Metrics.Messages.WithLabelValues(msg.Topic).Inc()

	var err error
	switch {
	case d.config.Handles(msg):
		_, err = d.config.Handle(ctx, msg)
	case msg.Topic == bus.TopicMitigationRequest:
		err = d.mitigate(ctx, msg)
	default:
		d.opts.Log.Warn("mitigation: dropping message on unexpected topic", "topic", msg.Topic)
	}
	if err != nil {
		d.opts.Metrics.HandlerErrors.WithLabelValues(msg.Topic).Inc()
		d.opts.Log.Error("mitigation: handler failed", "topic", msg.Topic, "id", msg.ID, "error", err)
	}
}

// Action returns the mitigation action configured for prefix.
func (d *Dispatcher) Action(prefix string) (string, bool, error) {
	index, err := d.config.Index()
	if err != nil {
		return "", false, err
	}
	match, ok := index.Lookup(prefix)
	if !ok {
		return "", false, nil
	}
	actions := match.Last()
	if len(actions) == 0 {
		return "", false, nil
	}
	return actions[0], true, nil
}

// mitigate starts the configured action and announces the start. The
// event is passed to scripts exactly as received.
func (d *Dispatcher) mitigate(ctx context.Context, msg bus.Message) error {
	var req models.MitigationRequest
	if err := msg.Decode(&req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	action, ok, err := d.Action(req.Prefix)
	if err != nil {
		return err
	}
	if !ok {
		d.opts.Metrics.Mitigations.WithLabelValues(ResultNoRule).Inc()
		d.opts.Log.Warn("mitigation: no rule for hijack", "key", req.Key, "prefix", req.Prefix)
		return nil
	}

	result := ResultManual
	if action == ActionManual {
		d.opts.Log.Info("mitigation: starting manual mitigation", "key", req.Key, "prefix", req.Prefix, "hijack_as", req.HijackAS)
	} else {
		d.opts.Log.Info("mitigation: starting scripted mitigation", "key", req.Key, "prefix", req.Prefix, "script", action)
		if err := d.opts.Runner.Run(ctx, action, msg.Body); err != nil {
			d.opts.Metrics.Mitigations.WithLabelValues(ResultFailed).Inc()
			return fmt.Errorf("run %s for %s: %w", action, req.Key, err)
		}
		result = ResultScript
	}
	d.opts.Metrics.Mitigations.WithLabelValues(result).Inc()

	started := models.MitigationStartMessage{Key: req.Key, Time: models.Epoch(d.opts.Clock.Now())}
	return bus.Publish(ctx, d.opts.Bus, bus.TopicMitigationStart, started, bus.PriorityNormal)
}
