// Package configsync keeps a worker's rule index in step with the
// configuration service.
package configsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/hervehildenbrand/bgp-guard/pkg/bus"
	"github.com/hervehildenbrand/bgp-guard/pkg/metrics"
	"github.com/hervehildenbrand/bgp-guard/pkg/models"
	"github.com/hervehildenbrand/bgp-guard/pkg/prefixtree"
)

// ErrNotConfigured is returned by lookups that run before the first
// configuration arrived.
var ErrNotConfigured = errors.New("not configured")

// State is the synchronization state.
type State int

const (
	Unconfigured State = iota
	Syncing
	Configured
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Syncing:
		return "syncing"
	case Configured:
		return "configured"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Store persists configuration history and prefix statistics.
type Store interface {
	LatestConfigKey(ctx context.Context) (string, bool, error)
	SaveConfig(ctx context.Context, cfg models.StoredConfig) error
	SetPrefixStats(ctx context.Context, configured, monitored uint64) error
}

// Options configures a Synchronizer.
type Options[T any] struct {
	Bus bus.Bus
	// Store is optional; without it nothing is persisted.
	Store   Store
	Payload func(models.Rule) (T, error)
	Clock   clockwork.Clock
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// Synchronizer is the UNCONFIGURED -> SYNCING -> CONFIGURED state machine.
// Configurations apply only when their timestamp is strictly greater than
// the one in use.
type Synchronizer[T any] struct {
	opts  Options[T]
	index prefixtree.Current[T]

	mu      sync.Mutex
	state   State
	version float64
	pending string
}

// New returns an unconfigured synchronizer.
func New[T any](opts Options[T]) *Synchronizer[T] {
	return &Synchronizer[T]{opts: opts}
}

// State returns the current state.
func (s *Synchronizer[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Version returns the timestamp of the configuration in use.
func (s *Synchronizer[T]) Version() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Index returns the index in use.
func (s *Synchronizer[T]) Index() (*prefixtree.Index[T], error) {
	x := s.index.Load()
	if x == nil {
		return nil, ErrNotConfigured
	}
	return x, nil
}

// Request asks the configuration service for the current configuration.
// Only the reply carrying the returned correlation id is accepted.
func (s *Synchronizer[T]) Request(ctx context.Context) error {
	id, err := bus.Request(ctx, s.opts.Bus, bus.TopicConfigRequest, struct{}{})
	if err != nil {
		return fmt.Errorf("request configuration: %w", err)
	}
	s.mu.Lock()
	s.pending = id
	if s.state == Unconfigured {
		s.state = Syncing
	}
	s.mu.Unlock()
	s.opts.Log.Info("configsync: configuration requested", "correlation_id", id)
	return nil
}

// Subscriptions are the topics a worker must consume for the synchronizer.
func (s *Synchronizer[T]) Subscriptions() []bus.Subscription {
	return []bus.Subscription{
		{Topic: s.opts.Bus.ReplyTopic(), Broadcast: true},
		{Topic: bus.TopicConfigNotify, Broadcast: true},
	}
}

// Handles reports whether msg is for the synchronizer.
func (s *Synchronizer[T]) Handles(msg bus.Message) bool {
	return msg.Topic == bus.TopicConfigNotify || msg.Topic == s.opts.Bus.ReplyTopic()
}

// Handle processes a configuration reply or notification and reports
// whether a new configuration was applied.
func (s *Synchronizer[T]) Handle(ctx context.Context, msg bus.Message) (bool, error) {
	if msg.Topic != bus.TopicConfigNotify {
		s.mu.Lock()
		match := s.pending != "" && msg.CorrelationID == s.pending
		s.mu.Unlock()
		if !match {
			s.opts.Log.Debug("configsync: ignoring unexpected reply", "correlation_id", msg.CorrelationID)
			return false, nil
		}
	}

	var cfg models.ConfigMessage
	if err := msg.Decode(&cfg); err != nil {
		return false, err
	}
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	return s.Apply(ctx, cfg)
}

// Apply installs cfg if it is newer than the configuration in use. The new
// index is built before it replaces the old one.
func (s *Synchronizer[T]) Apply(ctx context.Context, cfg models.ConfigMessage) (bool, error) {
	s.mu.Lock()
	if cfg.Timestamp <= s.version {
		s.mu.Unlock()
		s.opts.Log.Debug("configsync: ignoring stale configuration", "timestamp", cfg.Timestamp, "current", s.version)
		return false, nil
	}
	s.mu.Unlock()

	index := prefixtree.Build(cfg.Rules, s.opts.Payload, s.opts.Log)
	stats := index.Stats()

	s.mu.Lock()
	s.index.Store(index)
	s.version = cfg.Timestamp
	s.state = Configured
	s.pending = ""
	s.mu.Unlock()

	if m := s.opts.Metrics; m != nil {
		m.ConfigVersion.Set(cfg.Timestamp)
		m.ConfiguredPrefixes.Set(float64(stats.Configured))
		m.MonitoredPrefixes.Set(float64(stats.Monitored))
	}
	s.opts.Log.Info("configsync: configured",
		"timestamp", cfg.Timestamp,
		"rules", len(cfg.Rules),
		"configured_prefixes", stats.Configured,
		"monitored_prefixes", stats.Monitored,
		"expanded_prefixes", stats.Expanded)

	if s.opts.Store == nil {
		return true, nil
	}
	var errs []error
	if err := s.opts.Store.SetPrefixStats(ctx, stats.Configured, stats.Monitored); err != nil {
		errs = append(errs, err)
	}
	if err := s.save(ctx, cfg); err != nil {
		errs = append(errs, err)
	}
	return true, errors.Join(errs...)
}

func (s *Synchronizer[T]) save(ctx context.Context, cfg models.ConfigMessage) error {
	key := models.ConfigKey(cfg.RawConfig)
	latest, ok, err := s.opts.Store.LatestConfigKey(ctx)
	if err != nil {
		return err
	}
	if ok && latest == key {
		s.opts.Log.Debug("configsync: stored configuration is up to date", "key", key)
		return nil
	}
	return s.opts.Store.SaveConfig(ctx, models.StoredConfig{
		Key:          key,
		RawConfig:    cfg.RawConfig,
		Comment:      cfg.Comment,
		TimeModified: s.opts.Clock.Now(),
	})
}

// Wait requests the configuration and blocks until one is applied or ctx
// is done. Handler failures are logged and waiting continues.
func (s *Synchronizer[T]) Wait(ctx context.Context) error {
	if s.State() == Configured {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.Request(ctx); err != nil {
		return err
	}
	err := s.opts.Bus.Consume(ctx, s.Subscriptions(), func(ctx context.Context, msg bus.Message) {
		if _, err := s.Handle(ctx, msg); err != nil {
			s.opts.Log.Error("configsync: failed to apply configuration", "topic", msg.Topic, "error", err)
		}
		if s.State() == Configured {
			cancel()
		}
	})
	if s.State() == Configured {
		return nil
	}
	return err
}
