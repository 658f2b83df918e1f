// Package config loads process settings from flags, environment variables
// prefixed with BGP_GUARD_, a .env file and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "BGP_GUARD"

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

const (
	defaultMetricsAddr     = "0.0.0.0:0"
	defaultListenAddr      = "0.0.0.0:8090"
	defaultDedupWindow     = 2 * time.Hour
	defaultStalenessWindow = 7 * 24 * time.Hour
	defaultPulseInterval   = 5 * time.Second
	defaultWebHost         = "localhost"
)

// Settings of a bgp-guard process. Not every process reads every field.
type Settings struct {
	Backend      string
	RedisURL     string
	StreamPrefix string
	DatabaseURL  string
	InitSchema   bool
	InstanceID   string
	Verbose      bool

	MetricsAddr string
	ListenAddr  string

	Historic        bool
	DedupWindow     time.Duration
	StalenessWindow time.Duration
	PulseInterval   time.Duration

	HijackLogFields []string
	HijackLogFilter string
	WebHost         string
	ASNData         string
	ASNTable        string
}

// NewFlagSet declares every setting on a new flag set named name.
func NewFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", "", "YAML file with settings (keys are flag names)")
	fs.Bool("verbose", false, "enable verbose (debug) logging")
	fs.String("backend", BackendRedis, "bus and cache backend: redis or memory")
	fs.String("redis", "redis://localhost:6379/0", "Redis URL")
	fs.String("stream-prefix", "", "prefix of the Redis stream keys")
	fs.String("database", "", "PostgreSQL URL; in-memory store when empty")
	fs.Bool("init-schema", false, "create the database tables on startup")
	fs.String("instance-id", "", "process instance id; random when empty")
	fs.String("metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics")
	fs.String("listen-addr", defaultListenAddr, "address of the hijack log WebSocket server; disabled when empty")
	fs.Bool("historic", false, "match withdrawals against announcements of any age")
	fs.Duration("dedup-window", defaultDedupWindow, "window in which repeated route events are dropped")
	fs.Duration("staleness-window", defaultStalenessWindow, "oldest announcement a withdrawal may end")
	fs.Duration("pulse-interval", defaultPulseInterval, "interval of the in-process flush tick; 0 leaves ticking to an external scheduler")
	fs.StringSlice("hijack-log-fields", nil, "fields kept in hijack log entries")
	fs.String("hijack-log-filter", "", `JSON list of {"field": value} objects admitting hijack log entries`)
	fs.String("web-host", defaultWebHost, "host of the web UI linked from hijack log entries")
	fs.String("asn-data", "", "ASN to country CSV file (asn,country_code)")
	fs.String("asn-table", "", "database table with ASN to country mappings, used when no CSV is given")
	return fs
}

// Load parses args into fs and resolves the settings. Flags given on the
// command line win over the environment, which wins over the YAML file.
func Load(fs *flag.FlagSet, args []string) (Settings, error) {
	if err := fs.Parse(args); err != nil {
		return Settings{}, err
	}

	// godotenv does not override variables already set.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return Settings{}, err
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	s := Settings{
		Backend:         strings.ToLower(v.GetString("backend")),
		RedisURL:        v.GetString("redis"),
		StreamPrefix:    v.GetString("stream-prefix"),
		DatabaseURL:     v.GetString("database"),
		InitSchema:      v.GetBool("init-schema"),
		InstanceID:      v.GetString("instance-id"),
		Verbose:         v.GetBool("verbose"),
		MetricsAddr:     v.GetString("metrics-addr"),
		ListenAddr:      v.GetString("listen-addr"),
		Historic:        v.GetBool("historic"),
		DedupWindow:     v.GetDuration("dedup-window"),
		StalenessWindow: v.GetDuration("staleness-window"),
		PulseInterval:   v.GetDuration("pulse-interval"),
		HijackLogFields: splitList(v.GetStringSlice("hijack-log-fields")),
		HijackLogFilter: v.GetString("hijack-log-filter"),
		WebHost:         v.GetString("web-host"),
		ASNData:         v.GetString("asn-data"),
		ASNTable:        v.GetString("asn-table"),
	}
	if s.InstanceID == "" {
		s.InstanceID = uuid.NewString()
	}
	return s, s.Validate()
}

// Validate checks the settings.
func (s Settings) Validate() error {
	switch s.Backend {
	case BackendRedis:
		if s.RedisURL == "" {
			return errors.New("redis is required with the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	if s.DedupWindow <= 0 {
		return errors.New("dedup-window must be greater than 0")
	}
	if s.StalenessWindow <= 0 {
		return errors.New("staleness-window must be greater than 0")
	}
	if s.PulseInterval < 0 {
		return errors.New("pulse-interval must not be negative")
	}
	return nil
}

// splitList accepts both repeated values and comma separated ones, as
// environment variables arrive as a single string.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// NewLogger returns the process logger.
func NewLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339Nano,
	}))
}
