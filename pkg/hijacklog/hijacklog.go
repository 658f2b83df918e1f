// Package hijacklog emits hijack lifecycle entries to operators and
// downstream consumers.
package hijacklog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

// End tags.
const (
	EndTagWithdrawn = "withdrawn"
	EndTagOutdated  = "outdated"
)

// DefaultFields are the fields kept in an entry unless configured otherwise.
var DefaultFields = []string{
	"prefix",
	"hijack_as",
	"type",
	"time_started",
	"time_last",
	"peers_seen",
	"configured_prefix",
	"timestamp_of_config",
	"asns_inf",
	"time_detected",
	"key",
	"community_annotation",
	"end_tag",
	"outdated_parent",
	"hijack_url",
}

// Entry is one lifecycle event, keyed by field name.
type Entry map[string]any

// NewEntry builds the full entry of a hijack reaching an end state.
func NewEntry(n models.HijackNotification, endTag string) Entry {
	e := Entry{
		"key":                  n.Key,
		"prefix":               n.Prefix,
		"hijack_as":            n.HijackAS,
		"type":                 n.Type,
		"time_started":         n.TimeStarted,
		"time_last":            n.TimeLast,
		"time_detected":        n.TimeDetected,
		"peers_seen":           n.PeersSeen,
		"asns_inf":             n.ASNsInf,
		"monitor_keys":         n.MonitorKeys,
		"configured_prefix":    n.ConfiguredPrefix,
		"timestamp_of_config":  n.TimestampOfConfig,
		"community_annotation": n.CommunityAnnotation,
	}
	if endTag != "" {
		e["end_tag"] = endTag
	}
	return e
}

// CommunityAnnotation returns the annotation the filter usually keys on.
func (e Entry) CommunityAnnotation() string {
	if v, ok := e["community_annotation"].(string); ok && v != "" {
		return v
	}
	return "NA"
}

// Filter admits an entry when any of its {field: value} pairs matches. An
// empty filter admits everything.
type Filter []map[string]any

// ParseFilter decodes a JSON list of {field: value} objects. An empty
// string is the empty filter.
func ParseFilter(raw string) (Filter, error) {
	if raw == "" {
		return nil, nil
	}
	var f Filter
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, fmt.Errorf("parse hijack log filter: %w", err)
	}
	return f, nil
}

// Admits reports whether e passes the filter.
func (f Filter) Admits(e Entry) bool {
	if len(f) == 0 {
		return true
	}
	for _, pairs := range f {
		for field, want := range pairs {
			got, ok := e[field]
			if field == "community_annotation" {
				got, ok = e.CommunityAnnotation(), true
			}
			if ok && fmt.Sprint(got) == fmt.Sprint(want) {
				return true
			}
		}
	}
	return false
}

// Formatter keeps the configured fields of an entry and adds the derived
// ones.
type Formatter struct {
	fields    map[string]bool
	webHost   string
	countries CountryResolver
}

// NewFormatter returns a formatter keeping fields (DefaultFields when
// empty). countries may be nil.
func NewFormatter(fields []string, webHost string, countries CountryResolver) *Formatter {
	if len(fields) == 0 {
		fields = DefaultFields
	}
	f := &Formatter{fields: make(map[string]bool, len(fields)), webHost: webHost, countries: countries}
	for _, field := range fields {
		f.fields[field] = true
	}
	return f
}

// Format returns the redacted copy of e.
func (f *Formatter) Format(e Entry) Entry {
	out := make(Entry, len(f.fields))
	for field, v := range e {
		if f.fields[field] {
			out[field] = v
		}
	}
	if key, ok := e["key"]; ok && f.fields["hijack_url"] {
		out["hijack_url"] = fmt.Sprintf("https://%s/main/hijack?key=%v", f.webHost, key)
	}
	if f.countries != nil {
		if asn, ok := e["hijack_as"].(int64); ok {
			if cc := f.countries.Resolve(asn); cc != "" {
				out["hijack_as_country"] = cc
			}
		}
	}
	return out
}

// Sink receives formatted entries.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Logger filters, formats and fans entries out to sinks.
type Logger struct {
	formatter *Formatter
	filter    Filter
	sinks     []Sink
	log       *slog.Logger
}

// NewLogger returns a logger writing to sinks.
func NewLogger(formatter *Formatter, filter Filter, log *slog.Logger, sinks ...Sink) *Logger {
	return &Logger{formatter: formatter, filter: filter, sinks: sinks, log: log}
}

// Log emits the entry of a hijack reaching an end state.
func (l *Logger) Log(ctx context.Context, n models.HijackNotification, endTag string) {
	e := NewEntry(n, endTag)
	if !l.filter.Admits(e) {
		l.log.Debug("hijacklog: entry filtered", "key", n.Key, "community_annotation", e.CommunityAnnotation())
		return
	}
	out := l.formatter.Format(e)
	for _, s := range l.sinks {
		if err := s.Write(ctx, out); err != nil {
			l.log.Error("hijacklog: sink failed", "key", n.Key, "error", err)
		}
	}
}

// SlogSink writes entries as structured log records.
type SlogSink struct {
	Log *slog.Logger
}

func (s SlogSink) Write(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.Log.InfoContext(ctx, "hijack", "entry", string(raw))
	return nil
}

// Recorder keeps entries in memory.
type Recorder struct {
	Entries []Entry
}

func (r *Recorder) Write(_ context.Context, e Entry) error {
	r.Entries = append(r.Entries, e)
	return nil
}
