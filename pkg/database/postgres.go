package database

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"

	"github.com/hervehildenbrand/bgp-guard/pkg/backoff"
	"github.com/hervehildenbrand/bgp-guard/pkg/models"
)

//go:embed schema.sql
var schema string

// pageSize bounds the rows of one multi-row statement.
const pageSize = 1000

// Postgres is the Store on PostgreSQL.
type Postgres struct {
	db  *sql.DB
	log *slog.Logger
}

// Open connects to PostgreSQL, retrying with backoff until the server
// answers or ctx is done.
func Open(ctx context.Context, databaseURL string, clock clockwork.Clock, log *slog.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	err = backoff.Retry(ctx, clock, log, "postgres", func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Info("database: connected to postgres")
	return &Postgres{db: db, log: log}, nil
}

// InitSchema creates the tables if they do not exist.
func (p *Postgres) InitSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// DB returns the connection pool.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// placeholders renders "($1::c1, $2::c2), ($3::c1, ...)" for rows rows,
// one cast per column ("" for none).
func placeholders(rows int, casts ...string) string {
	var b strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c, cast := range casts {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d%s", n, cast)
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

// pages calls fn for consecutive index ranges of at most pageSize.
func pages(n int, fn func(lo, hi int) error) error {
	for lo := 0; lo < n; lo += pageSize {
		hi := min(lo+pageSize, n)
		if err := fn(lo, hi); err != nil {
			return err
		}
	}
	return nil
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

func encodeCommunities(cs []models.Community) []byte {
	pairs := make([][2]uint32, 0, len(cs))
	for _, c := range cs {
		pairs = append(pairs, [2]uint32{c.ASN, c.Value})
	}
	b, _ := json.Marshal(pairs)
	return b
}

func decodeCommunities(raw []byte) []models.Community {
	var pairs [][2]uint32
	if len(raw) == 0 || json.Unmarshal(raw, &pairs) != nil {
		return []models.Community{}
	}
	out := make([]models.Community, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, models.Community{ASN: p[0], Value: p[1]})
	}
	return out
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// Route events

func (p *Postgres) InsertUpdates(ctx context.Context, updates []models.BGPUpdate) (int64, error) {
	var total int64
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		return pages(len(updates), func(lo, hi int) error {
			page := updates[lo:hi]
			args := make([]any, 0, len(page)*13)
			for _, u := range page {
				args = append(args,
					u.Prefix,
					u.Key,
					u.OriginAS,
					u.PeerASN,
					pq.Array(u.ASPath),
					u.Service,
					string(u.Type),
					encodeCommunities(u.Communities),
					u.Timestamp,
					pq.Array(u.HijackKeys),
					u.Handled,
					u.MatchedPrefix,
					nullJSON(u.OrigPath),
				)
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO bgp_updates (
					prefix, key, origin_as, peer_asn, as_path, service, type,
					communities, timestamp, hijack_key, handled, matched_prefix, orig_path
				) VALUES `+placeholders(len(page), "::cidr", "", "", "", "", "", "", "::json", "", "", "", "::cidr", "::json")+`
				ON CONFLICT (key) DO NOTHING
			`, args...)
			if err != nil {
				return fmt.Errorf("insert bgp updates: %w", err)
			}
			total += affected(res)
			return nil
		})
	})
	return total, err
}

func (p *Postgres) AssociateBatch(ctx context.Context, links []Association) (int64, error) {
	var total int64
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		return pages(len(links), func(lo, hi int) error {
			page := links[lo:hi]
			args := make([]any, 0, 2*len(page))
			for _, l := range page {
				args = append(args, l.HijackKey, l.UpdateKey)
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE bgp_updates
				SET handled = true, hijack_key = array_distinct(hijack_key || array[data.v1])
				FROM (VALUES `+placeholders(len(page), "::text", "::text")+`) AS data (v1, v2)
				WHERE bgp_updates.key = data.v2
			`, args...)
			if err != nil {
				return fmt.Errorf("associate bgp updates: %w", err)
			}
			total += affected(res)
			return nil
		})
	})
	return total, err
}

func (p *Postgres) Associate(ctx context.Context, link Association) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bgp_updates
		SET handled = true, hijack_key = array_distinct(hijack_key || array[$1::text])
		WHERE key = $2
	`, link.HijackKey, link.UpdateKey)
	if err != nil {
		return 0, fmt.Errorf("associate bgp update %s: %w", link.UpdateKey, err)
	}
	return affected(res), nil
}

func (p *Postgres) MarkHandled(ctx context.Context, updateKeys []string) (int64, error) {
	if len(updateKeys) == 0 {
		return 0, nil
	}
	res, err := p.db.ExecContext(ctx, `UPDATE bgp_updates SET handled = true WHERE key = ANY($1)`, pq.Array(updateKeys))
	if err != nil {
		return 0, fmt.Errorf("mark handled: %w", err)
	}
	return affected(res), nil
}

const updateColumns = `key, prefix::text, origin_as, peer_asn, as_path, service, type, communities, timestamp, hijack_key, handled, COALESCE(matched_prefix::text, '')`

func scanUpdate(row interface{ Scan(...any) error }) (models.BGPUpdate, error) {
	var (
		u           models.BGPUpdate
		typ         string
		communities []byte
		path        pq.Int64Array
		hijackKeys  pq.StringArray
	)
	err := row.Scan(&u.Key, &u.Prefix, &u.OriginAS, &u.PeerASN, &path, &u.Service, &typ,
		&communities, &u.Timestamp, &hijackKeys, &u.Handled, &u.MatchedPrefix)
	if err != nil {
		return models.BGPUpdate{}, err
	}
	u.Type = models.UpdateType(typ)
	u.ASPath = []int64(path)
	u.HijackKeys = []string(hijackKeys)
	u.Communities = decodeCommunities(communities)
	u.Timestamp = u.Timestamp.UTC()
	return u, nil
}

func (p *Postgres) queryUpdates(ctx context.Context, query string, args ...any) ([]models.BGPUpdate, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BGPUpdate
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *Postgres) UnhandledUpdates(ctx context.Context, updateKeys []string) ([]models.BGPUpdate, error) {
	if len(updateKeys) == 0 {
		return nil, nil
	}
	out, err := p.queryUpdates(ctx, `SELECT `+updateColumns+` FROM bgp_updates WHERE handled = false AND key = ANY($1)`,
		pq.Array(updateKeys))
	if err != nil {
		return nil, fmt.Errorf("query unhandled updates: %w", err)
	}
	return out, nil
}

func (p *Postgres) RecentUpdates(ctx context.Context, since time.Time) ([]models.BGPUpdate, error) {
	out, err := p.queryUpdates(ctx, `SELECT `+updateColumns+` FROM bgp_updates WHERE timestamp > $1 ORDER BY timestamp ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("query recent updates: %w", err)
	}
	return out, nil
}

func (p *Postgres) DistinctPeers(ctx context.Context) ([]int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT peer_asn FROM bgp_updates`)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var asn int64
		if err := rows.Scan(&asn); err != nil {
			return nil, err
		}
		out = append(out, asn)
	}
	return out, rows.Err()
}

// Hijacks

func (p *Postgres) UpsertHijacks(ctx context.Context, hijacks []models.HijackRecord) (int64, error) {
	var total int64
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		return pages(len(hijacks), func(lo, hi int) error {
			page := hijacks[lo:hi]
			args := make([]any, 0, len(page)*24)
			for _, h := range page {
				args = append(args,
					h.Key, h.Type, h.Prefix, h.HijackAS, h.NumPeersSeen(), h.NumASNsInf(),
					h.TimeStarted, h.TimeLast, h.TimeEnded, h.MitigationStarted, h.TimeDetected,
					h.UnderMitigation, h.Active, h.Resolved, h.Ignored, h.Withdrawn, h.Dormant,
					h.ConfiguredPrefix, h.TimestampOfConfig, h.Comment,
					pq.Array(h.PeersSeen), pq.Array(h.PeersWithdrawn), pq.Array(h.ASNsInf),
					h.CommunityAnnotation,
				)
			}
			casts := make([]string, 24)
			casts[2], casts[17] = "::cidr", "::cidr"
			res, err := tx.ExecContext(ctx, `
				INSERT INTO hijacks (
					key, type, prefix, hijack_as, num_peers_seen, num_asns_inf,
					time_started, time_last, time_ended, mitigation_started, time_detected,
					under_mitigation, active, resolved, ignored, withdrawn, dormant,
					configured_prefix, timestamp_of_config, comment,
					peers_seen, peers_withdrawn, asns_inf, community_annotation
				) VALUES `+placeholders(len(page), casts...)+`
				ON CONFLICT (key, time_detected) DO UPDATE SET
					num_peers_seen = excluded.num_peers_seen,
					num_asns_inf = excluded.num_asns_inf,
					time_started = LEAST(excluded.time_started, hijacks.time_started),
					time_last = GREATEST(excluded.time_last, hijacks.time_last),
					peers_seen = excluded.peers_seen,
					asns_inf = excluded.asns_inf,
					peers_withdrawn = ARRAY(
						SELECT x FROM unnest(hijacks.peers_withdrawn) AS x
						WHERE x = ANY(excluded.peers_seen) ORDER BY x),
					dormant = false,
					timestamp_of_config = excluded.timestamp_of_config,
					configured_prefix = excluded.configured_prefix,
					community_annotation = excluded.community_annotation
			`, args...)
			if err != nil {
				return fmt.Errorf("upsert hijacks: %w", err)
			}
			total += affected(res)
			return nil
		})
	})
	return total, err
}

func (p *Postgres) ReinstatePeers(ctx context.Context, links []Association, since time.Time) (int64, error) {
	var total int64
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		for _, l := range links {
			res, err := tx.ExecContext(ctx, `
				UPDATE hijacks
				SET peers_withdrawn = array_remove(hijacks.peers_withdrawn, ann.peer_asn)
				FROM bgp_updates AS ann
				WHERE hijacks.key = $1
				  AND ann.key = $2
				  AND ann.type = 'A'
				  AND ann.timestamp >= $3
				  AND ann.peer_asn = ANY(hijacks.peers_withdrawn)
				  AND NOT EXISTS (
					SELECT 1 FROM bgp_updates AS wit
					WHERE hijacks.key = ANY(wit.hijack_key)
					  AND wit.type = 'W'
					  AND wit.prefix = ann.prefix
					  AND wit.peer_asn = ann.peer_asn
					  AND wit.timestamp >= ann.timestamp)
			`, l.HijackKey, l.UpdateKey, since)
			if err != nil {
				return fmt.Errorf("reinstate peers of %s: %w", l.HijackKey, err)
			}
			total += affected(res)
		}
		return nil
	})
	return total, err
}

func (p *Postgres) WithdrawalCandidates(ctx context.Context, prefix string, peer int64, since time.Time) ([]WithdrawalCandidate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT ON (hijacks.key)
			hijacks.key, hijacks.hijack_as, hijacks.type, hijacks.peers_seen, hijacks.peers_withdrawn,
			bgp_updates.timestamp, hijacks.time_last
		FROM hijacks
		JOIN bgp_updates ON (hijacks.key = ANY(bgp_updates.hijack_key))
		WHERE bgp_updates.prefix = $1::cidr
		  AND bgp_updates.type = 'A'
		  AND bgp_updates.timestamp >= $2
		  AND hijacks.active = true
		  AND bgp_updates.peer_asn = $3
		  AND bgp_updates.handled = true
		ORDER BY hijacks.key, bgp_updates.timestamp DESC
	`, prefix, since, peer)
	if err != nil {
		return nil, fmt.Errorf("query withdrawal candidates: %w", err)
	}
	defer rows.Close()

	var out []WithdrawalCandidate
	for rows.Next() {
		var (
			c         WithdrawalCandidate
			seen, wdn pq.Int64Array
		)
		if err := rows.Scan(&c.HijackKey, &c.HijackAS, &c.Type, &seen, &wdn, &c.AnnouncedAt, &c.TimeLast); err != nil {
			return nil, err
		}
		c.PeersSeen, c.PeersWithdrawn = []int64(seen), []int64(wdn)
		c.AnnouncedAt, c.TimeLast = c.AnnouncedAt.UTC(), c.TimeLast.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) WithdrawPeer(ctx context.Context, key string, peersWithdrawn []int64, timeLast time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE hijacks SET peers_withdrawn = $1, time_last = $2, dormant = false WHERE key = $3
	`, pq.Array(peersWithdrawn), timeLast, key)
	if err != nil {
		return fmt.Errorf("withdraw peer of %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) MarkWithdrawn(ctx context.Context, key string, peersWithdrawn []int64, timeLast, ended time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE hijacks
		SET active = false, dormant = false, under_mitigation = false, resolved = false,
			withdrawn = true, time_ended = $1, peers_withdrawn = $2, time_last = $3
		WHERE key = $4
	`, ended, pq.Array(peersWithdrawn), timeLast, key)
	if err != nil {
		return fmt.Errorf("mark %s withdrawn: %w", key, err)
	}
	return nil
}

func (p *Postgres) OutdateHijacks(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE hijacks
		SET active = false, dormant = false, under_mitigation = false, outdated = true
		WHERE key = ANY($1) AND resolved = false AND ignored = false AND withdrawn = false
	`, pq.Array(keys))
	if err != nil {
		return 0, fmt.Errorf("outdate hijacks: %w", err)
	}
	return affected(res), nil
}

const hijackColumns = `key, type, prefix::text, hijack_as, time_started, time_last, time_detected,
	time_ended, mitigation_started, peers_seen, peers_withdrawn, asns_inf,
	COALESCE(configured_prefix::text, ''), timestamp_of_config, community_annotation, comment,
	active, resolved, ignored, withdrawn, dormant, outdated, under_mitigation, seen`

func scanHijack(row interface{ Scan(...any) error }) (models.HijackRecord, error) {
	var (
		h                  models.HijackRecord
		ended, mitStarted  sql.NullTime
		seen, wdn, asnsInf pq.Int64Array
	)
	err := row.Scan(&h.Key, &h.Type, &h.Prefix, &h.HijackAS, &h.TimeStarted, &h.TimeLast, &h.TimeDetected,
		&ended, &mitStarted, &seen, &wdn, &asnsInf,
		&h.ConfiguredPrefix, &h.TimestampOfConfig, &h.CommunityAnnotation, &h.Comment,
		&h.Active, &h.Resolved, &h.Ignored, &h.Withdrawn, &h.Dormant, &h.Outdated, &h.UnderMitigation, &h.Seen)
	if err != nil {
		return models.HijackRecord{}, err
	}
	if ended.Valid {
		t := ended.Time.UTC()
		h.TimeEnded = &t
	}
	if mitStarted.Valid {
		t := mitStarted.Time.UTC()
		h.MitigationStarted = &t
	}
	h.PeersSeen, h.PeersWithdrawn, h.ASNsInf = []int64(seen), []int64(wdn), []int64(asnsInf)
	h.TimeStarted, h.TimeLast, h.TimeDetected = h.TimeStarted.UTC(), h.TimeLast.UTC(), h.TimeDetected.UTC()
	h.TimestampOfConfig = h.TimestampOfConfig.UTC()
	return h, nil
}

func (p *Postgres) Hijack(ctx context.Context, key string) (models.HijackRecord, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+hijackColumns+` FROM hijacks WHERE key = $1 ORDER BY time_detected DESC LIMIT 1`, key)
	h, err := scanHijack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.HijackRecord{}, false, nil
	}
	if err != nil {
		return models.HijackRecord{}, false, fmt.Errorf("query hijack %s: %w", key, err)
	}
	return h, true, nil
}

func (p *Postgres) ActiveHijacks(ctx context.Context) ([]models.HijackRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+hijackColumns+` FROM hijacks WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("query active hijacks: %w", err)
	}
	defer rows.Close()

	var out []models.HijackRecord
	for rows.Next() {
		h, err := scanHijack(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *Postgres) ActiveAnnouncements(ctx context.Context) ([]HijackAnnouncement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT b.prefix::text, b.peer_asn, b.as_path, h.prefix::text, h.hijack_as, h.type
		FROM hijacks AS h
		JOIN bgp_updates AS b ON (h.key = ANY(b.hijack_key))
		WHERE b.type = 'A' AND h.active = true AND b.handled = true
	`)
	if err != nil {
		return nil, fmt.Errorf("query active announcements: %w", err)
	}
	defer rows.Close()

	var out []HijackAnnouncement
	for rows.Next() {
		var (
			a    HijackAnnouncement
			path pq.Int64Array
		)
		if err := rows.Scan(&a.Prefix, &a.PeerASN, &path, &a.HijackPrefix, &a.HijackAS, &a.HijackType); err != nil {
			return nil, err
		}
		a.ASPath = []int64(path)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) OngoingUpdates(ctx context.Context) ([]models.OngoingUpdate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT b.key, b.prefix::text, b.origin_as, b.as_path, b.type, b.peer_asn, b.communities,
			b.timestamp, b.service, COALESCE(b.matched_prefix::text, ''), h.key, h.hijack_as, h.type
		FROM hijacks AS h
		JOIN bgp_updates AS b ON (h.key = ANY(b.hijack_key))
		WHERE h.active = true AND b.handled = true
	`)
	if err != nil {
		return nil, fmt.Errorf("query ongoing updates: %w", err)
	}
	defer rows.Close()

	var out []models.OngoingUpdate
	for rows.Next() {
		var (
			o           models.OngoingUpdate
			path        pq.Int64Array
			typ         string
			communities []byte
			ts          time.Time
		)
		err := rows.Scan(&o.Key, &o.Prefix, &o.OriginAS, &path, &typ, &o.PeerASN, &communities,
			&ts, &o.Service, &o.MatchedPrefix, &o.HijackKey, &o.HijackAS, &o.HijackType)
		if err != nil {
			return nil, err
		}
		o.Path = []int64(path)
		o.Type = models.UpdateType(typ)
		o.Communities = decodeCommunities(communities)
		o.Timestamp = models.Epoch(ts)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) exec(ctx context.Context, what, query string, args ...any) (int64, error) {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	return affected(res), nil
}

func (p *Postgres) ResolveHijack(ctx context.Context, key string, at time.Time) (int64, error) {
	return p.exec(ctx, "resolve hijack", `
		UPDATE hijacks
		SET resolved = true, active = false, dormant = false, under_mitigation = false, seen = true, time_ended = $1
		WHERE resolved = false AND ignored = false AND key = $2
	`, at, key)
}

func (p *Postgres) IgnoreHijack(ctx context.Context, key string) (int64, error) {
	return p.exec(ctx, "ignore hijack", `
		UPDATE hijacks
		SET ignored = true, active = false, dormant = false, under_mitigation = false, seen = false
		WHERE ignored = false AND resolved = false AND key = $1
	`, key)
}

func (p *Postgres) SetSeen(ctx context.Context, key string, seen bool) (int64, error) {
	return p.exec(ctx, "set seen", `UPDATE hijacks SET seen = $1 WHERE key = $2`, seen, key)
}

func (p *Postgres) SetComment(ctx context.Context, key, comment string) (int64, error) {
	return p.exec(ctx, "set comment", `UPDATE hijacks SET comment = $1 WHERE key = $2`, comment, key)
}

func (p *Postgres) StartMitigation(ctx context.Context, key string, at time.Time) (int64, error) {
	return p.exec(ctx, "start mitigation", `
		UPDATE hijacks SET mitigation_started = $1, seen = true, under_mitigation = true WHERE key = $2
	`, at, key)
}

func (p *Postgres) DeleteHijack(ctx context.Context, key string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		statements := []string{
			`DELETE FROM hijacks WHERE key = $1`,
			`DELETE FROM bgp_updates WHERE $1 = ANY(hijack_key) AND array_length(hijack_key, 1) = 1`,
			`UPDATE bgp_updates SET hijack_key = array_remove(hijack_key, $1) WHERE $1 = ANY(hijack_key)`,
		}
		for _, q := range statements {
			if _, err := tx.ExecContext(ctx, q, key); err != nil {
				return fmt.Errorf("delete hijack %s: %w", key, err)
			}
		}
		return nil
	})
}

// Configurations and statistics

func (p *Postgres) LatestConfigKey(ctx context.Context) (string, bool, error) {
	var key string
	err := p.db.QueryRowContext(ctx, `SELECT key FROM configs ORDER BY time_modified DESC LIMIT 1`).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query latest config: %w", err)
	}
	return key, true, nil
}

func (p *Postgres) SaveConfig(ctx context.Context, cfg models.StoredConfig) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO configs (key, raw_config, time_modified, comment) VALUES ($1, $2, $3, $4)
	`, cfg.Key, cfg.RawConfig, cfg.TimeModified, cfg.Comment)
	if err != nil {
		return fmt.Errorf("save config %s: %w", cfg.Key, err)
	}
	return nil
}

func (p *Postgres) SetMonitorPeers(ctx context.Context, n int64) error {
	if _, err := p.db.ExecContext(ctx, `UPDATE stats SET monitor_peers = $1`, n); err != nil {
		return fmt.Errorf("update monitor peers: %w", err)
	}
	return nil
}

func (p *Postgres) SetPrefixStats(ctx context.Context, configured, monitored uint64) error {
	_, err := p.db.ExecContext(ctx, `UPDATE stats SET monitored_prefixes = $1, configured_prefixes = $2`,
		clampInt64(monitored), clampInt64(configured))
	if err != nil {
		return fmt.Errorf("update prefix stats: %w", err)
	}
	return nil
}
