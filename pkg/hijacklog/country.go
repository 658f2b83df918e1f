package hijacklog

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const refreshInterval = 15 * time.Minute

// CountryResolver maps ASNs to ISO country codes.
type CountryResolver interface {
	// Resolve returns the country code for an ASN, or "" if unknown.
	Resolve(asn int64) string
	// Count returns the number of ASNs in the mapping.
	Count() int
}

type mapping struct {
	mu sync.RWMutex
	m  map[int64]string
}

func (r *mapping) Resolve(asn int64) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m[asn]
}

func (r *mapping) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

func (r *mapping) replace(m map[int64]string) {
	r.mu.Lock()
	r.m = m
	r.mu.Unlock()
}

// FileResolver loads ASN-to-country mappings from a CSV file.
// Expected format: asn,country_code (e.g., "13335,US"), header optional.
type FileResolver struct {
	mapping
}

// NewFileResolver loads the mappings in path.
func NewFileResolver(path string, log *slog.Logger) (*FileResolver, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	m, err := readCSV(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	log.Info("hijacklog: loaded ASN countries", "path", path, "count", len(m))
	r := &FileResolver{}
	r.replace(m)
	return r, nil
}

func readCSV(r io.Reader) (map[int64]string, error) {
	reader := csv.NewReader(bufio.NewReader(r))
	reader.FieldsPerRecord = -1
	m := make(map[int64]string)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				continue
			}
			return nil, err
		}
		if len(record) < 2 {
			continue
		}
		// A non-numeric first column is the header.
		asn, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 64)
		if err != nil {
			continue
		}
		country := strings.ToUpper(strings.TrimSpace(record[1]))
		if len(country) == 2 {
			m[asn] = country
		}
	}
	return m, nil
}

// TableResolver loads ASN-to-country mappings from a database table with
// asn and country_code columns, reloading it periodically.
type TableResolver struct {
	mapping
	db    *sql.DB
	table string
	clock clockwork.Clock
	log   *slog.Logger
}

// NewTableResolver returns a resolver on table, "asn_countries" when empty.
// It is empty until Run loads it.
func NewTableResolver(db *sql.DB, table string, clock clockwork.Clock, log *slog.Logger) *TableResolver {
	if table == "" {
		table = "asn_countries"
	}
	r := &TableResolver{db: db, table: table, clock: clock, log: log}
	r.replace(map[int64]string{})
	return r
}

// Run loads the table immediately and then every 15 minutes until ctx is
// done.
func (r *TableResolver) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		if err := r.Refresh(ctx); err != nil {
			r.log.Error("hijacklog: failed to load ASN countries", "table", r.table, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

// Refresh reloads the mapping.
func (r *TableResolver) Refresh(ctx context.Context) error {
	start := r.clock.Now()
	query := "SELECT asn, country_code FROM " + r.table + " WHERE country_code IS NOT NULL AND country_code != ''"
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	m := make(map[int64]string)
	for rows.Next() {
		var (
			asn     int64
			country string
		)
		if err := rows.Scan(&asn, &country); err != nil {
			continue
		}
		m[asn] = country
	}
	if err := rows.Err(); err != nil {
		return err
	}
	r.replace(m)
	r.log.Debug("hijacklog: loaded ASN countries", "table", r.table, "count", len(m), "took", r.clock.Since(start))
	return nil
}
