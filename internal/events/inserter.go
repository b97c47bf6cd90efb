package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/snowflakedb/gosnowflake" // Snowflake driver
)

// Config holds the event store connection settings.
type Config struct {
	Account   string
	User      string
	Password  string
	Database  string
	Schema    string
	Warehouse string
	Table     string
}

// Inserter writes canonical events to the column store in per-chunk
// batches. Re-insertion of the same import_id-tagged rows after a crashed
// commit is a bounded, accepted duplication cost; the tag makes duplicate
// rows identifiable and removable.
type Inserter struct {
	db    *sql.DB
	table string
}

// NewInserter opens a connection pool against the column store.
func NewInserter(cfg Config) (*Inserter, error) {
	dsn := fmt.Sprintf("%s:%s@%s/%s/%s",
		cfg.User, cfg.Password, cfg.Account, cfg.Database, cfg.Schema)
	if cfg.Warehouse != "" {
		dsn += "?warehouse=" + cfg.Warehouse
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event store connection: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	table := cfg.Table
	if table == "" {
		table = "IMPORTED_EVENTS"
	}
	return &Inserter{db: db, table: table}, nil
}

// NewInserterWithDB wraps an existing connection, used by tests.
func NewInserterWithDB(db *sql.DB, table string) *Inserter {
	if table == "" {
		table = "IMPORTED_EVENTS"
	}
	return &Inserter{db: db, table: table}
}

// Close closes the underlying pool.
func (in *Inserter) Close() error {
	if in.db != nil {
		return in.db.Close()
	}
	return nil
}

// Ping verifies connectivity.
func (in *Inserter) Ping(ctx context.Context) error {
	return in.db.PingContext(ctx)
}

const insertColumns = 22

// InsertBatch writes one chunk's events as a single multi-row insert.
// One statement per chunk keeps the write path at chunk granularity: the
// whole batch lands or the whole batch is retried.
func (in *Inserter) InsertBatch(ctx context.Context, evs []Event) error {
	if len(evs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(in.table)
	sb.WriteString(` (
		site_id, ts, session_id, user_id,
		hostname, pathname, querystring, page_title, referrer,
		browser, os, device, screen_width, screen_height,
		language, country, region, city,
		event_type, event_name, properties, import_id
	) VALUES `)

	args := make([]any, 0, len(evs)*insertColumns)
	row := "(" + strings.TrimSuffix(strings.Repeat("?,", insertColumns), ",") + ")"
	for i, ev := range evs {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(row)

		props := "{}"
		if len(ev.Properties) > 0 {
			if b, err := json.Marshal(ev.Properties); err == nil {
				props = string(b)
			}
		}

		args = append(args,
			ev.SiteID, ev.Timestamp, ev.SessionID, ev.UserID,
			ev.Hostname, ev.Pathname, ev.Querystring, ev.PageTitle, ev.Referrer,
			ev.Browser, ev.OS, ev.Device, ev.ScreenWidth, ev.ScreenHeight,
			ev.Language, ev.Country, ev.Region, ev.City,
			string(ev.Type), ev.EventName, props, ev.ImportID,
		)
	}

	if _, err := in.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("bulk insert %d events: %w", len(evs), err)
	}
	return nil
}

// DeleteByImport removes all events tagged with the given import id.
// Used when a terminal import record is deleted.
func (in *Inserter) DeleteByImport(ctx context.Context, importID string) error {
	if _, err := in.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE import_id = ?", in.table), importID); err != nil {
		return fmt.Errorf("delete events for import %s: %w", importID, err)
	}
	return nil
}
