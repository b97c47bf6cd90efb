package importer

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store is the Import Status Store: the single source of truth for every
// import's lifecycle and counters, one import_jobs row per import. All
// counter updates are single-statement atomic increments so concurrent
// chunk completions for the same import never lose progress.
type Store struct {
	db *sql.DB
}

// NewStore creates a status store over the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const importColumns = `
	id, site_id, organization_id, source, status,
	file_name, file_size, file_location,
	total_rows, total_chunks, processed_chunks,
	processed_rows, imported_events, dropped_rows,
	error_message, started_at, completed_at`

// Create registers a new import in pending state.
func (s *Store) Create(ctx context.Context, rec *ImportRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_jobs (
			id, site_id, organization_id, source, status,
			file_name, file_size, file_location, started_at
		) VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7, NOW())
	`, rec.ID, rec.SiteID, rec.OrganizationID, rec.Source,
		rec.FileName, rec.FileSize, rec.FileLocation)
	if err != nil {
		return fmt.Errorf("create import %s: %w", rec.ID, err)
	}
	rec.Status = StatusPending
	rec.StartedAt = time.Now()
	return nil
}

// Get loads one import record.
func (s *Store) Get(ctx context.Context, importID string) (*ImportRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+importColumns+` FROM import_jobs WHERE id = $1`, importID)
	return scanImport(row)
}

// ListBySite returns a site's imports, newest first.
func (s *Store) ListBySite(ctx context.Context, siteID string) ([]*ImportRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+importColumns+` FROM import_jobs WHERE site_id = $1 ORDER BY started_at DESC`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list imports for site %s: %w", siteID, err)
	}
	defer rows.Close()

	var out []*ImportRecord
	for rows.Next() {
		rec, err := scanImport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkProcessing moves a pending import to processing. A no-op when the
// import already left pending (redelivered parse job).
func (s *Store) MarkProcessing(ctx context.Context, importID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE import_jobs SET status = 'processing'
		WHERE id = $1 AND status = 'pending'
	`, importID)
	if err != nil {
		return fmt.Errorf("mark import %s processing: %w", importID, err)
	}
	return nil
}

// SetParseTotalsTx records the parser's final row and chunk counts inside
// the caller's transaction, alongside the parse job's completion.
func (s *Store) SetParseTotalsTx(tx *sql.Tx, importID string, totalRows, totalChunks int64) error {
	_, err := tx.Exec(`
		UPDATE import_jobs SET total_rows = $2, total_chunks = $3
		WHERE id = $1
	`, importID, totalRows, totalChunks)
	if err != nil {
		return fmt.Errorf("set parse totals for import %s: %w", importID, err)
	}
	return nil
}

// ApplyChunkTx applies one completed chunk's counters inside the caller's
// transaction: a single atomic increment statement, never read-modify-write.
func (s *Store) ApplyChunkTx(tx *sql.Tx, importID string, rows, events, dropped int64) error {
	_, err := tx.Exec(`
		UPDATE import_jobs
		SET processed_chunks = processed_chunks + 1,
		    processed_rows   = processed_rows + $2,
		    imported_events  = imported_events + $3,
		    dropped_rows     = dropped_rows + $4
		WHERE id = $1
	`, importID, rows, events, dropped)
	if err != nil {
		return fmt.Errorf("apply chunk counters for import %s: %w", importID, err)
	}
	return nil
}

// TryFinalize completes the import once every chunk is accounted for.
// The condition and the transition are one guarded statement, so racing
// chunk workers cannot double-finalize and a terminal status is never
// overwritten. Returns true when this call performed the transition.
func (s *Store) TryFinalize(ctx context.Context, importID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE import_jobs
		SET status = 'completed', completed_at = NOW()
		WHERE id = $1
		  AND status = 'processing'
		  AND total_chunks IS NOT NULL
		  AND processed_chunks >= total_chunks
	`, importID)
	if err != nil {
		return false, fmt.Errorf("finalize import %s: %w", importID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkFailed puts a non-terminal import into failed state with the
// triggering message. Terminal records are left untouched.
func (s *Store) MarkFailed(ctx context.Context, importID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE import_jobs
		SET status = 'failed', error_message = $2, completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, importID, errMsg)
	if err != nil {
		return fmt.Errorf("mark import %s failed: %w", importID, err)
	}
	return nil
}

// Delete removes a terminal import record and reports its stored file
// location so the caller can clean up residual storage. Pending and
// processing imports are never deleted.
func (s *Store) Delete(ctx context.Context, importID string) (fileLocation string, err error) {
	rec, err := s.Get(ctx, importID)
	if err != nil {
		return "", err
	}
	if !rec.Status.Terminal() {
		return "", ErrNotTerminal
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM import_jobs WHERE id = $1 AND status IN ('completed', 'failed')
	`, importID)
	if err != nil {
		return "", fmt.Errorf("delete import %s: %w", importID, err)
	}
	return rec.FileLocation, nil
}

// CountActiveByOrg counts an organization's pending and processing imports.
func (s *Store) CountActiveByOrg(ctx context.Context, orgID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM import_jobs
		WHERE organization_id = $1 AND status IN ('pending', 'processing')
	`, orgID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active imports for org %s: %w", orgID, err)
	}
	return n, nil
}

// SumImportedByOrg totals the events an organization has imported across
// its whole history.
func (s *Store) SumImportedByOrg(ctx context.Context, orgID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(imported_events), 0) FROM import_jobs
		WHERE organization_id = $1
	`, orgID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sum imported events for org %s: %w", orgID, err)
	}
	return n, nil
}

// BeginTx starts a transaction on the store's database. The worker uses it
// to commit a chunk job's completion and its counter increments atomically.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImport(row rowScanner) (*ImportRecord, error) {
	var rec ImportRecord
	var totalRows, totalChunks sql.NullInt64
	var errMsg sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&rec.ID, &rec.SiteID, &rec.OrganizationID, &rec.Source, &rec.Status,
		&rec.FileName, &rec.FileSize, &rec.FileLocation,
		&totalRows, &totalChunks, &rec.ProcessedChunks,
		&rec.ProcessedRows, &rec.ImportedEvents, &rec.DroppedRows,
		&errMsg, &rec.StartedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan import record: %w", err)
	}

	if totalRows.Valid {
		rec.TotalRows = &totalRows.Int64
	}
	if totalChunks.Valid {
		rec.TotalChunks = &totalChunks.Int64
	}
	if errMsg.Valid {
		rec.ErrorMessage = errMsg.String
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return &rec, nil
}
