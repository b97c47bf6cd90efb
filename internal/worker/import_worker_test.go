package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/twangodev/rybbit-sub002/internal/events"
	"github.com/twangodev/rybbit-sub002/internal/importer"
	"github.com/twangodev/rybbit-sub002/internal/queue"
	"github.com/twangodev/rybbit-sub002/internal/retry"
)

// fakeFiles is an in-memory FileStore.
type fakeFiles struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{objects: make(map[string][]byte)}
}

func (f *fakeFiles) Save(ctx context.Context, key string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return key, nil
}

func (f *fakeFiles) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[location]
	if !ok {
		return nil, fmt.Errorf("no such object %q", location)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeFiles) Delete(ctx context.Context, location string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, location)
	f.deleted = append(f.deleted, location)
	return nil
}

// fakeSink records inserted events and can fail a set number of calls.
type fakeSink struct {
	mu       sync.Mutex
	inserted []events.Event
	failures int
}

func (s *fakeSink) InsertBatch(ctx context.Context, evs []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("event store unavailable")
	}
	s.inserted = append(s.inserted, evs...)
	return nil
}

func newPoolTest(t *testing.T) (*ImportWorkerPool, sqlmock.Sqlmock, *fakeFiles, *fakeSink, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	files := newFakeFiles()
	sink := &fakeSink{}
	pool := NewImportWorkerPool(
		queue.New(db, retry.New(3, time.Second, time.Minute)),
		importer.NewStore(db),
		files,
		sink,
		importer.NewParser(1000),
		nil,
		1,
	)
	return pool, mock, files, sink, func() { db.Close() }
}

func failedImportRow(fileLocation string) *sqlmock.Rows {
	cols := []string{
		"id", "site_id", "organization_id", "source", "status",
		"file_name", "file_size", "file_location",
		"total_rows", "total_chunks", "processed_chunks",
		"processed_rows", "imported_events", "dropped_rows",
		"error_message", "started_at", "completed_at",
	}
	return sqlmock.NewRows(cols).AddRow(
		"imp-1", "site-1", "org-1", "umami", "failed",
		"export.csv", 2048, fileLocation,
		nil, nil, 0,
		0, 0, 0,
		"boom", time.Now(), time.Now(),
	)
}

func chunkJob(t *testing.T, attempts int, rows []importer.RawRow) queue.Job {
	t.Helper()
	payload, err := json.Marshal(importer.ChunkJob{
		SiteID: "site-1", ImportID: "imp-1", Source: "umami", ChunkIndex: 0, Rows: rows,
	})
	if err != nil {
		t.Fatal(err)
	}
	return queue.Job{ID: uuid.New(), ImportID: "imp-1", Type: queue.JobChunk, Payload: payload, Attempts: attempts}
}

func umamiRows(n int) []importer.RawRow {
	rows := make([]importer.RawRow, n)
	for i := range rows {
		rows[i] = importer.RawRow{
			"created_at": fmt.Sprintf("2024-05-01 10:00:%02d", i%60),
			"url_path":   fmt.Sprintf("/page-%d", i),
			"event_type": "1",
		}
	}
	return rows
}

func TestHandleChunkHappyPath(t *testing.T) {
	pool, mock, _, sink, cleanup := newPoolTest(t)
	defer cleanup()

	job := chunkJob(t, 0, umamiRows(3))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("AND status = 'claimed'")).
		WithArgs(job.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("processed_chunks = processed_chunks + 1")).
		WithArgs("imp-1", int64(3), int64(3), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("processed_chunks >= total_chunks")).
		WithArgs("imp-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := pool.handleChunk(context.Background(), job); err != nil {
		t.Fatalf("handleChunk: %v", err)
	}
	if len(sink.inserted) != 3 {
		t.Errorf("inserted %d events, want 3", len(sink.inserted))
	}
	if sink.inserted[0].ImportID != "imp-1" {
		t.Errorf("events must carry the import tag, got %q", sink.inserted[0].ImportID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// A redelivered chunk whose job row already left claimed state must not
// increment counters a second time.
func TestHandleChunkRedeliveryIsNoop(t *testing.T) {
	pool, mock, _, _, cleanup := newPoolTest(t)
	defer cleanup()

	job := chunkJob(t, 1, umamiRows(2))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("AND status = 'claimed'")).
		WithArgs(job.ID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if err := pool.handleChunk(context.Background(), job); err != nil {
		t.Fatalf("handleChunk: %v", err)
	}
	// No ApplyChunk exec, no commit: ExpectationsWereMet enforces it.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHandleChunkCountsDroppedRows(t *testing.T) {
	pool, mock, _, sink, cleanup := newPoolTest(t)
	defer cleanup()

	rows := umamiRows(2)
	rows = append(rows, importer.RawRow{"url_path": "/no-timestamp"})
	job := chunkJob(t, 0, rows)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("AND status = 'claimed'")).
		WithArgs(job.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("processed_chunks = processed_chunks + 1")).
		WithArgs("imp-1", int64(3), int64(2), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("processed_chunks >= total_chunks")).
		WithArgs("imp-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := pool.handleChunk(context.Background(), job); err != nil {
		t.Fatalf("handleChunk: %v", err)
	}
	if len(sink.inserted) != 2 {
		t.Errorf("inserted %d events, want 2", len(sink.inserted))
	}
}

func TestHandleChunkInsertFailureReschedules(t *testing.T) {
	pool, mock, _, sink, cleanup := newPoolTest(t)
	defer cleanup()
	sink.failures = 1

	job := chunkJob(t, 0, umamiRows(2))

	mock.ExpectExec(regexp.QuoteMeta("next_attempt_at = NOW() +")).
		WithArgs(job.ID, 1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := pool.handleChunk(context.Background(), job); err == nil {
		t.Fatal("expected error surfaced for logging")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// The fourth failure of the same chunk dead-letters the job and fails the
// whole import.
func TestHandleChunkRetryExhaustionFailsImport(t *testing.T) {
	pool, mock, _, sink, cleanup := newPoolTest(t)
	defer cleanup()
	sink.failures = 1

	job := chunkJob(t, 3, umamiRows(2))

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'dead_letter'")).
		WithArgs(job.ID, 4, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'failed'")).
		WithArgs("imp-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT .+ FROM import_jobs WHERE id").
		WithArgs("imp-1").
		WillReturnRows(failedImportRow(""))

	if err := pool.handleChunk(context.Background(), job); err == nil {
		t.Fatal("expected error surfaced for logging")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHandleChunkUnknownSourceAbandons(t *testing.T) {
	pool, mock, _, _, cleanup := newPoolTest(t)
	defer cleanup()

	payload, _ := json.Marshal(importer.ChunkJob{
		SiteID: "site-1", ImportID: "imp-1", Source: "matomo", Rows: umamiRows(1),
	})
	job := queue.Job{ID: uuid.New(), ImportID: "imp-1", Type: queue.JobChunk, Payload: payload}

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'dead_letter'")).
		WithArgs(job.ID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'failed'")).
		WithArgs("imp-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT .+ FROM import_jobs WHERE id").
		WithArgs("imp-1").
		WillReturnRows(failedImportRow(""))

	if err := pool.handleChunk(context.Background(), job); err != nil {
		t.Fatalf("abandon path should not surface an error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func parseJob(t *testing.T, location string) queue.Job {
	t.Helper()
	payload, err := json.Marshal(importer.ParseJob{
		FileLocation: location, OrganizationID: "org-1", SiteID: "site-1",
		ImportID: "imp-1", Source: "umami",
	})
	if err != nil {
		t.Fatal(err)
	}
	return queue.Job{ID: uuid.New(), ImportID: "imp-1", Type: queue.JobParse, Payload: payload}
}

func storedCSV(t *testing.T, files *fakeFiles, rows int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("created_at,url_path,event_type\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "2024-05-01 10:00:%02d,/p%d,1\n", i%60, i)
	}
	location, err := files.Save(context.Background(), "imp-1.csv", strings.NewReader(b.String()))
	if err != nil {
		t.Fatal(err)
	}
	return location
}

func TestHandleParseEmitsChunksAndTotals(t *testing.T) {
	pool, mock, files, _, cleanup := newPoolTest(t)
	defer cleanup()

	location := storedCSV(t, files, 2500)
	job := parseJob(t, location)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'processing'")).
		WithArgs("imp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	for i := 0; i < 3; i++ {
		mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (import_id, dedup_key) DO NOTHING")).
			WithArgs(sqlmock.AnyArg(), "imp-1", "chunk", fmt.Sprintf("chunk-%d", i), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET total_rows = $2, total_chunks = $3")).
		WithArgs("imp-1", int64(2500), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("AND status = 'claimed'")).
		WithArgs(job.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("processed_chunks >= total_chunks")).
		WithArgs("imp-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := pool.handleParse(context.Background(), job); err != nil {
		t.Fatalf("handleParse: %v", err)
	}
	if len(files.deleted) != 1 || files.deleted[0] != location {
		t.Errorf("temp file not cleaned up: %v", files.deleted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// A header-only file yields zero chunks; the parse handler itself must
// finalize the import or nothing ever will.
func TestHandleParseHeaderOnlyFinalizes(t *testing.T) {
	pool, mock, files, _, cleanup := newPoolTest(t)
	defer cleanup()

	location := storedCSV(t, files, 0)
	job := parseJob(t, location)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'processing'")).
		WithArgs("imp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET total_rows = $2, total_chunks = $3")).
		WithArgs("imp-1", int64(0), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("AND status = 'claimed'")).
		WithArgs(job.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("processed_chunks >= total_chunks")).
		WithArgs("imp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := pool.handleParse(context.Background(), job); err != nil {
		t.Fatalf("handleParse: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHandleParseCorruptFileAbandons(t *testing.T) {
	pool, mock, files, _, cleanup := newPoolTest(t)
	defer cleanup()

	location, err := files.Save(context.Background(), "imp-1.csv", strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	job := parseJob(t, location)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'processing'")).
		WithArgs("imp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'dead_letter'")).
		WithArgs(job.ID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'failed'")).
		WithArgs("imp-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT .+ FROM import_jobs WHERE id").
		WithArgs("imp-1").
		WillReturnRows(failedImportRow(""))

	if err := pool.handleParse(context.Background(), job); err != nil {
		t.Fatalf("abandon path should not surface an error: %v", err)
	}
	if len(files.deleted) == 0 {
		t.Errorf("corrupt file should be deleted, got %v", files.deleted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHandleParseMissingFileReschedules(t *testing.T) {
	pool, mock, _, _, cleanup := newPoolTest(t)
	defer cleanup()

	job := parseJob(t, "gone.csv")

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'processing'")).
		WithArgs("imp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("next_attempt_at = NOW() +")).
		WithArgs(job.ID, 1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := pool.handleParse(context.Background(), job); err == nil {
		t.Fatal("expected error surfaced for logging")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPoolStartStop(t *testing.T) {
	pool, mock, _, _, cleanup := newPoolTest(t)
	defer cleanup()
	pool.SetPollInterval(10 * time.Millisecond)

	// The claim loop may run any number of times before Stop.
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 200; i++ {
		mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
			WillReturnRows(sqlmock.NewRows([]string{"id", "import_id", "job_type", "payload", "attempts"}))
	}

	pool.Start()
	pool.Start() // idempotent
	time.Sleep(30 * time.Millisecond)
	pool.Stop()
	pool.Stop() // idempotent

	stats := pool.Stats()
	if stats["total_parsed"] != 0 || stats["total_chunks"] != 0 {
		t.Errorf("unexpected stats: %v", stats)
	}
}
