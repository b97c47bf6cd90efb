package events

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newInserterTest(t *testing.T) (*Inserter, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return NewInserterWithDB(db, ""), mock, func() { db.Close() }
}

func sampleEvent(path string) Event {
	return Event{
		SiteID:    "site-1",
		Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		SessionID: "sess-1",
		Pathname:  path,
		Type:      TypePageview,
		ImportID:  "imp-1",
	}
}

func TestInsertBatchSingleStatement(t *testing.T) {
	in, mock, cleanup := newInserterTest(t)
	defer cleanup()

	evs := []Event{sampleEvent("/a"), sampleEvent("/b"), sampleEvent("/c")}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO IMPORTED_EVENTS")).
		WillReturnResult(sqlmock.NewResult(0, 3))

	if err := in.InsertBatch(context.Background(), evs); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestInsertBatchEmptyIsNoop(t *testing.T) {
	in, mock, cleanup := newInserterTest(t)
	defer cleanup()

	if err := in.InsertBatch(context.Background(), nil); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	// No statement expected.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestInsertBatchEncodesProperties(t *testing.T) {
	in, mock, cleanup := newInserterTest(t)
	defer cleanup()

	ev := sampleEvent("/a")
	ev.Type = TypeCustomEvent
	ev.EventName = "signup"
	ev.Properties = map[string]string{"utm_source": "newsletter"}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO IMPORTED_EVENTS")).
		WithArgs(
			"site-1", ev.Timestamp, "sess-1", "",
			"", "/a", "", "", "",
			"", "", "", 0, 0,
			"", "", "", "",
			"custom_event", "signup", `{"utm_source":"newsletter"}`, "imp-1",
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := in.InsertBatch(context.Background(), []Event{ev}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDeleteByImport(t *testing.T) {
	in, mock, cleanup := newInserterTest(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM IMPORTED_EVENTS WHERE import_id")).
		WithArgs("imp-1").
		WillReturnResult(sqlmock.NewResult(0, 42))

	if err := in.DeleteByImport(context.Background(), "imp-1"); err != nil {
		t.Fatalf("DeleteByImport: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
