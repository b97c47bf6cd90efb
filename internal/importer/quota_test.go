package importer

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func expectActiveCount(mock sqlmock.Sqlmock, org string, n int64) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM import_jobs")).
		WithArgs(org).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(n))
}

func expectImportedSum(mock sqlmock.Sqlmock, org string, n int64) {
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(imported_events), 0)")).
		WithArgs(org).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(n))
}

func TestQuotaAllowsFirstImport(t *testing.T) {
	store, mock, cleanup := newStoreTest(t)
	defer cleanup()
	guard := NewQuotaGuard(store)

	expectActiveCount(mock, "org-1", 0)
	expectImportedSum(mock, "org-1", 500)

	d, err := guard.CanStart(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("CanStart: %v", err)
	}
	if !d.Allowed {
		t.Errorf("denied: %s", d.Reason)
	}
}

func TestQuotaRejectsConcurrentImport(t *testing.T) {
	store, mock, cleanup := newStoreTest(t)
	defer cleanup()
	guard := NewQuotaGuard(store)

	expectActiveCount(mock, "org-1", 1)

	d, err := guard.CanStart(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("CanStart: %v", err)
	}
	if d.Allowed {
		t.Error("second concurrent import should be denied with ceiling 1")
	}
	if d.Reason == "" {
		t.Error("denial must carry a reason")
	}
}

func TestQuotaRejectsLifetimeCeiling(t *testing.T) {
	store, mock, cleanup := newStoreTest(t)
	defer cleanup()
	guard := NewQuotaGuard(store)

	expectActiveCount(mock, "org-1", 0)
	expectImportedSum(mock, "org-1", 1_000_000)

	d, err := guard.CanStart(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("CanStart: %v", err)
	}
	if d.Allowed {
		t.Error("import at the lifetime ceiling should be denied")
	}
}

func TestQuotaSelfHostedBypass(t *testing.T) {
	store, _, cleanup := newStoreTest(t)
	defer cleanup()
	guard := NewQuotaGuard(store)
	guard.SelfHosted = true

	// No queries expected at all.
	d, err := guard.CanStart(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("CanStart: %v", err)
	}
	if !d.Allowed {
		t.Error("self-hosted mode must bypass quotas")
	}
}

func TestQuotaCustomCeilings(t *testing.T) {
	store, mock, cleanup := newStoreTest(t)
	defer cleanup()
	guard := NewQuotaGuard(store)
	guard.MaxConcurrent = 3
	guard.MaxLifetimeEvents = 10

	expectActiveCount(mock, "org-1", 2)
	expectImportedSum(mock, "org-1", 9)

	d, err := guard.CanStart(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("CanStart: %v", err)
	}
	if !d.Allowed {
		t.Errorf("under both ceilings, denied: %s", d.Reason)
	}
}
