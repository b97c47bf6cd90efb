package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/twangodev/rybbit-sub002/internal/importer"
	"github.com/twangodev/rybbit-sub002/internal/mapper"
	"github.com/twangodev/rybbit-sub002/internal/pkg/httputil"
	"github.com/twangodev/rybbit-sub002/internal/pkg/logger"
	"github.com/twangodev/rybbit-sub002/internal/queue"
	"github.com/twangodev/rybbit-sub002/internal/storage"
)

// MaxUploadBytes is the hard cap on uploaded file size. Enforced before a
// single byte reaches storage or the parser.
const MaxUploadBytes = 100 << 20

// EventPurger removes previously imported events by their import tag.
// *events.Inserter satisfies it; nil disables event cleanup on delete.
type EventPurger interface {
	DeleteByImport(ctx context.Context, importID string) error
}

// Handlers holds the import endpoints' dependencies.
type Handlers struct {
	store    *importer.Store
	quota    *importer.QuotaGuard
	queue    *queue.Queue
	files    storage.FileStore
	progress *importer.ProgressPublisher
	purger   EventPurger

	maxUploadBytes int64
}

// NewHandlers wires the ingress handlers. progress and purger may be nil.
func NewHandlers(store *importer.Store, quota *importer.QuotaGuard, q *queue.Queue, files storage.FileStore, progress *importer.ProgressPublisher, purger EventPurger) *Handlers {
	return &Handlers{
		store:          store,
		quota:          quota,
		queue:          q,
		files:          files,
		progress:       progress,
		purger:         purger,
		maxUploadBytes: MaxUploadBytes,
	}
}

// SetMaxUpload overrides the upload size cap.
func (h *Handlers) SetMaxUpload(bytes int64) {
	if bytes > 0 {
		h.maxUploadBytes = bytes
	}
}

// StartImport accepts a CSV upload and kicks off the pipeline.
//
//	POST /api/{organizationId}/{siteId}/import
//
// Multipart fields: "file" (the CSV) and "source" (which tool exported it).
// Responds 202 with the import ID and a progress URL; the actual work runs
// in the background workers. Nothing is persisted when validation fails.
func (h *Handlers) StartImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "organizationId")
	siteID := chi.URLParam(r, "siteId")

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httputil.Error(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file exceeds the %d MB upload limit", h.maxUploadBytes>>20))
			return
		}
		httputil.BadRequest(w, "malformed multipart body")
		return
	}

	source := strings.ToLower(strings.TrimSpace(r.FormValue("source")))
	if source == "" {
		httputil.BadRequest(w, "source field is required")
		return
	}
	if !mapper.Supported(source) {
		httputil.BadRequest(w, fmt.Sprintf("unsupported source %q (supported: %s)",
			source, strings.Join(mapper.Sources(), ", ")))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.BadRequest(w, "file field is required")
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".csv") {
		httputil.BadRequest(w, "only .csv files are accepted")
		return
	}
	if header.Size > h.maxUploadBytes {
		httputil.Error(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds the %d MB upload limit", h.maxUploadBytes>>20))
		return
	}

	decision, err := h.quota.CanStart(ctx, orgID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if !decision.Allowed {
		httputil.BadRequest(w, decision.Reason)
		return
	}

	importID := uuid.New().String()
	location, err := h.files.Save(ctx, importID+".csv", file)
	if err != nil {
		httputil.InternalError(w, fmt.Errorf("storing upload: %w", err))
		return
	}

	rec := &importer.ImportRecord{
		ID:             importID,
		SiteID:         siteID,
		OrganizationID: orgID,
		Source:         source,
		FileName:       filepath.Base(header.Filename),
		FileSize:       header.Size,
		FileLocation:   location,
	}
	if err := h.store.Create(ctx, rec); err != nil {
		h.cleanupStored(location)
		httputil.InternalError(w, err)
		return
	}

	pj := importer.ParseJob{
		FileLocation:   location,
		OrganizationID: orgID,
		SiteID:         siteID,
		ImportID:       importID,
		Source:         source,
	}
	if err := h.queue.Enqueue(ctx, importID, queue.JobParse, "parse", pj); err != nil {
		// The record exists but nothing will ever pick it up. Fail it
		// now rather than leave a pending import that never moves.
		if ferr := h.store.MarkFailed(ctx, importID, "failed to enqueue parse job"); ferr != nil {
			log.Printf("[Import] mark import %s failed after enqueue error: %v", importID, ferr)
		}
		h.cleanupStored(location)
		httputil.InternalError(w, err)
		return
	}

	logger.Info("import accepted",
		"import_id", importID,
		"organization_id", orgID,
		"site_id", siteID,
		"source", source,
		"file_name", rec.FileName,
		"file_size", header.Size,
	)

	httputil.Accepted(w, map[string]any{
		"importId": importID,
		"status":   importer.StatusPending,
		"progress": fmt.Sprintf("/api/%s/%s/imports/%s/progress", orgID, siteID, importID),
	})
}

// ListImports returns a site's imports, newest first, with computed
// completion percentage.
//
//	GET /api/{organizationId}/{siteId}/imports
func (h *Handlers) ListImports(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteId")

	recs, err := h.store.ListBySite(r.Context(), siteID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordView(rec))
	}
	httputil.OK(w, map[string]any{"imports": out})
}

// GetImport returns one import record.
//
//	GET /api/{organizationId}/{siteId}/imports/{importId}
func (h *Handlers) GetImport(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadScoped(w, r)
	if !ok {
		return
	}
	httputil.OK(w, recordView(rec))
}

// GetImportProgress serves the live progress snapshot, falling back to the
// database when Redis has nothing cached.
//
//	GET /api/{organizationId}/{siteId}/imports/{importId}/progress
func (h *Handlers) GetImportProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	importID := chi.URLParam(r, "importId")

	// Tenant scoping comes before the cache: a snapshot must never be
	// served to a caller the database lookup would reject.
	rec, ok := h.loadScoped(w, r)
	if !ok {
		return
	}

	if h.progress != nil {
		snap, err := h.progress.Get(ctx, importID)
		if err != nil {
			log.Printf("[Import] progress snapshot for %s: %v", importID, err)
		}
		if snap != nil {
			httputil.OK(w, snap)
			return
		}
	}

	httputil.OK(w, progressView(rec))
}

// DeleteImport removes a terminal import record along with any residual
// stored file, its queue rows, and (when a purger is wired) the events it
// loaded into the analytics store.
//
//	DELETE /api/{organizationId}/{siteId}/imports/{importId}
func (h *Handlers) DeleteImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	importID := chi.URLParam(r, "importId")

	if _, ok := h.loadScoped(w, r); !ok {
		return
	}

	location, err := h.store.Delete(ctx, importID)
	if err != nil {
		switch {
		case errors.Is(err, importer.ErrNotFound):
			httputil.NotFound(w, "import not found")
		case errors.Is(err, importer.ErrNotTerminal):
			httputil.Conflict(w, "import is still running; only completed or failed imports can be deleted")
		default:
			httputil.InternalError(w, err)
		}
		return
	}

	if err := h.queue.PurgeForImport(ctx, importID); err != nil {
		log.Printf("[Import] purge queue for %s: %v", importID, err)
	}
	if location != "" {
		h.cleanupStored(location)
	}
	if h.progress != nil {
		h.progress.Clear(ctx, importID)
	}
	if h.purger != nil {
		if err := h.purger.DeleteByImport(ctx, importID); err != nil {
			log.Printf("[Import] delete events for %s: %v", importID, err)
		}
	}

	logger.Info("import deleted", "import_id", importID)
	httputil.NoContent(w)
}

// loadScoped loads the import and verifies it belongs to the org and site
// in the path, so one tenant cannot read another's imports by ID.
func (h *Handlers) loadScoped(w http.ResponseWriter, r *http.Request) (*importer.ImportRecord, bool) {
	importID := chi.URLParam(r, "importId")
	orgID := chi.URLParam(r, "organizationId")
	siteID := chi.URLParam(r, "siteId")

	rec, err := h.store.Get(r.Context(), importID)
	if err != nil {
		if errors.Is(err, importer.ErrNotFound) {
			httputil.NotFound(w, "import not found")
		} else {
			httputil.InternalError(w, err)
		}
		return nil, false
	}
	if rec.OrganizationID != orgID || rec.SiteID != siteID {
		httputil.NotFound(w, "import not found")
		return nil, false
	}
	return rec, true
}

func (h *Handlers) cleanupStored(location string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.files.Delete(ctx, location); err != nil {
		log.Printf("[Import] delete stored file %s: %v", location, err)
	}
}

func recordView(rec *importer.ImportRecord) map[string]any {
	v := map[string]any{
		"importId":       rec.ID,
		"siteId":         rec.SiteID,
		"organizationId": rec.OrganizationID,
		"source":         rec.Source,
		"status":         rec.Status,
		"fileName":       rec.FileName,
		"fileSize":       rec.FileSize,
		"processedRows":  rec.ProcessedRows,
		"importedEvents": rec.ImportedEvents,
		"droppedRows":    rec.DroppedRows,
		"percentage":     rec.Percentage(),
		"startedAt":      rec.StartedAt,
	}
	if rec.TotalRows != nil {
		v["totalRows"] = *rec.TotalRows
	}
	if rec.ErrorMessage != "" {
		v["errorMessage"] = rec.ErrorMessage
	}
	if rec.CompletedAt != nil {
		v["completedAt"] = *rec.CompletedAt
	}
	return v
}

func progressView(rec *importer.ImportRecord) map[string]any {
	v := map[string]any{
		"importId":       rec.ID,
		"status":         rec.Status,
		"processedRows":  rec.ProcessedRows,
		"importedEvents": rec.ImportedEvents,
		"droppedRows":    rec.DroppedRows,
		"percentage":     rec.Percentage(),
	}
	if rec.ErrorMessage != "" {
		v["errorMessage"] = rec.ErrorMessage
	}
	return v
}
