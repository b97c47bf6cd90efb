package worker

import (
	"context"
	"log"
	"time"

	"github.com/twangodev/rybbit-sub002/internal/importer"
	"github.com/twangodev/rybbit-sub002/internal/pkg/distlock"
	"github.com/twangodev/rybbit-sub002/internal/queue"
	"github.com/twangodev/rybbit-sub002/internal/storage"
)

const (
	// DefaultRecoveryInterval is how often we sweep for stuck jobs.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultStaleAge is how long a job can stay claimed before we assume
	// its worker crashed.
	DefaultStaleAge = 5 * time.Minute
)

// RecoveryWorker keeps the pipeline from wedging. Each sweep it returns
// stale claims to the queue and fails any import that has dead-lettered
// jobs, so no import sits in processing forever after a worker crash or a
// poison chunk. A distributed lock serializes sweeps across instances.
type RecoveryWorker struct {
	queue    *queue.Queue
	store    *importer.Store
	progress *importer.ProgressPublisher
	files    storage.FileStore
	lock     distlock.DistLock
	interval time.Duration
	staleAge time.Duration
}

// NewRecoveryWorker creates a recovery worker. lock, progress and files may
// be nil; without a lock every instance sweeps, which is wasteful but
// harmless since all sweep statements are guarded.
func NewRecoveryWorker(q *queue.Queue, store *importer.Store, progress *importer.ProgressPublisher, files storage.FileStore, lock distlock.DistLock, interval, staleAge time.Duration) *RecoveryWorker {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	return &RecoveryWorker{
		queue:    q,
		store:    store,
		progress: progress,
		files:    files,
		lock:     lock,
		interval: interval,
		staleAge: staleAge,
	}
}

// Start begins the recovery loop. It blocks until ctx is cancelled.
func (rw *RecoveryWorker) Start(ctx context.Context) {
	log.Printf("[Recovery] Starting (interval=%s, stale_age=%s)", rw.interval, rw.staleAge)

	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Recovery] Stopping")
			return
		case <-ticker.C:
			rw.sweep(ctx)
		}
	}
}

func (rw *RecoveryWorker) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if rw.lock != nil {
		ok, err := rw.lock.Acquire(sweepCtx)
		if err != nil {
			log.Printf("[Recovery] Error acquiring sweep lock: %v", err)
			return
		}
		if !ok {
			// Another instance is sweeping.
			return
		}
		defer rw.lock.Release(sweepCtx)
	}

	requeued, deadLettered, err := rw.queue.RequeueStale(sweepCtx, rw.staleAge)
	if err != nil {
		log.Printf("[Recovery] Error requeuing stale claims: %v", err)
	} else if requeued > 0 || deadLettered > 0 {
		log.Printf("[Recovery] Requeued %d stale jobs, dead-lettered %d", requeued, deadLettered)
	}

	rw.failDeadLetteredImports(sweepCtx)
}

// failDeadLetteredImports marks imports with dead-lettered jobs as failed.
// Normally the worker that spends the last retry does this itself; the
// sweep covers the crash window between dead-lettering and MarkFailed.
func (rw *RecoveryWorker) failDeadLetteredImports(ctx context.Context) {
	dead, err := rw.queue.DeadLetteredImports(ctx)
	if err != nil {
		log.Printf("[Recovery] Error listing dead-lettered imports: %v", err)
		return
	}

	for importID, errMsg := range dead {
		rec, err := rw.store.Get(ctx, importID)
		if err != nil {
			if err != importer.ErrNotFound {
				log.Printf("[Recovery] Error loading import %s: %v", importID, err)
			}
			continue
		}
		if rec.Status.Terminal() {
			continue
		}

		log.Printf("[Recovery] Failing import %s: %s", importID, errMsg)
		if err := rw.store.MarkFailed(ctx, importID, errMsg); err != nil {
			log.Printf("[Recovery] Error failing import %s: %v", importID, err)
			continue
		}
		if rw.files != nil && rec.FileLocation != "" {
			if err := rw.files.Delete(ctx, rec.FileLocation); err != nil {
				log.Printf("[Recovery] Error deleting stored file %s: %v", rec.FileLocation, err)
			}
		}
		if rw.progress != nil {
			if rec, err := rw.store.Get(ctx, importID); err == nil {
				rw.progress.Publish(ctx, rec)
			}
		}
	}
}
