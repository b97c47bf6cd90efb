package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/twangodev/rybbit-sub002/internal/events"
	"github.com/twangodev/rybbit-sub002/internal/importer"
	"github.com/twangodev/rybbit-sub002/internal/mapper"
	"github.com/twangodev/rybbit-sub002/internal/queue"
	"github.com/twangodev/rybbit-sub002/internal/storage"
)

// EventWriter is the sink for canonical events. *events.Inserter satisfies
// it in production; tests plug in an in-memory recorder.
type EventWriter interface {
	InsertBatch(ctx context.Context, evs []events.Event) error
}

// ImportWorkerPool drains the import queue: parse jobs stream a stored CSV
// into chunk jobs, chunk jobs map raw rows to canonical events and bulk
// insert them. Any number of pools may run against the same database; the
// queue's claim semantics keep them from stepping on each other.
type ImportWorkerPool struct {
	queue    *queue.Queue
	store    *importer.Store
	files    storage.FileStore
	sink     EventWriter
	parser   *importer.Parser
	progress *importer.ProgressPublisher

	workerID     string
	numWorkers   int
	pollInterval time.Duration

	// Stats
	totalParsed   int64
	totalChunks   int64
	totalEvents   int64
	totalFailures int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewImportWorkerPool wires a pool. progress may be nil when Redis is not
// configured.
func NewImportWorkerPool(q *queue.Queue, store *importer.Store, files storage.FileStore, sink EventWriter, parser *importer.Parser, progress *importer.ProgressPublisher, numWorkers int) *ImportWorkerPool {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	host, _ := os.Hostname()
	return &ImportWorkerPool{
		queue:        q,
		store:        store,
		files:        files,
		sink:         sink,
		parser:       parser,
		progress:     progress,
		workerID:     fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
		numWorkers:   numWorkers,
		pollInterval: 2 * time.Second,
	}
}

// SetPollInterval overrides how long an idle worker sleeps between claims.
func (p *ImportWorkerPool) SetPollInterval(d time.Duration) {
	p.pollInterval = d
}

// WorkerID returns the pool's claim identity.
func (p *ImportWorkerPool) WorkerID() string {
	return p.workerID
}

// Start launches the worker goroutines. Idempotent.
func (p *ImportWorkerPool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	log.Printf("ImportWorkerPool: starting %d workers (worker_id=%s)", p.numWorkers, p.workerID)

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (p *ImportWorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	log.Println("ImportWorkerPool: stopping workers...")
	p.wg.Wait()

	log.Printf("ImportWorkerPool: stopped. Parsed: %d, chunks: %d, events: %d, failures: %d",
		atomic.LoadInt64(&p.totalParsed), atomic.LoadInt64(&p.totalChunks),
		atomic.LoadInt64(&p.totalEvents), atomic.LoadInt64(&p.totalFailures))
}

// Stats returns current counters.
func (p *ImportWorkerPool) Stats() map[string]int64 {
	return map[string]int64{
		"total_parsed":   atomic.LoadInt64(&p.totalParsed),
		"total_chunks":   atomic.LoadInt64(&p.totalChunks),
		"total_events":   atomic.LoadInt64(&p.totalEvents),
		"total_failures": atomic.LoadInt64(&p.totalFailures),
	}
}

// worker is the main claim loop. One job per claim keeps the stale-claim
// window small: a crashed worker strands at most numWorkers jobs.
func (p *ImportWorkerPool) worker(workerNum int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
			jobs, err := p.queue.Claim(p.ctx, p.workerID, 1)
			if err != nil {
				if p.ctx.Err() != nil {
					return
				}
				log.Printf("Worker %d: error claiming job: %v", workerNum, err)
				time.Sleep(time.Second)
				continue
			}

			if len(jobs) == 0 {
				select {
				case <-p.ctx.Done():
					return
				case <-time.After(p.pollInterval):
				}
				continue
			}

			for _, job := range jobs {
				if err := p.process(job); err != nil {
					log.Printf("Worker %d: error processing job %s: %v", workerNum, job.ID, err)
				}
			}
		}
	}
}

func (p *ImportWorkerPool) process(job queue.Job) error {
	switch job.Type {
	case queue.JobParse:
		return p.handleParse(p.ctx, job)
	case queue.JobChunk:
		return p.handleChunk(p.ctx, job)
	default:
		return p.abandon(p.ctx, job, fmt.Sprintf("unknown job type %q", job.Type))
	}
}

// handleParse streams the uploaded file into chunk jobs, then records the
// totals and completes the parse job in one transaction. Chunk enqueues are
// dedup-keyed by index, so a redelivered parse job re-emits them as no-ops.
func (p *ImportWorkerPool) handleParse(ctx context.Context, job queue.Job) error {
	var pj importer.ParseJob
	if err := json.Unmarshal(job.Payload, &pj); err != nil {
		return p.abandon(ctx, job, fmt.Sprintf("undecodable parse payload: %v", err))
	}

	if err := p.store.MarkProcessing(ctx, pj.ImportID); err != nil {
		return p.deferJob(ctx, job, pj.ImportID, err)
	}

	f, err := p.files.Open(ctx, pj.FileLocation)
	if err != nil {
		// Storage reads can fail transiently, leave the file in place
		// and let the retry budget decide.
		return p.deferJob(ctx, job, pj.ImportID, fmt.Errorf("open stored file: %w", err))
	}

	var enqueueErr error
	result, parseErr := p.parser.Parse(ctx, f, func(chunkIndex int, rows []importer.RawRow) error {
		cj := importer.ChunkJob{
			SiteID:     pj.SiteID,
			ImportID:   pj.ImportID,
			Source:     pj.Source,
			ChunkIndex: chunkIndex,
			Rows:       rows,
		}
		if err := p.queue.Enqueue(ctx, pj.ImportID, queue.JobChunk, fmt.Sprintf("chunk-%d", chunkIndex), cj); err != nil {
			enqueueErr = err
			return err
		}
		return nil
	})
	f.Close()

	if parseErr != nil {
		if ctx.Err() != nil {
			// Shutdown mid-parse. The claim goes stale and another
			// worker re-runs the parse from the stored file.
			return ctx.Err()
		}
		if enqueueErr != nil {
			// The file is fine, the database hiccuped. Dedup keys make
			// the next attempt's re-emitted chunks no-ops.
			return p.deferJob(ctx, job, pj.ImportID, fmt.Errorf("enqueue chunk: %w", enqueueErr))
		}
		// A file that does not decode will not decode on the next
		// attempt either.
		p.cleanupFile(pj.FileLocation)
		return p.abandon(ctx, job, fmt.Sprintf("parsing CSV: %v", parseErr))
	}

	tx, err := p.store.BeginTx(ctx)
	if err != nil {
		return p.deferJob(ctx, job, pj.ImportID, err)
	}
	if err := p.store.SetParseTotalsTx(tx, pj.ImportID, int64(result.TotalRows), int64(result.TotalChunks)); err != nil {
		tx.Rollback()
		return p.deferJob(ctx, job, pj.ImportID, err)
	}
	done, err := p.queue.CompleteTx(tx, job.ID)
	if err != nil {
		tx.Rollback()
		return p.deferJob(ctx, job, pj.ImportID, err)
	}
	if !done {
		// Job was reclaimed while we worked. Whoever holds it now owns
		// the totals write.
		tx.Rollback()
		return nil
	}
	if err := tx.Commit(); err != nil {
		return p.deferJob(ctx, job, pj.ImportID, err)
	}

	atomic.AddInt64(&p.totalParsed, 1)
	p.cleanupFile(pj.FileLocation)

	// A header-only file produces zero chunks. Nothing else will ever
	// finalize it, so try here.
	if _, err := p.store.TryFinalize(ctx, pj.ImportID); err != nil {
		log.Printf("ImportWorkerPool: finalize after parse for import %s: %v", pj.ImportID, err)
	}
	p.publishProgress(ctx, pj.ImportID)

	log.Printf("ImportWorkerPool: parsed import %s (%d rows, %d chunks)", pj.ImportID, result.TotalRows, result.TotalChunks)
	return nil
}

// handleChunk maps one batch of raw rows and bulk inserts the events, then
// completes the chunk job and bumps the import's counters in a single
// transaction. A redelivered chunk whose completion already committed rolls
// back and applies nothing, so counters are incremented exactly once per
// chunk even though delivery is at-least-once.
func (p *ImportWorkerPool) handleChunk(ctx context.Context, job queue.Job) error {
	var cj importer.ChunkJob
	if err := json.Unmarshal(job.Payload, &cj); err != nil {
		return p.abandon(ctx, job, fmt.Sprintf("undecodable chunk payload: %v", err))
	}

	evs, dropped, err := mapper.Transform(cj.Source, cj.Rows, cj.SiteID, cj.ImportID)
	if err != nil {
		return p.abandon(ctx, job, err.Error())
	}

	if len(evs) > 0 {
		if err := p.sink.InsertBatch(ctx, evs); err != nil {
			return p.deferJob(ctx, job, cj.ImportID, fmt.Errorf("bulk insert: %w", err))
		}
	}

	tx, err := p.store.BeginTx(ctx)
	if err != nil {
		return p.deferJob(ctx, job, cj.ImportID, err)
	}
	done, err := p.queue.CompleteTx(tx, job.ID)
	if err != nil {
		tx.Rollback()
		return p.deferJob(ctx, job, cj.ImportID, err)
	}
	if !done {
		// Already applied by an earlier delivery.
		tx.Rollback()
		return nil
	}
	if err := p.store.ApplyChunkTx(tx, cj.ImportID, int64(len(cj.Rows)), int64(len(evs)), int64(dropped)); err != nil {
		tx.Rollback()
		return p.deferJob(ctx, job, cj.ImportID, err)
	}
	if err := tx.Commit(); err != nil {
		return p.deferJob(ctx, job, cj.ImportID, err)
	}

	atomic.AddInt64(&p.totalChunks, 1)
	atomic.AddInt64(&p.totalEvents, int64(len(evs)))

	if _, err := p.store.TryFinalize(ctx, cj.ImportID); err != nil {
		log.Printf("ImportWorkerPool: finalize import %s: %v", cj.ImportID, err)
	}
	p.publishProgress(ctx, cj.ImportID)
	return nil
}

// deferJob records a retryable failure. When the retry budget is spent the
// queue dead-letters the job and the whole import is failed.
func (p *ImportWorkerPool) deferJob(ctx context.Context, job queue.Job, importID string, cause error) error {
	atomic.AddInt64(&p.totalFailures, 1)

	deadLettered, err := p.queue.Fail(ctx, job, cause.Error())
	if err != nil {
		return fmt.Errorf("recording failure of job %s: %w", job.ID, err)
	}
	if deadLettered {
		log.Printf("ImportWorkerPool: job %s exhausted retries, failing import %s", job.ID, importID)
		if err := p.failImport(ctx, importID, cause.Error()); err != nil {
			return err
		}
	}
	return cause
}

// abandon dead-letters a job for an unrecoverable error and fails the
// import immediately. Retrying corrupt input only burns the budget.
func (p *ImportWorkerPool) abandon(ctx context.Context, job queue.Job, msg string) error {
	atomic.AddInt64(&p.totalFailures, 1)

	if err := p.queue.Discard(ctx, job, msg); err != nil {
		return err
	}
	if job.ImportID != "" {
		return p.failImport(ctx, job.ImportID, msg)
	}
	return nil
}

// failImport moves the import to failed and attempts residual cleanup.
// The file deletion is best effort; the transition never depends on it.
func (p *ImportWorkerPool) failImport(ctx context.Context, importID, msg string) error {
	if err := p.store.MarkFailed(ctx, importID, msg); err != nil {
		return err
	}
	rec, err := p.store.Get(ctx, importID)
	if err != nil {
		if err != importer.ErrNotFound {
			log.Printf("ImportWorkerPool: load failed import %s: %v", importID, err)
		}
		return nil
	}
	if rec.FileLocation != "" {
		p.cleanupFile(rec.FileLocation)
	}
	if p.progress != nil {
		p.progress.Publish(ctx, rec)
	}
	return nil
}

func (p *ImportWorkerPool) cleanupFile(location string) {
	if location == "" {
		return
	}
	// Best effort, the recovery sweep or delete endpoint catches leftovers.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.files.Delete(ctx, location); err != nil {
		log.Printf("ImportWorkerPool: delete stored file %s: %v", location, err)
	}
}

func (p *ImportWorkerPool) publishProgress(ctx context.Context, importID string) {
	if p.progress == nil {
		return
	}
	rec, err := p.store.Get(ctx, importID)
	if err != nil {
		if err != sql.ErrNoRows && err != importer.ErrNotFound {
			log.Printf("ImportWorkerPool: load import %s for progress: %v", importID, err)
		}
		return
	}
	p.progress.Publish(ctx, rec)
}
