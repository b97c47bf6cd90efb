// Package queue is the durable job queue connecting the pipeline stages.
// It is backed by the import_queue Postgres table: at-least-once delivery,
// claim via FOR UPDATE SKIP LOCKED, an attempts counter with scheduled
// backoff, and a dead_letter state for exhausted jobs. The queue is always
// passed explicitly to producers and consumers, never held as a global.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/twangodev/rybbit-sub002/internal/retry"
)

// JobType discriminates the pipeline stage a job belongs to.
type JobType string

const (
	JobParse JobType = "parse"
	JobChunk JobType = "chunk"
)

// Job is one claimed queue message.
type Job struct {
	ID       uuid.UUID
	ImportID string
	Type     JobType
	Payload  json.RawMessage
	Attempts int
}

// Queue wraps the import_queue table.
type Queue struct {
	db     *sql.DB
	policy *retry.Policy
}

// New creates a queue over the given database using the given retry policy.
func New(db *sql.DB, policy *retry.Policy) *Queue {
	if policy == nil {
		policy = retry.Default()
	}
	return &Queue{db: db, policy: policy}
}

// Enqueue inserts a job in queued state. dedupKey makes the insert
// idempotent per import: re-running a producer (e.g. a redelivered parse
// job re-emitting chunks) cannot enqueue the same logical job twice.
func (q *Queue) Enqueue(ctx context.Context, importID string, t JobType, dedupKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", t, err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO import_queue (id, import_id, job_type, dedup_key, payload, status, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, 'queued', 0, NOW(), NOW())
		ON CONFLICT (import_id, dedup_key) DO NOTHING
	`, uuid.New(), importID, string(t), dedupKey, string(body))
	if err != nil {
		return fmt.Errorf("enqueue %s job: %w", t, err)
	}
	return nil
}

// Claim atomically claims up to limit due jobs for the given worker.
// Due means queued, or failed with next_attempt_at in the past. Claimed
// jobs stay invisible to other workers; a crashed worker's claims are
// reclaimed by RequeueStale.
func (q *Queue) Claim(ctx context.Context, workerID string, limit int) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		UPDATE import_queue
		SET status = 'claimed', worker_id = $1, claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM import_queue
			WHERE status IN ('queued', 'failed')
			  AND next_attempt_at <= NOW()
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, import_id, job_type, payload, attempts
	`, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var jobType string
		var payload []byte
		if err := rows.Scan(&j.ID, &j.ImportID, &jobType, &payload, &j.Attempts); err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		j.Type = JobType(jobType)
		j.Payload = payload
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CompleteTx marks a claimed job done inside the caller's transaction, so
// job completion and the import's counter increments commit atomically.
// Returns false when the job was not in claimed state anymore, the signal
// that a redelivered job has already been applied and must be a no-op.
func (q *Queue) CompleteTx(tx *sql.Tx, id uuid.UUID) (bool, error) {
	res, err := tx.Exec(`
		UPDATE import_queue
		SET status = 'done', completed_at = NOW()
		WHERE id = $1 AND status = 'claimed'
	`, id)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Complete marks a claimed job done outside any broader transaction.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE import_queue
		SET status = 'done', completed_at = NOW()
		WHERE id = $1 AND status = 'claimed'
	`, id)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Fail records a failed execution. Under the retry budget the job is
// rescheduled with exponential backoff; past it the job moves to
// dead_letter. Returns true when the job was dead-lettered, which is the
// caller's cue to fail the whole import.
func (q *Queue) Fail(ctx context.Context, job Job, errMsg string) (bool, error) {
	return q.FailAfter(ctx, job, errMsg, 0)
}

// FailAfter is Fail with an explicit retry-after hint from the failure
// (e.g. an event-store throttle response). A zero hint uses the policy's
// backoff.
func (q *Queue) FailAfter(ctx context.Context, job Job, errMsg string, hint time.Duration) (bool, error) {
	attempts := job.Attempts + 1

	if q.policy.Exhausted(attempts) {
		_, err := q.db.ExecContext(ctx, `
			UPDATE import_queue
			SET status = 'dead_letter', attempts = $2, error_message = $3, completed_at = NOW()
			WHERE id = $1
		`, job.ID, attempts, errMsg)
		if err != nil {
			return false, fmt.Errorf("dead-letter job %s: %w", job.ID, err)
		}
		return true, nil
	}

	delay := q.policy.DelayWithHint(attempts, hint)
	_, err := q.db.ExecContext(ctx, `
		UPDATE import_queue
		SET status = 'failed', attempts = $2, error_message = $3,
		    worker_id = NULL, claimed_at = NULL,
		    next_attempt_at = NOW() + $4 * INTERVAL '1 millisecond'
		WHERE id = $1
	`, job.ID, attempts, errMsg, delay.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("reschedule job %s: %w", job.ID, err)
	}
	return false, nil
}

// Discard dead-letters a job immediately, bypassing the retry budget.
// Used for unrecoverable errors where redelivery cannot help (corrupt
// file, schema violation).
func (q *Queue) Discard(ctx context.Context, job Job, errMsg string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE import_queue
		SET status = 'dead_letter', attempts = attempts + 1, error_message = $2, completed_at = NOW()
		WHERE id = $1
	`, job.ID, errMsg)
	if err != nil {
		return fmt.Errorf("discard job %s: %w", job.ID, err)
	}
	return nil
}

// RequeueStale returns claims held longer than staleAge to the queue.
// Such jobs belong to crashed workers; the reclaim counts as a failed
// execution so a chunk that keeps killing its worker still exhausts the
// retry budget. Jobs past the budget are dead-lettered here.
func (q *Queue) RequeueStale(ctx context.Context, staleAge time.Duration) (requeued, deadLettered int64, err error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE import_queue
		SET status = 'queued', worker_id = NULL, claimed_at = NULL,
		    attempts = attempts + 1, next_attempt_at = NOW()
		WHERE status = 'claimed'
		  AND claimed_at < NOW() - $1 * INTERVAL '1 second'
		  AND attempts < $2
	`, int64(staleAge.Seconds()), q.policy.MaxRetries+1)
	if err != nil {
		return 0, 0, fmt.Errorf("requeue stale claims: %w", err)
	}
	requeued, _ = res.RowsAffected()

	res, err = q.db.ExecContext(ctx, `
		UPDATE import_queue
		SET status = 'dead_letter', error_message = 'worker lost and retry budget spent', completed_at = NOW()
		WHERE status = 'claimed'
		  AND claimed_at < NOW() - $1 * INTERVAL '1 second'
		  AND attempts >= $2
	`, int64(staleAge.Seconds()), q.policy.MaxRetries+1)
	if err != nil {
		return requeued, 0, fmt.Errorf("dead-letter stale claims: %w", err)
	}
	deadLettered, _ = res.RowsAffected()
	return requeued, deadLettered, nil
}

// DeadLetteredImports lists distinct imports that have at least one
// dead-lettered job, with the first recorded error. The recovery loop
// uses this to make sure no import stays processing forever.
func (q *Queue) DeadLetteredImports(ctx context.Context) (map[string]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT DISTINCT ON (import_id) import_id, COALESCE(error_message, 'retries exhausted')
		FROM import_queue
		WHERE status = 'dead_letter'
		ORDER BY import_id, completed_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list dead-lettered imports: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, msg string
		if err := rows.Scan(&id, &msg); err != nil {
			return nil, err
		}
		out[id] = msg
	}
	return out, rows.Err()
}

// PurgeForImport removes all queue rows belonging to an import. Called
// when a terminal import record is deleted.
func (q *Queue) PurgeForImport(ctx context.Context, importID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM import_queue WHERE import_id = $1`, importID)
	if err != nil {
		return fmt.Errorf("purge queue for import %s: %w", importID, err)
	}
	return nil
}
