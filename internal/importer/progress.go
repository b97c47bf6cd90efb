package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProgressTTL bounds how long a live snapshot outlives its last update.
// Finished imports stay readable for an hour so UIs polling just after
// completion still get an answer without hitting the database.
const ProgressTTL = time.Hour

// Progress is the live snapshot published to Redis after every chunk.
type Progress struct {
	ImportID        string  `json:"importId"`
	Status          Status  `json:"status"`
	TotalChunks     int64   `json:"totalChunks"`
	ProcessedChunks int64   `json:"processedChunks"`
	ProcessedRows   int64   `json:"processedRows"`
	ImportedEvents  int64   `json:"importedEvents"`
	DroppedRows     int64   `json:"droppedRows"`
	Percentage      float64 `json:"percentage"`
}

// ProgressPublisher mirrors import counters into Redis so the progress
// endpoint can answer without a database round trip. A nil publisher is
// valid and turns every method into a no-op, which keeps Redis optional.
type ProgressPublisher struct {
	redis *redis.Client
}

func NewProgressPublisher(client *redis.Client) *ProgressPublisher {
	if client == nil {
		return nil
	}
	return &ProgressPublisher{redis: client}
}

func progressKey(importID string) string {
	return fmt.Sprintf("import:progress:%s", importID)
}

// Publish stores a snapshot built from the given record. Failures are
// swallowed: the database is the source of truth and a missed snapshot
// only makes the next progress poll slightly staler.
func (p *ProgressPublisher) Publish(ctx context.Context, rec *ImportRecord) {
	if p == nil || rec == nil {
		return
	}
	snap := Progress{
		ImportID:        rec.ID,
		Status:          rec.Status,
		ProcessedChunks: rec.ProcessedChunks,
		ProcessedRows:   rec.ProcessedRows,
		ImportedEvents:  rec.ImportedEvents,
		DroppedRows:     rec.DroppedRows,
		Percentage:      rec.Percentage(),
	}
	if rec.TotalChunks != nil {
		snap.TotalChunks = *rec.TotalChunks
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	p.redis.Set(ctx, progressKey(rec.ID), data, ProgressTTL)
}

// Get returns the latest snapshot, or (nil, nil) when none is cached.
func (p *ProgressPublisher) Get(ctx context.Context, importID string) (*Progress, error) {
	if p == nil {
		return nil, nil
	}
	data, err := p.redis.Get(ctx, progressKey(importID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading progress snapshot: %w", err)
	}
	var snap Progress
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding progress snapshot: %w", err)
	}
	return &snap, nil
}

// Clear drops the snapshot when an import is deleted.
func (p *ProgressPublisher) Clear(ctx context.Context, importID string) {
	if p == nil {
		return
	}
	p.redis.Del(ctx, progressKey(importID))
}
