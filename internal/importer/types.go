package importer

import (
	"errors"
	"time"
)

// Status is the lifecycle state of an import. pending and processing are
// transient; completed and failed are terminal and never transitioned out of.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrNotFound    = errors.New("import not found")
	ErrNotTerminal = errors.New("import is still pending or processing")
	ErrEmptyFile   = errors.New("file is empty")
	ErrNoHeader    = errors.New("no header row detected in CSV file")
)

// ImportRecord is the durable record of one user-initiated import.
// The ID doubles as the dedup tag stamped on every inserted canonical event.
type ImportRecord struct {
	ID              string     `json:"importId"`
	SiteID          string     `json:"siteId"`
	OrganizationID  string     `json:"organizationId"`
	Source          string     `json:"source"`
	Status          Status     `json:"status"`
	FileName        string     `json:"fileName"`
	FileSize        int64      `json:"fileSize"`
	FileLocation    string     `json:"-"`
	TotalRows       *int64     `json:"totalRows,omitempty"`
	TotalChunks     *int64     `json:"-"`
	ProcessedChunks int64      `json:"-"`
	ProcessedRows   int64      `json:"processedRows"`
	ImportedEvents  int64      `json:"importedEvents"`
	DroppedRows     int64      `json:"droppedRows"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	StartedAt       time.Time  `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// Percentage returns progress as 0-100. Unknown totals report 0 until the
// parser has counted the file; completed imports always report 100.
func (r *ImportRecord) Percentage() float64 {
	if r.Status == StatusCompleted {
		return 100
	}
	if r.TotalRows == nil || *r.TotalRows == 0 {
		return 0
	}
	pct := float64(r.ProcessedRows) / float64(*r.TotalRows) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// RawRow is one decoded CSV row keyed by header name. Mappers read from it;
// missing columns are simply absent keys.
type RawRow map[string]string

// ParseJob is the payload of the pipeline's initiating queue message.
type ParseJob struct {
	FileLocation   string `json:"tempFileLocation"`
	OrganizationID string `json:"organizationId"`
	SiteID         string `json:"siteId"`
	ImportID       string `json:"importId"`
	Source         string `json:"source"`
}

// ChunkJob carries one bounded batch of raw rows from the parser to the
// bulk inserter. Redelivered on worker crash per the queue's at-least-once
// contract; chunk order across an import is not guaranteed.
type ChunkJob struct {
	SiteID     string   `json:"siteId"`
	ImportID   string   `json:"importId"`
	Source     string   `json:"source"`
	ChunkIndex int      `json:"chunkIndex"`
	Rows       []RawRow `json:"rows"`
}
