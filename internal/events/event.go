// Package events defines the platform's canonical analytics record and the
// bulk-insert client for the column-oriented event store.
package events

import "time"

// Type discriminates canonical event kinds.
type Type string

const (
	TypePageview    Type = "pageview"
	TypeCustomEvent Type = "custom_event"
)

// Event is the normalized analytics record, independent of any source
// format. Produced only by a mapper, never mutated after creation, and
// written exactly once through the bulk inserter. ImportID ties every
// imported row back to its ImportRecord.
type Event struct {
	SiteID       string            `json:"site_id"`
	Timestamp    time.Time         `json:"timestamp"`
	SessionID    string            `json:"session_id"`
	UserID       string            `json:"user_id"`
	Hostname     string            `json:"hostname"`
	Pathname     string            `json:"pathname"`
	Querystring  string            `json:"querystring"`
	PageTitle    string            `json:"page_title"`
	Referrer     string            `json:"referrer"`
	Browser      string            `json:"browser"`
	OS           string            `json:"os"`
	Device       string            `json:"device"`
	ScreenWidth  int               `json:"screen_width"`
	ScreenHeight int               `json:"screen_height"`
	Language     string            `json:"language"`
	Country      string            `json:"country"`
	Region       string            `json:"region"`
	City         string            `json:"city"`
	Type         Type              `json:"type"`
	EventName    string            `json:"event_name,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
	ImportID     string            `json:"import_id"`
}
