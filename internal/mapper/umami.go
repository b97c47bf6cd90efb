package mapper

import (
	"strconv"
	"strings"
	"time"

	"github.com/twangodev/rybbit-sub002/internal/events"
	"github.com/twangodev/rybbit-sub002/internal/importer"
)

// umamiMapper maps rows from an Umami CSV export (website_events join) to
// canonical events. Umami's export is wide and mostly optional; the only
// hard requirement per row is a parseable created_at timestamp; rows
// without one are dropped and counted.
type umamiMapper struct{}

// propertyFields is the closed list of UTM/click-id columns packed into
// the properties blob when non-empty.
var propertyFields = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_content", "utm_term",
	"gclid", "fbclid", "msclkid", "ttclid", "li_fat_id", "twclid",
}

// umami timestamps come in a handful of shapes depending on the export
// path (psql \copy vs the cloud exporter).
var umamiTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999",
	time.RFC3339,
	"2006-01-02T15:04:05.999Z",
}

func (umamiMapper) Transform(rows []importer.RawRow, siteID, importID string) ([]events.Event, int) {
	evs := make([]events.Event, 0, len(rows))
	dropped := 0

	for _, row := range rows {
		ts, ok := parseUmamiTime(row["created_at"])
		if !ok {
			dropped++
			continue
		}

		w, h := splitScreen(row["screen"])

		ev := events.Event{
			SiteID:       siteID,
			Timestamp:    ts,
			SessionID:    row["session_id"],
			UserID:       row["distinct_id"],
			Hostname:     row["hostname"],
			Pathname:     row["url_path"],
			Querystring:  row["url_query"],
			PageTitle:    row["page_title"],
			Referrer:     buildReferrer(row),
			Browser:      row["browser"],
			OS:           row["os"],
			Device:       row["device"],
			ScreenWidth:  w,
			ScreenHeight: h,
			Language:     row["language"],
			Country:      row["country"],
			Region:       row["region"],
			City:         row["city"],
			Type:         classifyEventType(row["event_type"]),
			ImportID:     importID,
		}
		if ev.Type == events.TypeCustomEvent {
			ev.EventName = row["event_name"]
		}

		props := make(map[string]string)
		for _, field := range propertyFields {
			if v := strings.TrimSpace(row[field]); v != "" {
				props[field] = v
			}
		}
		if len(props) > 0 {
			ev.Properties = props
		}

		evs = append(evs, ev)
	}

	return evs, dropped
}

func parseUmamiTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range umamiTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// splitScreen splits umami's combined "1920x1080" dimension. Anything
// malformed yields zero dimensions rather than an error.
func splitScreen(s string) (width, height int) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || w < 0 || h < 0 {
		return 0, 0
	}
	return w, h
}

// buildReferrer concatenates umami's split referrer columns back into one
// field. Without a referrer domain there is no referrer at all.
func buildReferrer(row importer.RawRow) string {
	domain := strings.TrimSpace(row["referrer_domain"])
	if domain == "" {
		return ""
	}
	ref := domain + row["referrer_path"]
	if q := row["referrer_query"]; q != "" {
		ref += "?" + strings.TrimPrefix(q, "?")
	}
	return ref
}

// classifyEventType maps umami's numeric event-type code: 2 is a custom
// event, everything else (including absent) is a pageview.
func classifyEventType(code string) events.Type {
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err == nil && n == 2 {
		return events.TypeCustomEvent
	}
	return events.TypePageview
}
