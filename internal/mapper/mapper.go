// Package mapper converts raw source-format rows into canonical events.
// Each supported source is one pure transform registered under its tag:
// deterministic, no I/O, tolerant of missing optional fields. Adding a
// source means adding one entry here; call sites never change.
package mapper

import (
	"fmt"
	"sort"

	"github.com/twangodev/rybbit-sub002/internal/events"
	"github.com/twangodev/rybbit-sub002/internal/importer"
)

// Mapper transforms one chunk of raw rows into canonical events. It
// returns the emitted events and the number of rows dropped by row-level
// validation. Within one call, emitted events preserve source row order.
type Mapper interface {
	Transform(rows []importer.RawRow, siteID, importID string) ([]events.Event, int)
}

var registry = map[string]Mapper{
	"umami": umamiMapper{},
}

// Supported reports whether a source tag has a registered mapper.
// Unsupported tags are a request-time validation error; Transform is never
// reached with one through the normal pipeline.
func Supported(source string) bool {
	_, ok := registry[source]
	return ok
}

// Sources lists the supported source tags, sorted.
func Sources() []string {
	out := make([]string, 0, len(registry))
	for tag := range registry {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Transform dispatches to the mapper registered for the source tag.
func Transform(source string, rows []importer.RawRow, siteID, importID string) ([]events.Event, int, error) {
	m, ok := registry[source]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported import source %q", source)
	}
	evs, dropped := m.Transform(rows, siteID, importID)
	return evs, dropped, nil
}
