// Package httputil provides shared HTTP response utilities for handlers.
//
// Handlers use these helpers instead of writing raw http.ResponseWriter
// calls, so every endpoint of the import API serves the same JSON shape
// and the same error envelope.
package httputil
