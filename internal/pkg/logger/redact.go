package logger

// MaskIdentifier masks a visitor or session identifier for safe logging.
// "f3a9c2d1-..." becomes "f3a9***". Identifiers of 4 characters or fewer
// are fully masked.
func MaskIdentifier(id string) string {
	if id == "" {
		return ""
	}
	if len(id) <= 4 {
		return "***"
	}
	return id[:4] + "***"
}
