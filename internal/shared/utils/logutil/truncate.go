package logutil

// TruncateForLog truncates a string to maxLen bytes for logging. Longer
// strings get a "..." suffix.
func TruncateForLog(s string, maxLen int) string {
	if maxLen <= 0 {
		return "..."
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// TruncateBytes is TruncateForLog for raw wire data.
func TruncateBytes(b []byte, maxLen int) string {
	if maxLen > 0 && len(b) > maxLen {
		return string(b[:maxLen]) + "..."
	}
	return TruncateForLog(string(b), maxLen)
}
