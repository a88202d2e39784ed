package protocol

import "strings"

// parseSSELine splits "field: value" at the first colon. Lines without a
// colon are not SSE fields.
func parseSSELine(line string) (field, value string, ok bool) {
	field, value, ok = strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(field), strings.TrimSpace(value), true
}

// formatSSE renders one SSE event. event may be empty for data-only frames.
func formatSSE(event, data string) string {
	if event != "" {
		return "event: " + event + "\ndata: " + data + "\n\n"
	}
	return "data: " + data + "\n\n"
}
