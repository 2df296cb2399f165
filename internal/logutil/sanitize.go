package logutil

import "strings"

// maxLoggedLen bounds how much of a client-supplied value reaches the log.
const maxLoggedLen = 128

// SanitizeForLog removes newlines and control characters from user-provided
// strings to prevent log injection, where a client could forge log entries
// by embedding newline characters in a target name or session id.
// Values longer than maxLoggedLen are truncated with a trailing "...".
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")

	var result strings.Builder
	result.Grow(len(s))
	n := 0
	for _, r := range s {
		if r < 32 || r == 0x7f {
			continue
		}
		if n == maxLoggedLen {
			result.WriteString("...")
			break
		}
		result.WriteRune(r)
		n++
	}
	return result.String()
}

// Target renders a workload/container pair for log lines.
func Target(workload, container string) string {
	if container == "" {
		return SanitizeForLog(workload)
	}
	return SanitizeForLog(workload) + "/" + SanitizeForLog(container)
}
