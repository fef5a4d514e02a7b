// Package stringutil holds small string helpers shared by the exec-based
// collaborators.
package stringutil

const truncatedSuffix = "... (truncated)"

// TruncateOutput returns at most maxLen bytes of out as a string, marking
// the result when bytes were dropped. Command output can be large and is
// only ever used for diagnostics.
func TruncateOutput(out []byte, maxLen int) string {
	if maxLen < 0 {
		maxLen = 0
	}
	if len(out) <= maxLen {
		return string(out)
	}
	return string(out[:maxLen]) + truncatedSuffix
}
