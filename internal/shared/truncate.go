package shared

import "fmt"

// maxCapturedOutput bounds how much command output is retained in results
// and events. Long test logs keep their head and tail; the middle is elided.
const maxCapturedOutput = 16 * 1024

// Truncate elides the middle of oversized output, preserving the start
// (compiler errors) and the end (test summaries).
func Truncate(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	head := s[:maxCapturedOutput/2]
	tail := s[len(s)-maxCapturedOutput/2:]
	return fmt.Sprintf("%s\n... [%d bytes elided] ...\n%s", head, len(s)-maxCapturedOutput, tail)
}
