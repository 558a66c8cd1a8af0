package tracker

import "strings"

// RelayedOutput extracts the hook output from a git push transcript. The
// receiving side relays hook output as "remote: " lines, padded with
// trailing spaces so progress updates cannot clobber them; both the prefix
// and the padding are stripped. Progress and transport chatter are
// dropped.
func RelayedOutput(raw string) string {
	var b strings.Builder
	for _, line := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == '\r'
	}) {
		rest, ok := strings.CutPrefix(line, "remote: ")
		if !ok {
			continue
		}
		rest = strings.TrimRight(rest, " ")
		if rest == "" {
			continue
		}
		b.WriteString(rest)
		b.WriteByte('\n')
	}
	return b.String()
}
