package pool

import "strings"

const (
	internalOpen  = "<internal>"
	internalClose = "</internal>"
)

// StripInternal removes every <internal>…</internal> span from worker
// output. Internal content must never reach a channel send; an unterminated
// open marker therefore swallows everything after it.
func StripInternal(text string) string {
	if !strings.Contains(text, internalOpen) {
		return strings.TrimSpace(text)
	}

	var b strings.Builder
	for {
		start := strings.Index(text, internalOpen)
		if start < 0 {
			b.WriteString(text)
			break
		}
		b.WriteString(text[:start])
		rest := text[start+len(internalOpen):]
		end := strings.Index(rest, internalClose)
		if end < 0 {
			break
		}
		text = rest[end+len(internalClose):]
	}
	return strings.TrimSpace(b.String())
}
