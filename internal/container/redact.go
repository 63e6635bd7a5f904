package container

import (
	"log/slog"
	"strings"

	"github.com/mtzanidakis/saat/internal/agent"
)

const (
	redactedMarker = "[REDACTED]"
	// Shorter values cause too many false positives.
	minSecretLen = 8
)

// redactor scrubs resolved secret values out of container output before
// it reaches results, logs or the run store.
type redactor struct {
	agent  string
	values []string
}

// newRedactor collects the env values the resolver replaced.
func newRedactor(agentName string, raw, resolved map[string]string) *redactor {
	r := &redactor{agent: agentName}
	for k, v := range raw {
		if val := resolved[k]; val != v && len(val) >= minSecretLen {
			r.values = append(r.values, val)
		}
	}
	return r
}

func (r *redactor) String(content string) string {
	if r == nil {
		return content
	}
	for _, v := range r.values {
		content = r.redactValue(content, v)
	}
	return content
}

// Result scrubs error messages. Data is left alone; agents that echo a
// secret into structured output do so on purpose.
func (r *redactor) Result(res *agent.Result) {
	if r == nil || res == nil || len(r.values) == 0 {
		return
	}
	for i := range res.Errors {
		res.Errors[i].Message = r.String(res.Errors[i].Message)
	}
}

// redactValue tries an exact match first, then falls back to
// whitespace-normalized matching to catch reformatted values such as
// pretty-printed JSON.
func (r *redactor) redactValue(content, value string) string {
	if strings.Contains(content, value) {
		slog.Warn("redacted secret from agent output", "agent", r.agent)
		return strings.ReplaceAll(content, value, redactedMarker)
	}

	normValue := collapseWhitespace(strings.TrimSpace(value))
	if len(normValue) < minSecretLen {
		return content
	}
	if strings.Contains(collapseWhitespace(content), normValue) {
		slog.Warn("redacted secret from agent output (normalized)", "agent", r.agent)
		return redactNormalized(content, normValue)
	}
	return content
}

// redactNormalized walks content and the normalized value in lockstep to
// map normalized match positions back to the original content.
func redactNormalized(content, normValue string) string {
	var b strings.Builder
	i := 0
	for i < len(content) {
		if end := matchNormalizedAt(content, i, normValue); end >= 0 {
			b.WriteString(redactedMarker)
			i = end
		} else {
			b.WriteByte(content[i])
			i++
		}
	}
	return b.String()
}

// matchNormalizedAt returns the end position in content of a match
// starting at pos, or -1.
func matchNormalizedAt(content string, pos int, normValue string) int {
	ci, ni := pos, 0
	for ci < len(content) && ni < len(normValue) {
		cb, nb := content[ci], normValue[ni]
		switch {
		case isSpace(cb) && isSpace(nb):
			for ci < len(content) && isSpace(content[ci]) {
				ci++
			}
			for ni < len(normValue) && isSpace(normValue[ni]) {
				ni++
			}
		case cb == nb:
			ci++
			ni++
		case isSpace(cb):
			ci++
		default:
			return -1
		}
	}
	for ni < len(normValue) && isSpace(normValue[ni]) {
		ni++
	}
	if ni == len(normValue) {
		return ci
	}
	return -1
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	inSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !inSpace {
				b.WriteByte(' ')
				inSpace = true
			}
		} else {
			b.WriteRune(r)
			inSpace = false
		}
	}
	return b.String()
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
