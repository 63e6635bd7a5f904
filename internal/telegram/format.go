package telegram

import (
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/saat/internal/broker"
	"github.com/mtzanidakis/saat/internal/pipeline"
	"github.com/mtzanidakis/saat/internal/store"
)

func formatRunEvent(e broker.Event) string {
	var sb strings.Builder
	if e.Type == broker.EventPipelineCompleted {
		fmt.Fprintf(&sb, "✅ %s completed", e.Pipeline)
	} else {
		fmt.Fprintf(&sb, "❌ %s failed", e.Pipeline)
		if aborted, _ := e.Data["aborted"].(bool); aborted {
			sb.WriteString(" (aborted)")
		}
	}
	sb.WriteString("\n")

	fmt.Fprintf(&sb, "Run: %s\n", e.RunID)
	if steps, ok := number(e.Data["steps"]); ok {
		fmt.Fprintf(&sb, "Steps: %d\n", steps)
	}
	if errs, ok := number(e.Data["errors"]); ok && errs > 0 {
		fmt.Fprintf(&sb, "Errors: %d\n", errs)
	}
	if ms, ok := number(e.Data["duration_ms"]); ok {
		fmt.Fprintf(&sb, "Duration: %s\n", (time.Duration(ms) * time.Millisecond).String())
	}
	if first, _ := e.Data["first_error"].(string); first != "" {
		fmt.Fprintf(&sb, "First error: %s\n", first)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// number accepts both in-process ints and JSON-decoded float64s.
func number(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func formatPipelines(ps []pipeline.Pipeline) string {
	if len(ps) == 0 {
		return "No pipelines registered."
	}
	var sb strings.Builder
	sb.WriteString("Pipelines:")
	for _, p := range ps {
		fmt.Fprintf(&sb, "\n• %s (%d steps)", p.Name, len(p.Steps))
	}
	return sb.String()
}

func formatRuns(runs []store.Run) string {
	if len(runs) == 0 {
		return "No runs yet."
	}
	var sb strings.Builder
	sb.WriteString("Recent runs:")
	for _, r := range runs {
		status := "✅"
		if !r.Success {
			status = "❌"
		}
		fmt.Fprintf(&sb, "\n%s %s %s (%s)", status, r.StartedAt.Format("Jan 2 15:04"), r.Pipeline, r.ID)
	}
	return sb.String()
}

// parseParams turns key=value command arguments into run parameters.
func parseParams(args []string) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", arg)
		}
		params[k] = v
	}
	return params, nil
}
