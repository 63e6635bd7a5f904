package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// ValidCron reports whether expr is a cron expression gronx understands,
// including the @hourly style macros.
func ValidCron(expr string) bool {
	return gronx.New().IsValid(strings.TrimSpace(expr))
}

// NextRun returns the first tick of expr strictly after ref, evaluated in
// ref's location and returned in UTC.
func NextRun(expr string, ref time.Time) (*time.Time, error) {
	expr = strings.TrimSpace(expr)
	if !ValidCron(expr) {
		return nil, fmt.Errorf("invalid cron expression: %q", expr)
	}
	next, err := gronx.NextTickAfter(expr, ref, false)
	if err != nil {
		return nil, fmt.Errorf("next tick for %q: %w", expr, err)
	}
	next = next.UTC()
	return &next, nil
}

// Describe returns a short human-readable form of a cron expression.
func Describe(expr string) string {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "@") {
		return expr
	}
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return expr
	}
	minute, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]

	switch {
	case expr == "* * * * *":
		return "Every minute"
	case strings.HasPrefix(minute, "*/") && hour == "*" && dom == "*" && month == "*" && dow == "*":
		return fmt.Sprintf("Every %s minutes", strings.TrimPrefix(minute, "*/"))
	}

	m, mErr := strconv.Atoi(minute)
	h, hErr := strconv.Atoi(hour)
	switch {
	case mErr == nil && hour == "*" && dom == "*" && month == "*" && dow == "*":
		return fmt.Sprintf("Hourly at :%02d", m)
	case mErr == nil && hErr == nil && dom == "*" && month == "*" && dow == "*":
		return fmt.Sprintf("Daily at %02d:%02d", h, m)
	case mErr == nil && hErr == nil && dom == "*" && month == "*":
		return fmt.Sprintf("Weekly (%s) at %02d:%02d", dow, h, m)
	default:
		return expr
	}
}
