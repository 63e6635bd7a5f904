package agent

import "fmt"

// RequireKeys validates that every key is present in input. The score is
// the share of keys present, scaled to 0-100.
func RequireKeys(input map[string]any, keys ...string) ValidationResult {
	res := ValidationResult{Valid: true, Score: 100, Errors: []Error{}, Warnings: []Error{}}
	if len(keys) == 0 {
		return res
	}

	missing := 0
	for _, k := range keys {
		if _, ok := input[k]; ok {
			continue
		}
		missing++
		res.Errors = append(res.Errors, Error{
			Code:     "MISSING_INPUT",
			Message:  fmt.Sprintf("required input %q is missing", k),
			Severity: SeverityError,
			Element:  k,
			Fix:      fmt.Sprintf("provide %q in the input", k),
		})
	}

	res.Valid = missing == 0
	res.Score = (len(keys) - missing) * 100 / len(keys)
	return res
}
