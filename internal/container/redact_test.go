package container

import (
	"strings"
	"testing"

	"github.com/mtzanidakis/saat/internal/agent"
)

func TestRedactorCollectsResolvedValues(t *testing.T) {
	raw := map[string]string{"TOKEN": "secret:api", "SHORT": "secret:pin", "PLAIN": "visible-value"}
	resolved := map[string]string{"TOKEN": "sk-abcdef123456", "SHORT": "1234", "PLAIN": "visible-value"}

	r := newRedactor("generator", raw, resolved)
	if len(r.values) != 1 || r.values[0] != "sk-abcdef123456" {
		t.Fatalf("expected only the long resolved value, got %v", r.values)
	}
}

func TestRedactExact(t *testing.T) {
	r := &redactor{agent: "a", values: []string{"sk-abcdef123456"}}
	got := r.String("auth failed with sk-abcdef123456 twice: sk-abcdef123456")
	if strings.Contains(got, "sk-abcdef") {
		t.Errorf("secret still present: %q", got)
	}
	if strings.Count(got, redactedMarker) != 2 {
		t.Errorf("expected two markers, got %q", got)
	}
}

func TestRedactNormalized(t *testing.T) {
	r := &redactor{agent: "a", values: []string{`{"key": "abc", "id": 42}`}}
	got := r.String("config was {\"key\":  \"abc\",\n  \"id\": 42} done")
	if strings.Contains(got, "abc") || !strings.Contains(got, redactedMarker) {
		t.Errorf("unexpected redaction %q", got)
	}
	if !strings.HasPrefix(got, "config was") || !strings.HasSuffix(got, " done") {
		t.Errorf("surrounding text lost: %q", got)
	}
}

func TestRedactNilAndUnrelated(t *testing.T) {
	var r *redactor
	if got := r.String("keep me"); got != "keep me" {
		t.Errorf("nil redactor changed content: %q", got)
	}
	r.Result(&agent.Result{})

	r = &redactor{agent: "a", values: []string{"sk-abcdef123456"}}
	if got := r.String("nothing to see"); got != "nothing to see" {
		t.Errorf("unexpected change %q", got)
	}
}

func TestRedactResultErrors(t *testing.T) {
	r := &redactor{agent: "a", values: []string{"sk-abcdef123456"}}
	res := agent.Failure("AUTH", "token sk-abcdef123456 rejected")
	r.Result(res)
	if res.Errors[0].Message != "token "+redactedMarker+" rejected" {
		t.Errorf("unexpected message %q", res.Errors[0].Message)
	}
}
