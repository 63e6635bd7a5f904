package telegram

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mtzanidakis/saat/internal/broker"
	"github.com/mtzanidakis/saat/internal/pipeline"
	"github.com/mtzanidakis/saat/internal/store"
)

func TestChunkMessage(t *testing.T) {
	// Short message
	chunks := chunkMessage("hello", 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}

	// Exact limit
	chunks = chunkMessage(strings.Repeat("a", 4096), 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for exact limit, got %d", len(chunks))
	}

	// Over limit
	chunks = chunkMessage(strings.Repeat("a", 8192), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks, got %d", len(chunks))
	}

	// Split at newline
	msg := []byte(strings.Repeat("a", 5000))
	msg[3000] = '\n'
	chunks = chunkMessage(string(msg), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks with newline split, got %d", len(chunks))
	}
	if len(chunks[0]) != 3001 { // Up to and including the newline
		t.Errorf("expected first chunk length 3001, got %d", len(chunks[0]))
	}
}

func TestChunkMessageMultiByte(t *testing.T) {
	// 3-byte runes never line up with a 4096-byte window.
	text := strings.Repeat("日本語", 2000)
	chunks := chunkMessage(text, 4096)
	if len(chunks) < 2 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 4096 {
			t.Errorf("chunk %d exceeds limit: %d bytes", i, len(c))
		}
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is not valid UTF-8", i)
		}
	}
	if strings.Join(chunks, "") != text {
		t.Error("chunks do not reassemble the original text")
	}

	// Emoji are 4 bytes; a window smaller than one rune still makes progress.
	chunks = chunkMessage("🙂🙂", 2)
	if len(chunks) != 2 || chunks[0] != "🙂" || chunks[1] != "🙂" {
		t.Errorf("unexpected chunks for narrow window: %q", chunks)
	}
}

func TestFormatRunEventCompleted(t *testing.T) {
	got := formatRunEvent(broker.Event{
		Type:     broker.EventPipelineCompleted,
		RunID:    "run-1",
		Pipeline: "analysis",
		Data:     map[string]any{"success": true, "steps": 3, "errors": 0, "duration_ms": int64(1500)},
	})
	want := "✅ analysis completed\nRun: run-1\nSteps: 3\nDuration: 1.5s"
	if got != want {
		t.Errorf("unexpected summary:\n%s\nwant:\n%s", got, want)
	}
}

func TestFormatRunEventFailed(t *testing.T) {
	// Data as decoded from JSON off the bus.
	got := formatRunEvent(broker.Event{
		Type:     broker.EventPipelineFailed,
		RunID:    "run-2",
		Pipeline: "analysis",
		Data: map[string]any{
			"aborted":     true,
			"steps":       float64(1),
			"errors":      float64(2),
			"duration_ms": float64(20),
			"first_error": "AGENT_NOT_FOUND: agent not registered (missing)",
		},
	})
	for _, want := range []string{
		"❌ analysis failed (aborted)",
		"Errors: 2",
		"Duration: 20ms",
		"First error: AGENT_NOT_FOUND",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in summary:\n%s", want, got)
		}
	}
}

func TestFormatPipelines(t *testing.T) {
	if got := formatPipelines(nil); got != "No pipelines registered." {
		t.Errorf("unexpected empty listing %q", got)
	}
	got := formatPipelines([]pipeline.Pipeline{{Name: "analysis", Steps: make([]pipeline.Step, 2)}})
	if got != "Pipelines:\n• analysis (2 steps)" {
		t.Errorf("unexpected listing %q", got)
	}
}

func TestFormatRuns(t *testing.T) {
	started := time.Date(2025, 1, 2, 15, 4, 0, 0, time.UTC)
	got := formatRuns([]store.Run{
		{ID: "a", Pipeline: "analysis", Success: true, StartedAt: started},
		{ID: "b", Pipeline: "analysis", Success: false, StartedAt: started},
	})
	want := "Recent runs:\n✅ Jan 2 15:04 analysis (a)\n❌ Jan 2 15:04 analysis (b)"
	if got != want {
		t.Errorf("unexpected runs listing:\n%s", got)
	}
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"path=/src", "depth=2"})
	if err != nil {
		t.Fatal(err)
	}
	if params["path"] != "/src" || params["depth"] != "2" {
		t.Errorf("unexpected params %v", params)
	}

	if _, err := parseParams([]string{"novalue"}); err == nil {
		t.Error("expected error for argument without '='")
	}
	if _, err := parseParams([]string{"=x"}); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestAllowedChats(t *testing.T) {
	b := &Bot{}
	b.SetChatIDs([]int64{42})
	if !b.allowed(42) || b.allowed(7) {
		t.Error("unexpected allow result")
	}
	b.SetChatIDs(nil)
	if b.allowed(42) {
		t.Error("expected no chats allowed after reset")
	}
}
