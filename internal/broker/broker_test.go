package broker

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtzanidakis/saat/internal/agent"
	"github.com/mtzanidakis/saat/internal/archctx"
	"github.com/mtzanidakis/saat/internal/memory"
	"github.com/mtzanidakis/saat/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// fakeAgent records its invocations and answers via fn.
type fakeAgent struct {
	agent.Info
	calls atomic.Int32
	last  atomic.Pointer[agent.Input]
	fn    func(ctx context.Context, task string, in agent.Input) (*agent.Result, error)
}

func newFake(name string, fn func(ctx context.Context, task string, in agent.Input) (*agent.Result, error)) *fakeAgent {
	return &fakeAgent{Info: agent.Info{AgentName: name, AgentVersion: "1.0.0"}, fn: fn}
}

func succeed(name string, data any) *fakeAgent {
	return newFake(name, func(context.Context, string, agent.Input) (*agent.Result, error) {
		return &agent.Result{Success: true, Data: data, Confidence: 1}, nil
	})
}

func fail(name, code string) *fakeAgent {
	return newFake(name, func(context.Context, string, agent.Input) (*agent.Result, error) {
		return agent.Failure(code, name+" failed"), nil
	})
}

func (f *fakeAgent) Execute(ctx context.Context, task string, in agent.Input) (*agent.Result, error) {
	f.calls.Add(1)
	f.last.Store(&in)
	return f.fn(ctx, task, in)
}

func (f *fakeAgent) Validate(input map[string]any) agent.ValidationResult {
	return agent.RequireKeys(input, "path")
}

func newBroker(t *testing.T, p pipeline.Pipeline, agents ...agent.Agent) *Broker {
	t.Helper()
	b := New()
	for _, a := range agents {
		b.RegisterAgent(a)
	}
	if err := b.RegisterPipeline(p); err != nil {
		t.Fatalf("register pipeline: %v", err)
	}
	return b
}

func errorCodes(errs []agent.Error) []string {
	codes := make([]string, len(errs))
	for i, e := range errs {
		codes[i] = e.Code
	}
	return codes
}

func TestExecuteAllSucceed(t *testing.T) {
	p := pipeline.Pipeline{Name: "all", Steps: []pipeline.Step{
		{Name: "one", Agent: "a"},
		{Name: "two", Agent: "b"},
		{Name: "three", Agent: "a"},
	}}
	b := newBroker(t, p, succeed("a", 1), succeed("b", 2))

	res, err := b.ExecutePipeline(context.Background(), "all", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got errors %v", res.Errors)
	}
	if got := res.StepNames(); !slices.Equal(got, []string{"one", "two", "three"}) {
		t.Errorf("unexpected step order: %v", got)
	}
	if len(res.Errors) != 0 {
		t.Errorf("expected no errors, got %v", res.Errors)
	}
	if res.RunID == "" {
		t.Error("expected run id")
	}
	if res.Aborted {
		t.Error("run should not be aborted")
	}
}

func TestExecuteRequiredAbort(t *testing.T) {
	after := succeed("after", nil)
	p := pipeline.Pipeline{Name: "abort", Steps: []pipeline.Step{
		{Name: "first", Agent: "ok"},
		{Name: "broken", Agent: "bad", Required: true},
		{Name: "last", Agent: "after"},
	}}
	b := newBroker(t, p, succeed("ok", nil), fail("bad", "MISSING_MODEL"), after)

	res, err := b.ExecutePipeline(context.Background(), "abort", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure")
	}
	if !res.Aborted {
		t.Error("expected aborted run")
	}
	if got := res.StepNames(); !slices.Equal(got, []string{"first", "broken"}) {
		t.Errorf("unexpected steps: %v", got)
	}
	if after.calls.Load() != 0 {
		t.Error("step after required failure must not run")
	}
	if got := errorCodes(res.Errors); !slices.Equal(got, []string{"MISSING_MODEL"}) {
		t.Errorf("unexpected errors: %v", got)
	}
	broken, _ := res.Step("broken")
	if broken.Error == nil || broken.Error.Code != "MISSING_MODEL" {
		t.Errorf("expected step error, got %+v", broken.Error)
	}
}

func TestExecuteOptionalContinue(t *testing.T) {
	after := succeed("after", "done")
	p := pipeline.Pipeline{Name: "optional", Steps: []pipeline.Step{
		{Name: "broken", Agent: "bad"},
		{Name: "last", Agent: "after"},
	}}
	b := newBroker(t, p, fail("bad", "GENERATION_ERROR"), after)

	res, err := b.ExecutePipeline(context.Background(), "optional", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Error("expected overall failure")
	}
	if res.Aborted {
		t.Error("optional failure must not abort")
	}
	if after.calls.Load() != 1 {
		t.Errorf("expected later step to run once, ran %d", after.calls.Load())
	}
	if got := res.StepNames(); !slices.Equal(got, []string{"broken", "last"}) {
		t.Errorf("unexpected steps: %v", got)
	}
	if b.Memory().Has("broken") {
		t.Error("failed step output must not be stored")
	}
	if !b.Memory().Has("last") {
		t.Error("expected successful step output in memory")
	}
}

func TestExecuteDependencyGate(t *testing.T) {
	t.Run("failed dependency", func(t *testing.T) {
		dependent := succeed("gen", nil)
		p := pipeline.Pipeline{Name: "gate", Steps: []pipeline.Step{
			{Name: "A", Agent: "bad"},
			{Name: "B", Agent: "gen", DependsOn: []string{"A"}},
		}}
		b := newBroker(t, p, fail("bad", "X"), dependent)

		res, _ := b.ExecutePipeline(context.Background(), "gate", nil)
		if dependent.calls.Load() != 0 {
			t.Error("gated agent must never be invoked")
		}
		if got := errorCodes(res.Errors); !slices.Equal(got, []string{"X", agent.CodeDependencyFailed}) {
			t.Errorf("unexpected errors: %v", got)
		}
		if res.Errors[1].Element != "B" {
			t.Errorf("expected error to reference B, got %q", res.Errors[1].Element)
		}
		if _, ok := res.Step("B"); ok {
			t.Error("gated step must not have a result")
		}
	})

	t.Run("missing dependency on required step aborts", func(t *testing.T) {
		tail := succeed("tail", nil)
		p := pipeline.Pipeline{Name: "gate", Steps: []pipeline.Step{
			{Name: "B", Agent: "gen", Required: true, DependsOn: []string{"never"}},
			{Name: "C", Agent: "tail"},
		}}
		b := newBroker(t, p, succeed("gen", nil), tail)

		res, _ := b.ExecutePipeline(context.Background(), "gate", nil)
		if !res.Aborted || tail.calls.Load() != 0 {
			t.Error("expected abort before C")
		}
		if len(res.Steps) != 0 {
			t.Errorf("expected no recorded steps, got %v", res.StepNames())
		}
		if res.Success {
			t.Error("expected failure")
		}
	})

	t.Run("declared order is not reordered", func(t *testing.T) {
		// B is declared before its dependency, so the gate closes even
		// though A would later succeed.
		gen := succeed("gen", nil)
		p := pipeline.Pipeline{Name: "gate", Steps: []pipeline.Step{
			{Name: "B", Agent: "gen", DependsOn: []string{"A"}},
			{Name: "A", Agent: "disc"},
		}}
		b := newBroker(t, p, gen, succeed("disc", nil))

		res, _ := b.ExecutePipeline(context.Background(), "gate", nil)
		if gen.calls.Load() != 0 {
			t.Error("B must be gated")
		}
		if got := res.StepNames(); !slices.Equal(got, []string{"A"}) {
			t.Errorf("unexpected steps: %v", got)
		}
	})
}

func TestExecuteUnknownAgent(t *testing.T) {
	for _, required := range []bool{false, true} {
		tail := succeed("tail", nil)
		p := pipeline.Pipeline{Name: "unknown", Steps: []pipeline.Step{
			{Name: "ghost", Agent: "nobody", Required: required},
			{Name: "tail", Agent: "tail"},
		}}
		b := newBroker(t, p, tail)

		res, err := b.ExecutePipeline(context.Background(), "unknown", nil)
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if got := errorCodes(res.Errors); !slices.Equal(got, []string{agent.CodeAgentNotFound}) {
			t.Errorf("required=%v: unexpected errors %v", required, got)
		}
		wantCalls := int32(1)
		if required {
			wantCalls = 0
		}
		if tail.calls.Load() != wantCalls {
			t.Errorf("required=%v: expected %d tail calls, got %d", required, wantCalls, tail.calls.Load())
		}
		if res.Success {
			t.Errorf("required=%v: expected failure", required)
		}
	}
}

func TestExecuteUnknownPipeline(t *testing.T) {
	b := New()
	res, err := b.ExecutePipeline(context.Background(), "missing", nil)
	if !errors.Is(err, ErrPipelineNotFound) {
		t.Fatalf("expected ErrPipelineNotFound, got %v", err)
	}
	if res != nil {
		t.Error("expected no result")
	}
}

func TestExecuteDuration(t *testing.T) {
	slow := newFake("slow", func(context.Context, string, agent.Input) (*agent.Result, error) {
		time.Sleep(5 * time.Millisecond)
		return &agent.Result{Success: true}, nil
	})
	p := pipeline.Pipeline{Name: "timed", Steps: []pipeline.Step{
		{Name: "one", Agent: "slow"},
		{Name: "two", Agent: "slow"},
	}}
	b := newBroker(t, p, slow)

	res, _ := b.ExecutePipeline(context.Background(), "timed", nil)
	var sum time.Duration
	for _, s := range res.Steps {
		if s.Duration < 5*time.Millisecond {
			t.Errorf("step %s duration too short: %v", s.Name, s.Duration)
		}
		sum += s.Duration
	}
	if res.Duration < sum {
		t.Errorf("run duration %v shorter than step total %v", res.Duration, sum)
	}
}

func TestExecuteTieredDuration(t *testing.T) {
	slow := newFake("slow", func(context.Context, string, agent.Input) (*agent.Result, error) {
		time.Sleep(40 * time.Millisecond)
		return &agent.Result{Success: true}, nil
	})
	p := pipeline.Pipeline{Name: "parallel", Mode: pipeline.ModeTiered, Steps: []pipeline.Step{
		{Name: "one", Agent: "slow"},
		{Name: "two", Agent: "slow"},
	}}
	b := newBroker(t, p, slow)

	res, _ := b.ExecutePipeline(context.Background(), "parallel", nil)
	var sum time.Duration
	for _, s := range res.Steps {
		if s.Duration < 40*time.Millisecond {
			t.Errorf("step %s duration too short: %v", s.Name, s.Duration)
		}
		sum += s.Duration
	}
	// Wall clock, not the sum of step durations.
	if res.Duration >= sum {
		t.Errorf("run duration %v should be below step total %v for concurrent steps", res.Duration, sum)
	}
	if res.Duration < 40*time.Millisecond {
		t.Errorf("run duration %v shorter than one step", res.Duration)
	}
}

func TestDiscoverAndGenerate(t *testing.T) {
	discovery := succeed("discovery", map[string]any{"technologies": []any{"Go"}})
	generator := succeed("generator", map[string]any{"systems": []any{}})
	p := pipeline.Pipeline{Name: "discover-and-generate", Steps: []pipeline.Step{
		{Name: "discover", Agent: "discovery", Required: true},
		{Name: "generate", Agent: "generator", Required: true, DependsOn: []string{"discover"}},
	}}
	b := newBroker(t, p, discovery, generator)

	res, err := b.ExecutePipeline(context.Background(), "discover-and-generate", map[string]any{"path": "."})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %v", res.Errors)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(res.Steps))
	}
	for _, k := range []string{"discover", "generate"} {
		if !b.Memory().Has(k) {
			t.Errorf("expected memory key %q", k)
		}
	}

	in := generator.last.Load()
	if in == nil {
		t.Fatal("generator was not invoked")
	}
	prev, ok := in.Previous["discover"].(map[string]any)
	if !ok || prev["technologies"].([]any)[0] != "Go" {
		t.Errorf("expected discover output in previous, got %v", in.Previous)
	}
	if in.Parameters["path"] != "." {
		t.Errorf("expected pipeline params, got %v", in.Parameters)
	}

	first := discovery.last.Load()
	if first.Previous != nil {
		t.Error("previous must be absent without dependencies")
	}
	if first.Constraints == nil {
		t.Error("constraints should default to an empty map")
	}
}

func TestProjection(t *testing.T) {
	disc := succeed("disc", map[string]any{
		"timestamp":    "2026-01-01",
		"repository":   "saat",
		"technologies": []any{"Go"},
	})
	val := succeed("val", nil)
	p := pipeline.Pipeline{Name: "proj", Steps: []pipeline.Step{
		{Name: "scan", Agent: "disc"},
		{
			Name:        "check",
			Agent:       "val",
			Constraints: map[string]any{"strict": true},
			Parameters:  map[string]any{"level": "high"},
		},
	}}
	b := newBroker(t, p, disc, val)
	b.Memory().Store("validation-notes", "keep")
	b.Memory().Store(memory.GlobalKey, "shared")
	b.Context().SetMetadata("val.threshold", 3)
	b.Context().SetMetadata("other.setting", 1)

	if _, err := b.ExecutePipeline(context.Background(), "proj", map[string]any{"level": "low", "path": "/src"}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	in := val.last.Load()
	if in.Parameters["level"] != "high" || in.Parameters["path"] != "/src" {
		t.Errorf("step parameters must override pipeline params: %v", in.Parameters)
	}
	if in.Constraints["strict"] != true {
		t.Errorf("unexpected constraints: %v", in.Constraints)
	}
	if _, ok := in.Memory["validation-notes"]; !ok {
		t.Errorf("expected substring memory match, got %v", in.Memory)
	}
	if _, ok := in.Memory[memory.GlobalKey]; !ok {
		t.Error("expected global memory entry")
	}
	if _, ok := in.Memory["scan"]; ok {
		t.Error("unrelated memory key leaked into projection")
	}
	if in.Global.Discovery == nil {
		t.Error("expected discovery slot from earlier step")
	}
	if _, ok := in.Global.Metadata["val.threshold"]; !ok {
		t.Error("expected prefixed metadata")
	}
	if _, ok := in.Global.Metadata["other.setting"]; ok {
		t.Error("unrelated metadata leaked into projection")
	}
}

func TestExecuteFaults(t *testing.T) {
	erroring := newFake("erroring", func(context.Context, string, agent.Input) (*agent.Result, error) {
		return nil, errors.New("disk on fire")
	})
	panicking := newFake("panicking", func(context.Context, string, agent.Input) (*agent.Result, error) {
		panic("boom")
	})
	silent := newFake("silent", func(context.Context, string, agent.Input) (*agent.Result, error) {
		return &agent.Result{Success: false, Data: "partial"}, nil
	})
	p := pipeline.Pipeline{Name: "faults", Steps: []pipeline.Step{
		{Name: "err", Agent: "erroring"},
		{Name: "panic", Agent: "panicking"},
		{Name: "silent", Agent: "silent"},
	}}
	b := newBroker(t, p, erroring, panicking, silent)

	res, err := b.ExecutePipeline(context.Background(), "faults", nil)
	if err != nil {
		t.Fatalf("faults must not propagate: %v", err)
	}
	want := []string{agent.CodeStepExecutionError, agent.CodeStepExecutionError, agent.CodeStepExecutionError}
	if got := errorCodes(res.Errors); !slices.Equal(got, want) {
		t.Errorf("unexpected errors: %v", got)
	}
	if s, _ := res.Step("err"); s.Data != nil || s.Success {
		t.Errorf("faulted step should have no data: %+v", s)
	}
	if s, _ := res.Step("silent"); s.Data != "partial" {
		t.Errorf("structured failure keeps its data, got %v", s.Data)
	}
}

func TestExecuteStepTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	hung := newFake("hung", func(context.Context, string, agent.Input) (*agent.Result, error) {
		<-release
		return &agent.Result{Success: true, Data: map[string]any{"purpose": "late"}}, nil
	})
	p := pipeline.Pipeline{Name: "slow", Steps: []pipeline.Step{
		{Name: "wait", Agent: "hung", Required: true},
		{Name: "never", Agent: "ok"},
	}}
	b := newBroker(t, p, hung, succeed("ok", nil))
	b.SetStepTimeout(20 * time.Millisecond)

	res, _ := b.ExecutePipeline(context.Background(), "slow", nil)
	if got := errorCodes(res.Errors); !slices.Equal(got, []string{agent.CodeDeadlineExceeded}) {
		t.Fatalf("unexpected errors: %v", got)
	}
	if !res.Aborted {
		t.Error("required timeout should abort")
	}
	if b.Memory().Has("wait") {
		t.Error("timed out step must not write memory")
	}
	if b.Context().Snapshot().Business != nil {
		t.Error("timed out step must not update context")
	}
}

func TestExecuteCancelled(t *testing.T) {
	a := succeed("a", nil)
	p := pipeline.Pipeline{Name: "cancel", Steps: []pipeline.Step{{Name: "one", Agent: "a"}}}
	b := newBroker(t, p, a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := b.ExecutePipeline(ctx, "cancel", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if a.calls.Load() != 0 {
		t.Error("no step should run after cancellation")
	}
	if got := errorCodes(res.Errors); !slices.Equal(got, []string{agent.CodeCancelled}) {
		t.Errorf("unexpected errors: %v", got)
	}
	if !res.Aborted || res.Success {
		t.Error("expected aborted failure")
	}
}

func TestExecuteTiered(t *testing.T) {
	var running atomic.Int32
	rendezvous := func(name string) *fakeAgent {
		return newFake(name, func(context.Context, string, agent.Input) (*agent.Result, error) {
			running.Add(1)
			deadline := time.After(2 * time.Second)
			for running.Load() < 2 {
				select {
				case <-deadline:
					return agent.Failure("NOT_CONCURRENT", name+" ran alone"), nil
				case <-time.After(time.Millisecond):
				}
			}
			return &agent.Result{Success: true, Data: name}, nil
		})
	}

	merge := succeed("merge", nil)
	p := pipeline.Pipeline{Name: "tiered", Mode: pipeline.ModeTiered, Steps: []pipeline.Step{
		{Name: "left", Agent: "left"},
		{Name: "right", Agent: "right"},
		{Name: "join", Agent: "merge", DependsOn: []string{"left", "right"}},
	}}
	b := newBroker(t, p, rendezvous("left"), rendezvous("right"), merge)

	res, err := b.ExecutePipeline(context.Background(), "tiered", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %v", res.Errors)
	}
	if got := res.StepNames(); !slices.Equal(got, []string{"left", "right", "join"}) {
		t.Errorf("results must follow declared order within a tier: %v", got)
	}
	in := merge.last.Load()
	if in.Previous["left"] != "left" || in.Previous["right"] != "right" {
		t.Errorf("unexpected previous: %v", in.Previous)
	}
}

func TestExecuteTieredAppliesDeclaredOrder(t *testing.T) {
	model := func(version string) map[string]any {
		return map[string]any{"version": version, "containers": []any{}, "metadata": map[string]any{}}
	}
	first := newFake("first", func(context.Context, string, agent.Input) (*agent.Result, error) {
		time.Sleep(50 * time.Millisecond)
		return &agent.Result{Success: true, Data: model("first")}, nil
	})
	second := succeed("second", model("second"))

	for _, mode := range []pipeline.Mode{pipeline.ModeSequential, pipeline.ModeTiered} {
		t.Run(string(mode), func(t *testing.T) {
			p := pipeline.Pipeline{Name: "order", Mode: mode, Steps: []pipeline.Step{
				{Name: "a", Agent: "first"},
				{Name: "b", Agent: "second"},
			}}
			b := newBroker(t, p, first, second)

			res, err := b.ExecutePipeline(context.Background(), "order", nil)
			if err != nil || !res.Success {
				t.Fatalf("execute: %v %v", err, res.Errors)
			}
			got, _ := b.Context().Slot(archctx.KindModel).(map[string]any)
			if got["version"] != "second" {
				t.Errorf("later declared step must win the model slot, got %v", got["version"])
			}
			if keys := b.Memory().Keys(); !slices.Equal(keys, []string{"a", "b"}) {
				t.Errorf("memory must follow declared order, got %v", keys)
			}
		})
	}
}

func TestExecuteTieredRequiredFailure(t *testing.T) {
	next := succeed("next", nil)
	p := pipeline.Pipeline{Name: "tiered", Mode: pipeline.ModeTiered, Steps: []pipeline.Step{
		{Name: "bad", Agent: "bad", Required: true},
		{Name: "good", Agent: "good"},
		{Name: "later", Agent: "next", DependsOn: []string{"good"}},
	}}
	b := newBroker(t, p, fail("bad", "X"), succeed("good", 1), next)

	res, _ := b.ExecutePipeline(context.Background(), "tiered", nil)
	if next.calls.Load() != 0 {
		t.Error("tiers after a required failure must not run")
	}
	if got := res.StepNames(); !slices.Equal(got, []string{"bad", "good"}) {
		t.Errorf("whole first tier should be recorded: %v", got)
	}
	if !res.Aborted {
		t.Error("expected abort")
	}
}

func TestEvents(t *testing.T) {
	var (
		mu     sync.Mutex
		events []Event
	)
	pub := PublisherFunc(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})

	b := New(WithPublisher(pub))
	b.RegisterAgent(succeed("a", "not classifiable"))
	b.RegisterAgent(fail("b", "X"))
	if err := b.RegisterPipeline(pipeline.Pipeline{Name: "ev", Steps: []pipeline.Step{
		{Name: "one", Agent: "a"},
		{Name: "two", Agent: "b"},
		{Name: "three", Agent: "c", DependsOn: []string{"two"}},
	}}); err != nil {
		t.Fatal(err)
	}

	res, _ := b.ExecutePipeline(context.Background(), "ev", nil)

	mu.Lock()
	defer mu.Unlock()
	var types []string
	for _, e := range events {
		if e.RunID != res.RunID || e.Pipeline != "ev" {
			t.Errorf("event not tagged with run: %+v", e)
		}
		types = append(types, e.Type)
	}
	want := []string{
		EventPipelineStarted,
		EventStepStarted, EventContextUnclassified, EventStepCompleted,
		EventStepStarted, EventStepFailed,
		EventStepSkipped,
		EventPipelineFailed,
	}
	if !slices.Equal(types, want) {
		t.Errorf("unexpected events:\n got %v\nwant %v", types, want)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := New(WithMetrics(NewMetrics(reg)))
	b.RegisterAgent(succeed("a", nil))
	if err := b.RegisterPipeline(pipeline.Pipeline{Name: "m", Steps: []pipeline.Step{{Name: "one", Agent: "a"}}}); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if _, err := b.ExecutePipeline(context.Background(), "m", nil); err != nil {
			t.Fatal(err)
		}
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() != "saat_pipeline_runs_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "status" && l.GetValue() == "success" {
					found = true
					if got := m.GetCounter().GetValue(); got != 2 {
						t.Errorf("expected 2 successful runs, got %v", got)
					}
				}
			}
		}
	}
	if !found {
		t.Error("saat_pipeline_runs_total{status=success} not exported")
	}
}

func TestMemoryEvictionMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	mem := memory.New(1, memory.OnEvict(metrics.MemoryEvicted))
	b := New(WithMetrics(metrics), WithMemory(mem))
	b.RegisterAgent(succeed("a", nil))
	if err := b.RegisterPipeline(pipeline.Pipeline{Name: "evict", Steps: []pipeline.Step{
		{Name: "one", Agent: "a"},
		{Name: "two", Agent: "a"},
		{Name: "three", Agent: "a"},
	}}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.ExecutePipeline(context.Background(), "evict", nil); err != nil {
		t.Fatal(err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var got float64 = -1
	for _, f := range families {
		if f.GetName() == "saat_memory_evictions_total" {
			got = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if got != 2 {
		t.Errorf("expected 2 evictions, got %v", got)
	}
	if keys := mem.Keys(); !slices.Equal(keys, []string{"three"}) {
		t.Errorf("expected only the newest entry, got %v", keys)
	}
}

func TestTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	b := New(WithTracerProvider(tp))
	b.RegisterAgent(succeed("ok", nil))
	b.RegisterAgent(fail("bad", "GENERATION_ERROR"))
	if err := b.RegisterPipeline(pipeline.Pipeline{Name: "traced", Steps: []pipeline.Step{
		{Name: "first", Agent: "ok"},
		{Name: "second", Agent: "bad"},
	}}); err != nil {
		t.Fatal(err)
	}

	res, err := b.ExecutePipeline(context.Background(), "traced", nil)
	if err != nil {
		t.Fatal(err)
	}

	spans := recorder.Ended()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	byStep := map[string]sdktrace.ReadOnlySpan{}
	var root sdktrace.ReadOnlySpan
	for _, s := range spans {
		switch s.Name() {
		case "pipeline.execute":
			root = s
		case "pipeline.step":
			for _, a := range s.Attributes() {
				if a.Key == "saat.step" {
					byStep[a.Value.AsString()] = s
				}
			}
		default:
			t.Errorf("unexpected span %q", s.Name())
		}
	}
	if root == nil {
		t.Fatal("pipeline.execute span not recorded")
	}
	if root.Status().Code != codes.Error {
		t.Errorf("failed run should mark the root span as error, got %v", root.Status())
	}
	runID := ""
	for _, a := range root.Attributes() {
		if a.Key == "saat.run_id" {
			runID = a.Value.AsString()
		}
	}
	if runID != res.RunID {
		t.Errorf("root span run id %q, want %q", runID, res.RunID)
	}

	for _, name := range []string{"first", "second"} {
		s, ok := byStep[name]
		if !ok {
			t.Fatalf("no span for step %s", name)
		}
		if s.Parent().SpanID() != root.SpanContext().SpanID() {
			t.Errorf("step %s span is not a child of the run span", name)
		}
	}
	if got := byStep["first"].Status().Code; got == codes.Error {
		t.Error("successful step span marked as error")
	}
	if st := byStep["second"].Status(); st.Code != codes.Error || st.Description != "bad failed" {
		t.Errorf("unexpected failed step status %+v", st)
	}
}

func TestRegistry(t *testing.T) {
	b := New()
	b.RegisterAgent(succeed("zeta", nil))
	b.RegisterAgent(succeed("alpha", nil))
	replacement := succeed("alpha", "new")
	b.RegisterAgent(replacement)

	if got, _ := b.Agent("alpha"); got != agent.Agent(replacement) {
		t.Error("last registration should win")
	}
	var names []string
	for _, a := range b.Agents() {
		names = append(names, a.Name())
	}
	if !slices.Equal(names, []string{"alpha", "zeta"}) {
		t.Errorf("unexpected agents: %v", names)
	}

	if err := b.RegisterPipeline(pipeline.Pipeline{}); err == nil {
		t.Error("expected invalid pipeline to be rejected")
	}

	p := pipeline.Pipeline{Name: "p", Steps: []pipeline.Step{{Name: "s", Agent: "alpha"}}}
	if err := b.RegisterPipeline(p); err != nil {
		t.Fatal(err)
	}
	p.Steps[0].Agent = "mutated"
	got, ok := b.Pipeline("p")
	if !ok || got.Steps[0].Agent != "alpha" {
		t.Error("registered pipeline must be immune to caller mutation")
	}
	if got.Mode != pipeline.ModeSequential {
		t.Errorf("expected default mode, got %q", got.Mode)
	}

	vr, err := b.Validate("alpha", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if vr.Valid {
		t.Error("expected validation failure")
	}
	if _, err := b.Validate("nobody", nil); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}
