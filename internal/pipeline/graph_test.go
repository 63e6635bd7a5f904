package pipeline

import (
	"errors"
	"slices"
	"testing"
)

func steps(specs ...[]string) []Step {
	out := make([]Step, len(specs))
	for i, s := range specs {
		out[i] = Step{Name: s[0], Agent: s[0], DependsOn: s[1:]}
	}
	return out
}

func TestBuildPlan_Independent(t *testing.T) {
	plan, err := BuildPlan(steps([]string{"a"}, []string{"b"}, []string{"c"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tiers) != 1 {
		t.Fatalf("expected 1 tier, got %d", len(plan.Tiers))
	}
	if !slices.Equal(plan.Tiers[0], []string{"a", "b", "c"}) {
		t.Fatalf("expected declared order in tier, got %v", plan.Tiers[0])
	}
}

func TestBuildPlan_Linear(t *testing.T) {
	plan, err := BuildPlan(steps([]string{"a"}, []string{"b", "a"}, []string{"c", "b"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tiers) != 3 {
		t.Fatalf("expected 3 tiers, got %d", len(plan.Tiers))
	}
	for i, want := range []string{"a", "b", "c"} {
		if plan.Tiers[i][0] != want {
			t.Fatalf("expected %s in tier %d, got %v", want, i, plan.Tiers[i])
		}
	}
}

func TestBuildPlan_Diamond(t *testing.T) {
	plan, err := BuildPlan(steps(
		[]string{"discover"},
		[]string{"security", "discover"},
		[]string{"generate", "discover"},
		[]string{"document", "generate", "security"},
	))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tiers) != 3 {
		t.Fatalf("expected 3 tiers, got %v", plan.Tiers)
	}
	if !slices.Equal(plan.Tiers[1], []string{"security", "generate"}) {
		t.Fatalf("unexpected middle tier %v", plan.Tiers[1])
	}
}

func TestBuildPlan_CycleDetection(t *testing.T) {
	_, err := BuildPlan(steps([]string{"a", "c"}, []string{"b", "a"}, []string{"c", "b"}))
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestBuildPlan_UnknownDependency(t *testing.T) {
	plan, err := BuildPlan(steps([]string{"a", "ghost"}, []string{"b", "a"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tiers) != 2 || plan.Tiers[0][0] != "a" {
		t.Fatalf("unknown dependency should add no edge, got %v", plan.Tiers)
	}
}

func TestBuildPlan_Empty(t *testing.T) {
	plan, err := BuildPlan(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Tiers) != 0 {
		t.Fatalf("expected no tiers, got %v", plan.Tiers)
	}
}
