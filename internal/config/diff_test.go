package config

import (
	"slices"
	"testing"
	"time"

	"github.com/mtzanidakis/saat/internal/pipeline"
)

func TestDiff_NoChanges(t *testing.T) {
	cfg := &Config{
		Agents: map[string]AgentDefinition{
			"discovery": {Kind: KindContainer, Image: "disc:latest"},
		},
		Pipelines: []pipeline.Pipeline{{Name: "p", Steps: []pipeline.Step{{Name: "s", Agent: "discovery"}}}},
	}
	d := Diff(cfg, cfg)
	if d.HasChanges() {
		t.Error("expected no changes")
	}
	if len(d.NonReloadable) != 0 {
		t.Errorf("expected no non-reloadable changes, got %v", d.NonReloadable)
	}
}

func TestDiff_Agents(t *testing.T) {
	old := &Config{
		Agents: map[string]AgentDefinition{
			"keep":   {Kind: KindStatic},
			"change": {Kind: KindContainer, Image: "a:1"},
			"drop":   {Kind: KindStatic},
		},
	}
	new := &Config{
		Agents: map[string]AgentDefinition{
			"keep":   {Kind: KindStatic},
			"change": {Kind: KindContainer, Image: "a:2"},
			"add":    {Kind: KindNATS},
		},
	}
	d := Diff(old, new)
	if !slices.Equal(d.AgentsAdded, []string{"add"}) {
		t.Errorf("expected add added, got %v", d.AgentsAdded)
	}
	if !slices.Equal(d.AgentsRemoved, []string{"drop"}) {
		t.Errorf("expected drop removed, got %v", d.AgentsRemoved)
	}
	if !slices.Equal(d.AgentsChanged, []string{"change"}) {
		t.Errorf("expected change changed, got %v", d.AgentsChanged)
	}
	if !d.HasChanges() {
		t.Error("expected HasChanges")
	}
}

func TestDiff_AgentEnvChanged(t *testing.T) {
	old := &Config{Agents: map[string]AgentDefinition{
		"a": {Kind: KindContainer, Image: "a", Env: map[string]string{"K": "1"}},
	}}
	new := &Config{Agents: map[string]AgentDefinition{
		"a": {Kind: KindContainer, Image: "a", Env: map[string]string{"K": "2"}},
	}}
	d := Diff(old, new)
	if !slices.Equal(d.AgentsChanged, []string{"a"}) {
		t.Errorf("expected a changed, got %v", d.AgentsChanged)
	}
}

func TestDiff_Pipelines(t *testing.T) {
	old := &Config{Pipelines: []pipeline.Pipeline{{Name: "p", Steps: []pipeline.Step{{Name: "s", Agent: "a"}}}}}
	new := &Config{Pipelines: []pipeline.Pipeline{{Name: "p", Steps: []pipeline.Step{{Name: "s", Agent: "a", Required: true}}}}}
	if d := Diff(old, new); !d.PipelinesChanged {
		t.Error("expected pipelines changed")
	}

	dirOld := &Config{Broker: BrokerConfig{PipelinesDir: "a"}}
	dirNew := &Config{Broker: BrokerConfig{PipelinesDir: "b"}}
	if d := Diff(dirOld, dirNew); !d.PipelinesChanged {
		t.Error("expected pipelines dir change to count")
	}
}

func TestDiff_SchedulerChanged(t *testing.T) {
	old := &Config{Scheduler: SchedulerConfig{PollInterval: 30 * time.Second}}
	new := &Config{Scheduler: SchedulerConfig{PollInterval: time.Minute}}
	d := Diff(old, new)
	if !d.SchedulerChanged {
		t.Fatal("expected scheduler changed")
	}
	if d.NewPollInterval.PollInterval != time.Minute {
		t.Errorf("expected new interval 1m, got %v", d.NewPollInterval.PollInterval)
	}
}

func TestDiff_StepTimeoutChanged(t *testing.T) {
	old := &Config{Broker: BrokerConfig{StepTimeout: time.Minute}}
	new := &Config{Broker: BrokerConfig{StepTimeout: 2 * time.Minute}}
	d := Diff(old, new)
	if !d.StepTimeoutChanged || d.NewBroker.StepTimeout != 2*time.Minute {
		t.Errorf("unexpected diff: %+v", d)
	}
}

func TestDiff_TelegramChats(t *testing.T) {
	old := &Config{Telegram: TelegramConfig{ChatIDs: []int64{1}}}
	new := &Config{Telegram: TelegramConfig{ChatIDs: []int64{1, 2}}}
	d := Diff(old, new)
	if !d.TelegramChatsChanged || len(d.NewChatIDs) != 2 {
		t.Errorf("unexpected diff: %+v", d)
	}
}

func TestDiff_NonReloadable(t *testing.T) {
	old := &Config{
		Telegram: TelegramConfig{Token: "a"},
		Web:      WebConfig{Port: 8080},
		Memory:   MemoryConfig{MaxSize: 10},
		Vault:    VaultConfig{Passphrase: "x"},
	}
	new := &Config{
		Telegram: TelegramConfig{Token: "b"},
		Web:      WebConfig{Port: 9090},
		Memory:   MemoryConfig{MaxSize: 20},
		Vault:    VaultConfig{Passphrase: "y"},
		Tracing:  TracingConfig{Endpoint: "otel:4318"},
	}
	d := Diff(old, new)
	want := []string{"telegram.token", "web.port", "vault.passphrase", "memory", "tracing"}
	if !slices.Equal(d.NonReloadable, want) {
		t.Errorf("expected %v, got %v", want, d.NonReloadable)
	}
	if d.HasChanges() {
		t.Error("non-reloadable changes should not count as reloadable")
	}
}
