// Package broker owns the agent and pipeline registries, the context
// memory and the architectural context, and drives pipeline execution.
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/mtzanidakis/saat/internal/agent"
	"github.com/mtzanidakis/saat/internal/archctx"
	"github.com/mtzanidakis/saat/internal/memory"
	"github.com/mtzanidakis/saat/internal/pipeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/mtzanidakis/saat/internal/broker"

var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrAgentNotFound    = errors.New("agent not found")
)

// Recorder persists finished runs.
type Recorder interface {
	RecordRun(res *PipelineResult, params map[string]any) error
}

type Broker struct {
	memory  *memory.Memory
	context *archctx.Context

	mu        sync.RWMutex
	agents    map[string]agent.Agent
	pipelines map[string]pipeline.Pipeline

	// stateMu serializes the Memory+Context bookkeeping of concurrently
	// running steps so each step's writes land together.
	stateMu sync.Mutex

	stepTimeout time.Duration
	publisher   Publisher
	recorder    Recorder
	metrics     *Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
}

type Option func(*Broker)

func WithMemory(m *memory.Memory) Option {
	return func(b *Broker) { b.memory = m }
}

func WithContext(c *archctx.Context) Option {
	return func(b *Broker) { b.context = c }
}

// WithStepTimeout bounds every agent invocation. Zero disables the bound.
func WithStepTimeout(d time.Duration) Option {
	return func(b *Broker) { b.stepTimeout = d }
}

func WithPublisher(p Publisher) Option {
	return func(b *Broker) { b.publisher = p }
}

func WithRecorder(r Recorder) Option {
	return func(b *Broker) { b.recorder = r }
}

func WithMetrics(m *Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Broker) { b.tracer = tp.Tracer(instrumentationName) }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

func New(opts ...Option) *Broker {
	b := &Broker{
		agents:    make(map[string]agent.Agent),
		pipelines: make(map[string]pipeline.Pipeline),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.memory == nil {
		b.memory = memory.New(memory.DefaultMaxSize)
	}
	if b.context == nil {
		b.context = archctx.New()
	}
	if b.tracer == nil {
		b.tracer = otel.Tracer(instrumentationName)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

func (b *Broker) Memory() *memory.Memory   { return b.memory }
func (b *Broker) Context() *archctx.Context { return b.context }

// SetStepTimeout changes the per-step deadline for subsequent runs.
func (b *Broker) SetStepTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stepTimeout = d
}

func (b *Broker) timeout() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stepTimeout
}

// RegisterAgent adds a to the registry, replacing any agent with the same
// name.
func (b *Broker) RegisterAgent(a agent.Agent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.agents[a.Name()]; ok {
		b.logger.Info("replacing agent", "agent", a.Name(), "version", a.Version())
	}
	b.agents[a.Name()] = a
}

func (b *Broker) RemoveAgent(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.agents, name)
}

func (b *Broker) Agent(name string) (agent.Agent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.agents[name]
	return a, ok
}

// Agents returns the registered agents sorted by name.
func (b *Broker) Agents() []agent.Agent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]agent.Agent, 0, len(b.agents))
	for _, name := range slices.Sorted(maps.Keys(b.agents)) {
		out = append(out, b.agents[name])
	}
	return out
}

// RegisterPipeline validates p and stores a private copy of it, replacing
// any pipeline with the same name.
func (b *Broker) RegisterPipeline(p pipeline.Pipeline) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("register pipeline: %w", err)
	}
	if p.Mode == "" {
		p.Mode = pipeline.ModeSequential
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pipelines[p.Name] = p.Clone()
	return nil
}

func (b *Broker) RemovePipeline(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pipelines, name)
}

func (b *Broker) Pipeline(name string) (pipeline.Pipeline, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.pipelines[name]
	if !ok {
		return pipeline.Pipeline{}, false
	}
	return p.Clone(), true
}

// Pipelines returns the registered pipelines sorted by name.
func (b *Broker) Pipelines() []pipeline.Pipeline {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]pipeline.Pipeline, 0, len(b.pipelines))
	for _, name := range slices.Sorted(maps.Keys(b.pipelines)) {
		out = append(out, b.pipelines[name].Clone())
	}
	return out
}

// Validate runs the named agent's validation against input.
func (b *Broker) Validate(agentName string, input map[string]any) (agent.ValidationResult, error) {
	a, ok := b.Agent(agentName)
	if !ok {
		return agent.ValidationResult{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentName)
	}
	return a.Validate(input), nil
}
