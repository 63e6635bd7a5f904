package broker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/saat/internal/agent"
	"github.com/mtzanidakis/saat/internal/archctx"
	"github.com/mtzanidakis/saat/internal/pipeline"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// run is the mutable state of one ExecutePipeline call.
type run struct {
	id       string
	pipeline pipeline.Pipeline
	params   map[string]any

	mu      sync.Mutex
	byName  map[string]int // step name -> index into steps
	steps   []StepResult
	errors  []agent.Error
	aborted bool
}

func (r *run) lookup(name string) (StepResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.byName[name]
	if !ok {
		return StepResult{}, false
	}
	return r.steps[i], true
}

// outcome is what considering one step produced. result is nil when the
// step's agent was never invoked.
type outcome struct {
	step       pipeline.Step
	result     *StepResult
	err        *agent.Error
	abort      bool
	confidence float64
}

func (r *run) apply(o outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.result != nil {
		r.byName[o.step.Name] = len(r.steps)
		r.steps = append(r.steps, *o.result)
	}
	if o.err != nil {
		r.errors = append(r.errors, *o.err)
	}
	if o.abort {
		r.aborted = true
	}
}

// ExecutePipeline runs the named pipeline with params and reports how far it
// got. Only an unknown pipeline name is returned as an error; every
// agent-level failure is folded into the result.
func (b *Broker) ExecutePipeline(ctx context.Context, name string, params map[string]any) (*PipelineResult, error) {
	p, ok := b.Pipeline(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}

	start := time.Now()
	r := &run{
		id:       uuid.NewString(),
		pipeline: p,
		params:   params,
		byName:   make(map[string]int, len(p.Steps)),
	}

	ctx, span := b.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("saat.pipeline", p.Name),
		attribute.String("saat.run_id", r.id),
		attribute.Int("saat.steps", len(p.Steps)),
	))
	defer span.End()

	b.logger.Info("executing pipeline", "pipeline", p.Name, "run", r.id, "steps", len(p.Steps), "mode", p.Mode)
	b.publish(r, EventPipelineStarted, "", map[string]any{"steps": len(p.Steps), "mode": string(p.Mode)})

	if p.Mode == pipeline.ModeTiered {
		b.runTiered(ctx, r)
	} else {
		b.runSequential(ctx, r)
	}

	duration := time.Since(start)

	r.mu.Lock()
	success := len(r.errors) == 0
	for _, s := range r.steps {
		if !s.Success {
			success = false
		}
	}
	res := &PipelineResult{
		RunID:     r.id,
		Pipeline:  p.Name,
		Success:   success,
		Steps:     r.steps,
		Duration:  duration,
		Errors:    r.errors,
		StartedAt: start,
		Aborted:   r.aborted,
	}
	r.mu.Unlock()
	if res.Steps == nil {
		res.Steps = []StepResult{}
	}
	if res.Errors == nil {
		res.Errors = []agent.Error{}
	}

	b.metrics.observeRun(p.Name, success, duration, b.memory.Size())

	eventType := EventPipelineCompleted
	if !success {
		eventType = EventPipelineFailed
		span.SetStatus(codes.Error, fmt.Sprintf("%d errors", len(res.Errors)))
	}
	span.SetAttributes(attribute.Bool("saat.success", success), attribute.Bool("saat.aborted", res.Aborted))

	b.logger.Info("pipeline finished", "pipeline", p.Name, "run", r.id,
		"success", success, "aborted", res.Aborted, "steps", len(res.Steps),
		"errors", len(res.Errors), "duration", duration)
	data := map[string]any{
		"success":     success,
		"aborted":     res.Aborted,
		"steps":       len(res.Steps),
		"errors":      len(res.Errors),
		"duration_ms": duration.Milliseconds(),
	}
	if len(res.Errors) > 0 {
		data["first_error"] = res.Errors[0].Error()
	}
	b.publish(r, eventType, "", data)

	if b.recorder != nil {
		if err := b.recorder.RecordRun(res, params); err != nil {
			b.logger.Error("failed to record pipeline run", "pipeline", p.Name, "run", r.id, "error", err)
		}
	}

	return res, nil
}

func (b *Broker) runSequential(ctx context.Context, r *run) {
	for _, step := range r.pipeline.Steps {
		if o, stop := b.checkCancelled(ctx, r); stop {
			r.apply(o)
			return
		}

		o := b.runStep(ctx, r, step)
		b.commit(r, o)
		r.apply(o)
		if o.abort {
			b.logger.Warn("required step failed, aborting pipeline", "pipeline", r.pipeline.Name, "run", r.id, "step", step.Name)
			return
		}
	}
}

// runTiered runs the steps of each dependency tier concurrently. Outcomes
// of a tier are recorded in declared order once the whole tier finished;
// a required failure anywhere in the tier stops further tiers.
func (b *Broker) runTiered(ctx context.Context, r *run) {
	plan, err := pipeline.BuildPlan(r.pipeline.Steps)
	if err != nil {
		// Registration validates tiered pipelines, so this is unreachable
		// in practice.
		b.logger.Error("tier planning failed, running sequentially", "pipeline", r.pipeline.Name, "error", err)
		b.runSequential(ctx, r)
		return
	}

	byName := make(map[string]pipeline.Step, len(r.pipeline.Steps))
	for _, s := range r.pipeline.Steps {
		byName[s.Name] = s
	}

	for tierIdx, tier := range plan.Tiers {
		if o, stop := b.checkCancelled(ctx, r); stop {
			r.apply(o)
			return
		}

		b.logger.Debug("executing tier", "pipeline", r.pipeline.Name, "run", r.id, "tier", tierIdx, "steps", tier)

		outs := make([]outcome, len(tier))
		var wg sync.WaitGroup
		for i, name := range tier {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outs[i] = b.runStep(ctx, r, byName[name])
			}()
		}
		wg.Wait()

		abort := false
		for _, o := range outs {
			b.commit(r, o)
			r.apply(o)
			abort = abort || o.abort
		}
		if abort {
			b.logger.Warn("required step failed, skipping remaining tiers", "pipeline", r.pipeline.Name, "run", r.id, "tier", tierIdx)
			return
		}
	}
}

func (b *Broker) checkCancelled(ctx context.Context, r *run) (outcome, bool) {
	if ctx.Err() == nil {
		return outcome{}, false
	}
	e := agent.NewError(agent.CodeCancelled, fmt.Sprintf("pipeline cancelled: %v", ctx.Err()), r.pipeline.Name)
	return outcome{err: &e, abort: true}, true
}

// runStep considers one step: dependency gate, agent resolution, context
// projection, invocation and bookkeeping.
func (b *Broker) runStep(ctx context.Context, r *run, step pipeline.Step) outcome {
	o := outcome{step: step}

	if missing := b.unmetDependencies(r, step); len(missing) > 0 {
		e := agent.NewError(agent.CodeDependencyFailed,
			fmt.Sprintf("step %s: dependencies not satisfied: %s", step.Name, strings.Join(missing, ", ")),
			step.Name)
		o.err = &e
		o.abort = step.Required
		b.metrics.observeStep(r.pipeline.Name, step.Name, "skipped")
		b.logger.Warn("dependency gate closed", "pipeline", r.pipeline.Name, "run", r.id, "step", step.Name, "missing", missing)
		b.publish(r, EventStepSkipped, step.Name, map[string]any{"reason": agent.CodeDependencyFailed, "missing": missing})
		return o
	}

	a, ok := b.Agent(step.Agent)
	if !ok {
		e := agent.NewError(agent.CodeAgentNotFound,
			fmt.Sprintf("step %s: agent %q is not registered", step.Name, step.Agent),
			step.Agent)
		o.err = &e
		o.abort = step.Required
		b.metrics.observeStep(r.pipeline.Name, step.Name, "skipped")
		b.logger.Warn("agent not found", "pipeline", r.pipeline.Name, "run", r.id, "step", step.Name, "agent", step.Agent)
		b.publish(r, EventStepSkipped, step.Name, map[string]any{"reason": agent.CodeAgentNotFound, "agent": step.Agent})
		return o
	}

	in := b.project(r, step)

	ctx, span := b.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("saat.step", step.Name),
		attribute.String("saat.agent", step.Agent),
		attribute.String("saat.task", step.Task),
	))
	defer span.End()

	b.publish(r, EventStepStarted, step.Name, map[string]any{"agent": step.Agent, "task": step.Task})

	start := time.Now()
	res, err := b.invoke(ctx, a, step, in)
	duration := time.Since(start)
	b.metrics.observeInvocation(step.Agent, duration)

	if err == nil && res.Success {
		// Memory and Context are written by commit, in declared order.
		o.result = &StepResult{Name: step.Name, Agent: step.Agent, Success: true, Data: res.Data, Duration: duration}
		o.confidence = res.Confidence
		return o
	}

	var (
		data    any
		stepErr agent.Error
	)
	if err != nil {
		stepErr = faultError(step, err)
	} else {
		data = res.Data
		if first := res.FirstError(); first != nil {
			stepErr = *first
		} else {
			stepErr = agent.NewError(agent.CodeStepExecutionError,
				fmt.Sprintf("agent %s reported failure without errors", step.Agent), step.Name)
		}
	}

	span.SetStatus(codes.Error, stepErr.Message)
	o.result = &StepResult{Name: step.Name, Agent: step.Agent, Success: false, Data: data, Duration: duration, Error: &stepErr}
	o.err = &stepErr
	o.abort = step.Required
	b.metrics.observeStep(r.pipeline.Name, step.Name, "failed")
	b.logger.Warn("step failed", "pipeline", r.pipeline.Name, "run", r.id, "step", step.Name,
		"code", stepErr.Code, "error", stepErr.Message, "required", step.Required)
	b.publish(r, EventStepFailed, step.Name, map[string]any{
		"code":        stepErr.Code,
		"message":     stepErr.Message,
		"required":    step.Required,
		"duration_ms": duration.Milliseconds(),
	})
	return o
}

// commit writes a successful step's data to Memory and Context. Tiered
// runs call it per tier in declared order, so the final state does not
// depend on which agent finished first.
func (b *Broker) commit(r *run, o outcome) {
	if o.result == nil || !o.result.Success {
		return
	}
	step := o.step
	data := o.result.Data

	b.stateMu.Lock()
	b.memory.Store(step.Name, data)
	kind := b.context.Update(data)
	b.stateMu.Unlock()

	if kind == archctx.KindNone && data != nil {
		b.metrics.observeUnclassified()
		b.logger.Debug("step output matched no context slot", "pipeline", r.pipeline.Name, "step", step.Name, "type", fmt.Sprintf("%T", data))
		b.publish(r, EventContextUnclassified, step.Name, map[string]any{"type": fmt.Sprintf("%T", data)})
	}

	b.metrics.observeStep(r.pipeline.Name, step.Name, "succeeded")
	b.logger.Info("step completed", "pipeline", r.pipeline.Name, "run", r.id, "step", step.Name, "duration", o.result.Duration)
	b.publish(r, EventStepCompleted, step.Name, map[string]any{
		"duration_ms": o.result.Duration.Milliseconds(),
		"confidence":  o.confidence,
		"context":     string(kind),
	})
}

func (b *Broker) unmetDependencies(r *run, step pipeline.Step) []string {
	var missing []string
	for _, dep := range step.DependsOn {
		if res, ok := r.lookup(dep); !ok || !res.Success {
			missing = append(missing, dep)
		}
	}
	return missing
}

// project builds the input handed to step's agent.
func (b *Broker) project(r *run, step pipeline.Step) agent.Input {
	params := make(map[string]any, len(r.params)+len(step.Parameters))
	maps.Copy(params, r.params)
	maps.Copy(params, step.Parameters)

	constraints := step.Constraints
	if constraints == nil {
		constraints = map[string]any{}
	}

	b.stateMu.Lock()
	in := agent.Input{
		Global:      b.context.Relevant(step.Agent),
		Memory:      b.memory.Relevant(step.Agent),
		Constraints: constraints,
		Parameters:  params,
	}
	b.stateMu.Unlock()

	if len(step.DependsOn) > 0 {
		in.Previous = make(map[string]any, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if res, ok := r.lookup(dep); ok && res.Success {
				in.Previous[dep] = res.Data
			}
		}
	}
	return in
}

// invoke calls the agent, converting panics into errors and enforcing the
// step deadline. When the deadline expires first, the agent's eventual
// output is discarded.
func (b *Broker) invoke(ctx context.Context, a agent.Agent, step pipeline.Step, in agent.Input) (*agent.Result, error) {
	if d := b.timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	type reply struct {
		res *agent.Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- reply{err: fmt.Errorf("agent %s panicked: %v", a.Name(), p)}
			}
		}()
		res, err := a.Execute(ctx, step.Task, in)
		ch <- reply{res: res, err: err}
	}()

	select {
	case rep := <-ch:
		if rep.err != nil {
			return nil, rep.err
		}
		if rep.res == nil {
			return nil, fmt.Errorf("agent %s returned no result", a.Name())
		}
		return rep.res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func faultError(step pipeline.Step, err error) agent.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return agent.NewError(agent.CodeDeadlineExceeded,
			fmt.Sprintf("step %s: agent %s did not finish in time", step.Name, step.Agent), step.Name)
	case errors.Is(err, context.Canceled):
		return agent.NewError(agent.CodeCancelled,
			fmt.Sprintf("step %s: %v", step.Name, err), step.Name)
	default:
		return agent.NewError(agent.CodeStepExecutionError,
			fmt.Sprintf("step %s: %v", step.Name, err), step.Name)
	}
}
