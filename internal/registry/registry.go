// Package registry turns config agent and pipeline definitions into live
// broker registrations and mirrors the agent catalog into the store.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/mtzanidakis/saat/internal/agent"
	"github.com/mtzanidakis/saat/internal/broker"
	"github.com/mtzanidakis/saat/internal/config"
	"github.com/mtzanidakis/saat/internal/container"
	"github.com/mtzanidakis/saat/internal/natsbus"
	"github.com/mtzanidakis/saat/internal/pipeline"
	"github.com/mtzanidakis/saat/internal/remote"
	"github.com/mtzanidakis/saat/internal/store"
)

const defaultVersion = "1.0.0"

var (
	ErrNoContainers = errors.New("container runtime not available")
	ErrNoBus        = errors.New("nats bus not available")
)

type Registry struct {
	store      *store.Store
	broker     *broker.Broker
	containers *container.Manager
	bus        *natsbus.Client

	mu        sync.Mutex
	agents    map[string]config.AgentDefinition
	pipelines map[string]bool // names registered from config
}

// New returns a registry. store, containers and bus may be nil; agents
// needing a missing collaborator then fail to build.
func New(s *store.Store, b *broker.Broker, containers *container.Manager, bus *natsbus.Client) *Registry {
	return &Registry{
		store:      s,
		broker:     b,
		containers: containers,
		bus:        bus,
		agents:     make(map[string]config.AgentDefinition),
		pipelines:  make(map[string]bool),
	}
}

// Build creates the agent described by def.
func (r *Registry) Build(name string, def config.AgentDefinition) (agent.Agent, error) {
	info := agent.Info{AgentName: name, AgentVersion: def.Version, Caps: def.Capabilities}
	if info.AgentVersion == "" {
		info.AgentVersion = defaultVersion
	}

	switch def.Kind {
	case "", config.KindStatic:
		s := agent.NewStatic(name, info.AgentVersion, def.Data)
		s.Caps = def.Capabilities
		s.Requires = def.Requires
		return s, nil

	case config.KindContainer:
		if r.containers == nil {
			return nil, fmt.Errorf("agent %s: %w", name, ErrNoContainers)
		}
		mounts := make([]container.Mount, 0, len(def.Mounts))
		for _, m := range def.Mounts {
			mount, err := container.ParseMount(m)
			if err != nil {
				return nil, fmt.Errorf("agent %s: %w", name, err)
			}
			mounts = append(mounts, mount)
		}
		spec := container.Spec{Image: def.Image, Command: def.Command, Env: def.Env, Mounts: mounts}
		return container.NewAgent(r.containers, info, spec, def.Timeout, def.Requires), nil

	case config.KindNATS:
		if r.bus == nil {
			return nil, fmt.Errorf("agent %s: %w", name, ErrNoBus)
		}
		return remote.New(r.bus, info, def.Subject, def.Timeout), nil

	default:
		return nil, fmt.Errorf("agent %s: unknown kind %q", name, def.Kind)
	}
}

// ApplyAgents builds and registers every definition, unregisters agents
// that earlier calls registered but defs no longer names, and syncs the
// catalog. Agents that fail to build are logged and skipped.
func (r *Registry) ApplyAgents(defs map[string]config.AgentDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	built := make(map[string]config.AgentDefinition, len(defs))
	for _, name := range slices.Sorted(maps.Keys(defs)) {
		def := defs[name]
		a, err := r.Build(name, def)
		if err != nil {
			slog.Error("failed to build agent", "agent", name, "kind", def.Kind, "error", err)
			errs = append(errs, err)
			continue
		}
		r.broker.RegisterAgent(a)
		built[name] = def
	}

	for name := range r.agents {
		if _, ok := built[name]; !ok {
			r.broker.RemoveAgent(name)
			slog.Info("agent removed", "agent", name)
		}
	}
	r.agents = built

	if err := r.sync(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Sync mirrors the current definitions into the store's agent catalog.
func (r *Registry) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sync()
}

func (r *Registry) sync() error {
	if r.store == nil {
		return nil
	}

	names := make([]string, 0, len(r.agents))
	for name, def := range r.agents {
		names = append(names, name)

		kind := def.Kind
		if kind == "" {
			kind = config.KindStatic
		}
		version := def.Version
		if version == "" {
			version = defaultVersion
		}
		if err := r.store.SaveAgent(&store.Agent{
			Name:         name,
			Kind:         kind,
			Description:  def.Description,
			Version:      version,
			Capabilities: def.Capabilities,
		}); err != nil {
			return fmt.Errorf("save agent %s: %w", name, err)
		}
	}

	if err := r.store.DeleteAgentsNotIn(names); err != nil {
		return fmt.Errorf("delete stale agents: %w", err)
	}
	return nil
}

// ApplyPipelines registers the inline pipelines and those found in dir,
// replacing whatever earlier calls registered. A name defined both inline
// and in dir is an error.
func (r *Registry) ApplyPipelines(inline []pipeline.Pipeline, dir string) error {
	fromDir, err := pipeline.LoadDir(dir)
	if err != nil {
		return err
	}

	all := make([]pipeline.Pipeline, 0, len(inline)+len(fromDir))
	seen := make(map[string]bool, cap(all))
	for _, p := range slices.Concat(inline, fromDir) {
		if seen[p.Name] {
			return fmt.Errorf("pipeline %s defined more than once", p.Name)
		}
		seen[p.Name] = true
		all = append(all, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range all {
		if err := r.broker.RegisterPipeline(p); err != nil {
			return err
		}
	}
	for name := range r.pipelines {
		if !seen[name] {
			r.broker.RemovePipeline(name)
			slog.Info("pipeline removed", "pipeline", name)
		}
	}
	r.pipelines = seen

	slog.Info("pipelines loaded", "count", len(all), "dir", dir)
	return nil
}

func (r *Registry) Definition(name string) (config.AgentDefinition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.agents[name]
	return def, ok
}

func (r *Registry) Descriptions() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	descs := make(map[string]string, len(r.agents))
	for name, def := range r.agents {
		descs[name] = def.Description
	}
	return descs
}
