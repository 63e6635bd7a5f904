package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/saat/internal/archctx"
	"github.com/mtzanidakis/saat/internal/broker"
	"github.com/mtzanidakis/saat/internal/config"
	"github.com/mtzanidakis/saat/internal/container"
	"github.com/mtzanidakis/saat/internal/memory"
	"github.com/mtzanidakis/saat/internal/natsbus"
	"github.com/mtzanidakis/saat/internal/registry"
	"github.com/mtzanidakis/saat/internal/store"
	"github.com/mtzanidakis/saat/internal/vault"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// core is the part of the system every command that executes pipelines
// needs: store, broker, agents and their collaborators.
type core struct {
	cfg        *config.Config
	db         *store.Store
	bus        *natsbus.Bus // only when serving
	client     *natsbus.Client
	containers *container.Manager
	keeper     *vault.Keeper
	broker     *broker.Broker
	registry   *registry.Registry
	metrics    *prometheus.Registry

	// shutdownTracing flushes buffered spans; nil when tracing is off.
	shutdownTracing func(context.Context) error
}

type coreOptions struct {
	// embedBus starts the embedded NATS server. Otherwise the core
	// connects to an already running one, if any.
	embedBus bool
}

func newCore(cfg *config.Config, opts coreOptions) (*core, error) {
	c := &core{cfg: cfg, metrics: prometheus.NewRegistry()}
	c.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tp, shutdown, err := setupTracing(context.Background(), cfg.Tracing)
	if err != nil {
		return nil, err
	}
	c.shutdownTracing = shutdown

	db, err := store.New(cfg.Store)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	c.db = db
	slog.Info("store initialized", "path", cfg.Store.Path)

	if cfg.Vault.Passphrase != "" {
		c.keeper = vault.NewKeeper(vault.New(cfg.Vault.Passphrase), db)
	}

	if err := c.connectBus(opts.embedBus); err != nil {
		c.Close()
		return nil, err
	}

	if needsKind(cfg, config.KindContainer) {
		var resolver container.EnvResolver
		if c.keeper != nil {
			resolver = c.keeper
		}
		mgr, err := container.NewManager(cfg.Container, resolver)
		if err != nil {
			slog.Error("container runtime unavailable, container agents disabled", "error", err)
		} else {
			c.containers = mgr
		}
	}

	metrics := broker.NewMetrics(c.metrics)
	mem := memory.New(cfg.Memory.MaxSize,
		memory.WithEvictionPolicy(memory.ParsePolicy(cfg.Memory.Eviction)),
		memory.OnEvict(metrics.MemoryEvicted),
	)
	brokerOpts := []broker.Option{
		broker.WithMemory(mem),
		broker.WithContext(archctx.New()),
		broker.WithStepTimeout(cfg.Broker.StepTimeout),
		broker.WithRecorder(db),
		broker.WithMetrics(metrics),
		broker.WithTracerProvider(tp),
	}
	if c.client != nil {
		brokerOpts = append(brokerOpts, broker.WithPublisher(natsbus.NewEventPublisher(c.client)))
	}
	c.broker = broker.New(brokerOpts...)

	c.registry = registry.New(db, c.broker, c.containers, c.client)
	if err := c.registry.ApplyAgents(cfg.Agents); err != nil {
		// Unbuildable agents are skipped; their steps fail with AGENT_NOT_FOUND.
		slog.Warn("some agents could not be registered", "error", err)
	}
	if err := c.registry.ApplyPipelines(cfg.Pipelines, cfg.Broker.PipelinesDir); err != nil {
		c.Close()
		return nil, fmt.Errorf("load pipelines: %w", err)
	}

	return c, nil
}

func (c *core) connectBus(embed bool) error {
	if embed {
		bus, err := natsbus.New(c.cfg.NATS)
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		c.bus = bus
		slog.Info("nats started", "port", bus.Port())

		client, err := natsbus.NewClient(bus)
		if err != nil {
			return fmt.Errorf("nats client: %w", err)
		}
		c.client = client
		return nil
	}

	if !needsKind(c.cfg, config.KindNATS) {
		return nil
	}
	url := fmt.Sprintf("nats://127.0.0.1:%d", c.cfg.NATS.Port)
	client, err := natsbus.NewClientFromURL(url)
	if err != nil {
		slog.Warn("no running nats server, remote agents disabled", "url", url, "error", err)
		return nil
	}
	c.client = client
	return nil
}

func (c *core) Close() error {
	var errs []error
	if c.containers != nil {
		c.containers.StopAll()
		errs = append(errs, c.containers.Close())
	}
	if c.client != nil {
		c.client.Close()
	}
	if c.bus != nil {
		c.bus.Close()
	}
	if c.db != nil {
		errs = append(errs, c.db.Close())
	}
	if c.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, c.shutdownTracing(ctx))
		cancel()
	}
	return errors.Join(errs...)
}

func needsKind(cfg *config.Config, kind string) bool {
	for _, def := range cfg.Agents {
		if def.Kind == kind {
			return true
		}
	}
	return false
}
