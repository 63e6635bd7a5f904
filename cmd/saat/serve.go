package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/saat/internal/config"
	"github.com/mtzanidakis/saat/internal/natsbus"
	"github.com/mtzanidakis/saat/internal/scheduler"
	"github.com/mtzanidakis/saat/internal/telegram"
	"github.com/mtzanidakis/saat/internal/web"
	"github.com/nats-io/nats.go"
)

type gateway struct {
	core  *core
	cfg   *config.Config
	sched *scheduler.Scheduler
	bot   *telegram.Bot
	subs  []*nats.Subscription
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("starting saat", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := newCore(cfg, coreOptions{embedBus: true})
	if err != nil {
		return err
	}
	defer c.Close()

	g := &gateway{core: c, cfg: cfg}

	if c.containers != nil {
		if err := c.containers.CleanupStale(ctx); err != nil {
			slog.Warn("stale container cleanup failed", "error", err)
		}
	}

	g.exposeAgents()

	// Scheduler
	g.sched = scheduler.New(c.db, c.broker, c.client, cfg.Scheduler)
	if err := g.sched.Sync(cfg.Schedules); err != nil {
		slog.Warn("some schedules could not be synced", "error", err)
	}
	go g.sched.Start(ctx)

	// Telegram bot
	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram, c.broker, c.db, c.client)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		g.bot = bot
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
	} else {
		slog.Warn("telegram token not set, notifications disabled")
	}

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(cfg.Web, c.broker, c.db, c.registry, g.sched, c.keeper, c.client, c.metrics, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal, reloading config on SIGHUP
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			g.reload()
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}
	cancel()

	g.unexposeAgents()
	if g.bot != nil {
		g.bot.Stop()
	}
	return nil
}

// reload re-reads the config file and applies whatever can change at
// runtime. Pipelines are always reloaded so edits in the pipelines
// directory are picked up.
func (g *gateway) reload() {
	newCfg, err := config.Load()
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return
	}

	diff := config.Diff(g.cfg, newCfg)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}

	if len(diff.AgentsAdded) > 0 || len(diff.AgentsRemoved) > 0 || len(diff.AgentsChanged) > 0 {
		if err := g.core.registry.ApplyAgents(newCfg.Agents); err != nil {
			slog.Warn("some agents could not be registered", "error", err)
		}
		g.unexposeAgents()
		g.exposeAgents()
		slog.Info("agents reloaded", "added", diff.AgentsAdded, "removed", diff.AgentsRemoved, "changed", diff.AgentsChanged)
	}

	if err := g.core.registry.ApplyPipelines(newCfg.Pipelines, newCfg.Broker.PipelinesDir); err != nil {
		slog.Error("pipeline reload failed, keeping previous pipelines", "error", err)
	}

	if diff.SchedulesChanged {
		if err := g.sched.Sync(newCfg.Schedules); err != nil {
			slog.Warn("some schedules could not be synced", "error", err)
		}
	}
	if diff.StepTimeoutChanged {
		g.core.broker.SetStepTimeout(diff.NewBroker.StepTimeout)
	}
	if diff.SchedulerChanged {
		g.sched.UpdateConfig(diff.NewPollInterval)
	}
	if diff.TelegramChatsChanged && g.bot != nil {
		g.bot.SetChatIDs(diff.NewChatIDs)
	}
	if diff.LogLevelChanged {
		logLevel.Set(newCfg.LogLevel())
	}

	g.cfg = newCfg
	slog.Info("config reloaded", "changes", diff.HasChanges())
}

// exposeAgents serves every local agent on the bus so other processes can
// reach it as a remote agent.
func (g *gateway) exposeAgents() {
	c := g.core
	for _, a := range c.broker.Agents() {
		if def, ok := c.registry.Definition(a.Name()); ok && def.Kind == config.KindNATS {
			continue
		}
		subs, err := natsbus.ServeAgent(c.client, a)
		if err != nil {
			slog.Warn("failed to expose agent on bus", "agent", a.Name(), "error", err)
			continue
		}
		g.subs = append(g.subs, subs...)
	}
}

func (g *gateway) unexposeAgents() {
	for _, sub := range g.subs {
		_ = sub.Unsubscribe()
	}
	g.subs = nil
}
