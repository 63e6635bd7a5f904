package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	AgentsAdded   []string
	AgentsRemoved []string
	AgentsChanged []string

	PipelinesChanged bool
	SchedulesChanged bool

	StepTimeoutChanged bool
	NewBroker          BrokerConfig

	SchedulerChanged bool
	NewPollInterval  SchedulerConfig

	TelegramChatsChanged bool
	NewChatIDs           []int64

	LogLevelChanged bool
	NewLogLevel     string

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.AgentsAdded) > 0 ||
		len(d.AgentsRemoved) > 0 ||
		len(d.AgentsChanged) > 0 ||
		d.PipelinesChanged ||
		d.SchedulesChanged ||
		d.StepTimeoutChanged ||
		d.SchedulerChanged ||
		d.TelegramChatsChanged ||
		d.LogLevelChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	// Agent diffs
	for name := range new.Agents {
		if _, ok := old.Agents[name]; !ok {
			d.AgentsAdded = append(d.AgentsAdded, name)
		}
	}
	for name := range old.Agents {
		if _, ok := new.Agents[name]; !ok {
			d.AgentsRemoved = append(d.AgentsRemoved, name)
		}
	}
	for name, newDef := range new.Agents {
		if oldDef, ok := old.Agents[name]; ok {
			if !reflect.DeepEqual(oldDef, newDef) {
				d.AgentsChanged = append(d.AgentsChanged, name)
			}
		}
	}
	slices.Sort(d.AgentsAdded)
	slices.Sort(d.AgentsRemoved)
	slices.Sort(d.AgentsChanged)

	// Pipelines: inline definitions or the directory they are loaded from
	if !reflect.DeepEqual(old.Pipelines, new.Pipelines) || old.Broker.PipelinesDir != new.Broker.PipelinesDir {
		d.PipelinesChanged = true
	}

	if !reflect.DeepEqual(old.Schedules, new.Schedules) {
		d.SchedulesChanged = true
	}

	if old.Broker.StepTimeout != new.Broker.StepTimeout {
		d.StepTimeoutChanged = true
		d.NewBroker = new.Broker
	}

	// Scheduler
	if old.Scheduler.PollInterval != new.Scheduler.PollInterval {
		d.SchedulerChanged = true
		d.NewPollInterval = new.Scheduler
	}

	if !slices.Equal(old.Telegram.ChatIDs, new.Telegram.ChatIDs) {
		d.TelegramChatsChanged = true
		d.NewChatIDs = new.Telegram.ChatIDs
	}

	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}

	// Non-reloadable warnings
	if old.Telegram.Token != new.Telegram.Token {
		d.NonReloadable = append(d.NonReloadable, "telegram.token")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.Web.Auth != new.Web.Auth {
		d.NonReloadable = append(d.NonReloadable, "web.auth")
	}
	if old.NATS.Port != new.NATS.Port {
		d.NonReloadable = append(d.NonReloadable, "nats.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}
	if old.Memory != new.Memory {
		d.NonReloadable = append(d.NonReloadable, "memory")
	}
	if old.Log.Format != new.Log.Format {
		d.NonReloadable = append(d.NonReloadable, "log.format")
	}
	if old.Tracing != new.Tracing {
		d.NonReloadable = append(d.NonReloadable, "tracing")
	}

	return d
}
