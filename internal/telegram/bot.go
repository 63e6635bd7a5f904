// Package telegram notifies chats about finished pipeline runs and accepts
// a few operator commands.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/mtzanidakis/saat/internal/broker"
	"github.com/mtzanidakis/saat/internal/config"
	"github.com/mtzanidakis/saat/internal/natsbus"
	"github.com/mtzanidakis/saat/internal/store"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/nats-io/nats.go"
)

const maxMessageLen = 4096

type Bot struct {
	bot     *telego.Bot
	handler *th.BotHandler
	broker  *broker.Broker
	store   *store.Store
	client  *natsbus.Client
	sub     *nats.Subscription
	cancel  context.CancelFunc

	mu      sync.RWMutex
	chatIDs []int64
}

func NewBot(cfg config.TelegramConfig, b *broker.Broker, s *store.Store, client *natsbus.Client) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Bot{
		bot:     bot,
		broker:  b,
		store:   s,
		client:  client,
		chatIDs: slices.Clone(cfg.ChatIDs),
	}, nil
}

// SetChatIDs replaces the notified and allowed chats.
func (b *Bot) SetChatIDs(ids []int64) {
	b.mu.Lock()
	b.chatIDs = slices.Clone(ids)
	b.mu.Unlock()
}

func (b *Bot) chats() []int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.chatIDs)
}

func (b *Bot) allowed(chatID int64) bool {
	return slices.Contains(b.chats(), chatID)
}

// Start subscribes to pipeline events and serves commands until ctx is
// done.
func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	if b.client != nil {
		sub, err := b.client.Subscribe(natsbus.TopicEventsPipelines, func(msg *nats.Msg) {
			b.handleEvent(ctx, msg.Data)
		})
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe pipeline events: %w", err)
		}
		b.sub = sub
	}

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleCommand(ctx, message)
		return nil
	}, th.AnyCommand())

	go handler.Start()

	slog.Info("telegram bot started", "chats", len(b.chats()))
	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bot) handleEvent(ctx context.Context, data []byte) {
	var e broker.Event
	if err := json.Unmarshal(data, &e); err != nil {
		slog.Warn("bad pipeline event", "error", err)
		return
	}
	if e.Type != broker.EventPipelineCompleted && e.Type != broker.EventPipelineFailed {
		return
	}

	text := formatRunEvent(e)
	for _, chatID := range b.chats() {
		if err := b.SendMessage(ctx, chatID, text); err != nil {
			slog.Error("failed to send telegram notification", "chat", chatID, "error", err)
		}
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg telego.Message) {
	chatID := msg.Chat.ID
	if !b.allowed(chatID) {
		slog.Warn("unauthorized telegram chat", "chat_id", chatID)
		return
	}

	cmd, _, args := tu.ParseCommand(msg.Text)
	var reply string
	switch cmd {
	case "pipelines":
		reply = formatPipelines(b.broker.Pipelines())
	case "runs":
		runs, err := b.store.ListRuns("", 10)
		if err != nil {
			reply = "Failed to list runs: " + err.Error()
			break
		}
		reply = formatRuns(runs)
	case "run":
		if len(args) == 0 {
			reply = "Usage: /run <pipeline> [key=value ...]"
			break
		}
		params, err := parseParams(args[1:])
		if err != nil {
			reply = err.Error()
			break
		}
		_ = b.SendMessage(ctx, chatID, fmt.Sprintf("Starting %s...", args[0]))
		go func() {
			// The completion notice arrives through the event stream.
			if _, err := b.broker.ExecutePipeline(ctx, args[0], params); err != nil {
				_ = b.SendMessage(ctx, chatID, "Run failed: "+err.Error())
			}
		}()
		return
	default:
		reply = "Commands: /pipelines, /runs, /run <pipeline> [key=value ...]"
	}

	if err := b.SendMessage(ctx, chatID, reply); err != nil {
		slog.Error("failed to send telegram reply", "chat", chatID, "error", err)
	}
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		if _, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}
