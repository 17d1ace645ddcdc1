// Package bot implements the Telegram transport and the conversational
// wizard for managing subscriptions.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"feedrelay/internal/config"
	"feedrelay/internal/fetcher"
	"feedrelay/internal/registry"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot handles user conversations and delivers feed notifications.
type Bot struct {
	api      telegramAPI
	registry *registry.Registry
	fetcher  *fetcher.Fetcher
	cfg      *config.Config
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[int64]*session
}

// New creates a Bot with the given Telegram token, registry, and config.
func New(token string, reg *registry.Registry, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:      api,
		registry: reg,
		fetcher:  fetcher.New(http.DefaultClient),
		cfg:      cfg,
		log:      log,
		sessions: make(map[int64]*session),
	}, nil
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			if update.Message.From != nil && !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			if update.Message.IsCommand() {
				b.handleCommand(ctx, update.Message)
			} else {
				b.handleText(ctx, update.Message)
			}
		}
	}
}

// Notify sends a feed notification to the given chat. The error is
// returned so the delivery orchestrator withholds the delivery record
// on failure.
func (b *Bot) Notify(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) replyPlain(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) replyWithKeyboard(chatID int64, text string, keyboard tgbotapi.ReplyKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = keyboard
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	cmd := msg.Command()

	b.log.Debug("command", "cmd", cmd, "chat_id", chatID)

	switch cmd {
	case "start", "help":
		b.handleStart(chatID)
	case "addfeed":
		b.handleAddFeed(chatID)
	case "remfeed":
		b.handleRemFeed(ctx, chatID)
	case "feeds":
		b.handleFeeds(ctx, chatID)
	case "stop":
		b.handleStop(ctx, chatID)
	case "cancel":
		b.handleCancel(chatID)
	default:
		b.reply(chatID, "Unknown command. Use /start for an overview.")
	}
}

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Hello! I deliver new items from your RSS and Atom feeds as chat messages.

/addfeed — subscribe to a feed
/remfeed — remove a feed
/feeds — list your subscriptions
/stop — remove all feeds
/cancel — abort the current process`)
}
