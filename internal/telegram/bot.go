// Package telegram runs the Telegram bot users link their chats to for
// plagiarism alerts.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"plagiarism_monitor/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Store is the persistence the bot needs.
type Store interface {
	ConsumeTelegramLink(ctx context.Context, code string, chatID int64, now time.Time) (*model.User, error)
	UserByTelegramChat(ctx context.Context, chatID int64) (*model.User, error)
	SetTelegramChat(ctx context.Context, userID, chatID int64) error
	ListGroups(ctx context.Context, userID int64) ([]model.Group, error)
}

// Options configures the bot's status replies.
type Options struct {
	Location   *time.Location
	DailyLimit int
}

// Bot handles chat linking commands.
type Bot struct {
	api   telegramAPI
	store Store
	opts  Options
	log   *slog.Logger
	now   func() time.Time
}

// NewAPI connects to the Telegram Bot API.
func NewAPI(token string) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return api, nil
}

// New creates a Bot on an existing API client.
func New(api telegramAPI, store Store, opts Options, log *slog.Logger) *Bot {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Bot{api: api, store: store, opts: opts, log: log, now: time.Now}
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
			if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(ctx, chatID, args)
	case "help":
		b.handleHelp(chatID)
	case "status":
		b.handleStatus(ctx, chatID)
	case "stop":
		b.handleStop(ctx, chatID)
	default:
		b.reply(chatID, "Неизвестная команда. Список команд: /help")
	}
}

const (
	cbUnlink = "unlink"
	cbCancel = "cancel"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	b.log.Info("callback", "action", cb.Data, "chat_id", chatID)

	switch cb.Data {
	case cbUnlink:
		b.unlink(ctx, chatID)
	case cbCancel:
		b.reply(chatID, "Уведомления остаются включены.")
	}
}
