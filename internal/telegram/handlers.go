package telegram

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"plagiarism_monitor/internal/storage"
)

func (b *Bot) handleStart(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, `Добро пожаловать!

Чтобы получать уведомления о плагиате, откройте приложение, выберите «Уведомления → Telegram» и перейдите по выданной ссылке.`)
		return
	}

	code, err := ParseLinkCode(args)
	if err != nil {
		b.reply(chatID, "Неверный код привязки. Получите новый в приложении.")
		return
	}

	u, err := b.store.ConsumeTelegramLink(ctx, code, chatID, b.now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		b.reply(chatID, "Код привязки не найден или устарел. Получите новый в приложении.")
		return
	}
	if err != nil {
		b.log.Error("consume telegram link", "chat_id", chatID, "error", err)
		b.reply(chatID, "Не удалось привязать чат, попробуйте позже.")
		return
	}

	b.log.Info("telegram chat linked", "user_id", u.ID, "chat_id", chatID)
	name := u.FirstName
	if name == "" {
		name = "пользователь"
	}
	b.reply(chatID, fmt.Sprintf("%s, чат привязан. Уведомления о плагиате будут приходить сюда.", name))
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, helpText)
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64) {
	u, err := b.store.UserByTelegramChat(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		b.reply(chatID, "Чат не привязан. Используйте ссылку из приложения.")
		return
	}
	if err != nil {
		b.log.Error("user by chat", "chat_id", chatID, "error", err)
		b.reply(chatID, "Не удалось получить статус, попробуйте позже.")
		return
	}

	groups, err := b.store.ListGroups(ctx, u.ID)
	if err != nil {
		b.log.Error("list groups", "user_id", u.ID, "error", err)
		b.reply(chatID, "Не удалось получить статус, попробуйте позже.")
		return
	}
	b.reply(chatID, FormatStatus(u, groups, u.SentToday(b.now(), b.opts.Location), b.opts.DailyLimit))
}

func (b *Bot) handleStop(ctx context.Context, chatID int64) {
	if _, err := b.store.UserByTelegramChat(ctx, chatID); err != nil {
		b.reply(chatID, "Чат не привязан.")
		return
	}
	msg := tgbotapi.NewMessage(chatID, "Отключить уведомления в Telegram? Они снова будут приходить во VK.")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Отключить", cbUnlink),
			tgbotapi.NewInlineKeyboardButtonData("Отмена", cbCancel),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send unlink confirmation", "error", err)
	}
}

func (b *Bot) unlink(ctx context.Context, chatID int64) {
	u, err := b.store.UserByTelegramChat(ctx, chatID)
	if err != nil {
		b.reply(chatID, "Чат не привязан.")
		return
	}
	if err := b.store.SetTelegramChat(ctx, u.ID, 0); err != nil {
		b.log.Error("unlink telegram chat", "user_id", u.ID, "error", err)
		b.reply(chatID, "Не удалось отвязать чат, попробуйте позже.")
		return
	}
	b.log.Info("telegram chat unlinked", "user_id", u.ID, "chat_id", chatID)
	b.reply(chatID, "Чат отвязан. Уведомления будут приходить во VK.")
}
