package notify

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"plagiarism_monitor/internal/model"
)

// Sender delivers a text message to a user over one channel.
type Sender interface {
	Send(ctx context.Context, u *model.User, text string) error
}

// MessageClient sends VK community messages.
type MessageClient interface {
	SendMessage(ctx context.Context, userID int64, text string) error
}

// VKSender delivers messages from the community to the user's VK account.
type VKSender struct {
	client MessageClient
}

// NewVKSender creates a VKSender.
func NewVKSender(client MessageClient) *VKSender {
	return &VKSender{client: client}
}

func (s *VKSender) Send(ctx context.Context, u *model.User, text string) error {
	if err := s.client.SendMessage(ctx, u.VKID, text); err != nil {
		return fmt.Errorf("vk message to %d: %w", u.VKID, err)
	}
	return nil
}

// TelegramAPI is the part of the Telegram client used for delivery.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender delivers messages to the user's linked Telegram chat.
type TelegramSender struct {
	api TelegramAPI
}

// NewTelegramSender creates a TelegramSender.
func NewTelegramSender(api TelegramAPI) *TelegramSender {
	return &TelegramSender{api: api}
}

// ErrNotLinked is returned when the user has no linked Telegram chat.
var ErrNotLinked = errors.New("telegram chat is not linked")

func (s *TelegramSender) Send(_ context.Context, u *model.User, text string) error {
	if u.TelegramChatID == 0 {
		return ErrNotLinked
	}
	msg := tgbotapi.NewMessage(u.TelegramChatID, text)
	msg.DisableWebPagePreview = true
	if _, err := s.api.Send(msg); err != nil {
		return fmt.Errorf("telegram message to %d: %w", u.TelegramChatID, err)
	}
	return nil
}
