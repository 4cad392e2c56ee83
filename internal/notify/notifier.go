// Package notify delivers plagiarism alerts to users within a daily cap.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"plagiarism_monitor/internal/apperr"
	"plagiarism_monitor/internal/metrics"
	"plagiarism_monitor/internal/model"
	"plagiarism_monitor/internal/storage"
)

// Store is the persistence needed by Notifier.
type Store interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	ReserveNotification(ctx context.Context, userID int64, day string, now time.Time, limit int) (bool, error)
	ReleaseNotification(ctx context.Context, userID int64, day string) error
	MarkCaseNotified(ctx context.Context, id int64, at time.Time) error
	Statistics(ctx context.Context, userID int64, w storage.StatsWindow) (*model.Statistics, error)
}

// Notifier routes messages to users. Telegram is preferred when the user
// linked a chat, VK community messages are used otherwise.
type Notifier struct {
	store    Store
	vk       Sender
	telegram Sender
	limit    int
	loc      *time.Location
	now      func() time.Time
	log      *slog.Logger
}

// Options configure a Notifier. Nil senders disable their channel.
type Options struct {
	VK         Sender
	Telegram   Sender
	DailyLimit int
	Location   *time.Location
}

// New creates a Notifier.
func New(store Store, opts Options, log *slog.Logger) *Notifier {
	n := &Notifier{
		store:    store,
		vk:       opts.VK,
		telegram: opts.Telegram,
		limit:    opts.DailyLimit,
		loc:      opts.Location,
		now:      time.Now,
		log:      log,
	}
	if n.limit <= 0 {
		n.limit = 10
	}
	if n.loc == nil {
		n.loc = time.UTC
	}
	return n
}

func (n *Notifier) route(u *model.User) (Sender, string) {
	if u.TelegramLinked && n.telegram != nil {
		return n.telegram, "telegram"
	}
	if n.vk != nil {
		return n.vk, "vk"
	}
	return nil, ""
}

// NotifyCase alerts the owner of a case. It reports whether a message was
// delivered. Disabled notifications, an exhausted daily cap and a missing
// channel are not errors.
func (n *Notifier) NotifyCase(ctx context.Context, c *model.Case) (bool, error) {
	u, err := n.store.GetUser(ctx, c.UserID)
	if err != nil {
		return false, fmt.Errorf("get user: %w", err)
	}
	if !u.NotificationsEnabled {
		metrics.Notifications.WithLabelValues("none", "disabled").Inc()
		return false, nil
	}
	sender, channel := n.route(u)
	if sender == nil {
		n.log.Warn("no notification channel", "user_id", u.ID)
		metrics.Notifications.WithLabelValues("none", "no_channel").Inc()
		return false, nil
	}

	now := n.now()
	day := now.In(n.loc).Format(time.DateOnly)
	ok, err := n.store.ReserveNotification(ctx, u.ID, day, now.UTC(), n.limit)
	if err != nil {
		return false, fmt.Errorf("reserve notification: %w", err)
	}
	if !ok {
		n.log.Info("daily notification limit reached", "user_id", u.ID, "case_id", c.ID)
		metrics.Notifications.WithLabelValues(channel, "capped").Inc()
		return false, nil
	}

	if err := sender.Send(ctx, u, FormatCase(c)); err != nil {
		metrics.Notifications.WithLabelValues(channel, "failed").Inc()
		if rerr := n.store.ReleaseNotification(ctx, u.ID, day); rerr != nil {
			n.log.Error("release notification slot", "user_id", u.ID, "error", rerr)
		}
		return false, fmt.Errorf("send notification: %w", err)
	}
	metrics.Notifications.WithLabelValues(channel, "sent").Inc()

	if err := n.store.MarkCaseNotified(ctx, c.ID, now.UTC()); err != nil {
		return true, fmt.Errorf("mark case notified: %w", err)
	}
	c.NotificationSent = true
	sentAt := now.UTC().Truncate(time.Second)
	c.NotificationSentAt = &sentAt
	return true, nil
}

// SendTest sends a test message over the user's preferred channel. It does
// not count against the daily cap.
func (n *Notifier) SendTest(ctx context.Context, u *model.User) (string, error) {
	sender, channel := n.route(u)
	if sender == nil {
		return "", apperr.New(apperr.Validation, "no notification channel is configured")
	}
	if err := sender.Send(ctx, u, FormatTest(u)); err != nil {
		return "", apperr.Wrap(apperr.Fetch, "could not deliver the test notification", err)
	}
	return channel, nil
}

// Welcome greets a new user. Failures are logged, not returned.
func (n *Notifier) Welcome(ctx context.Context, u *model.User) {
	sender, _ := n.route(u)
	if sender == nil {
		return
	}
	if err := sender.Send(ctx, u, FormatWelcome(u)); err != nil {
		n.log.Warn("welcome message", "user_id", u.ID, "error", err)
	}
}
