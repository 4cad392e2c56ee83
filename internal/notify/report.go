package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"plagiarism_monitor/internal/metrics"
	"plagiarism_monitor/internal/model"
	"plagiarism_monitor/internal/storage"
	"plagiarism_monitor/internal/subscription"
)

// DailyReport sends the user's end-of-day messages at now: a renewal
// reminder when a reminder day of a paid tier is reached, and a summary when
// cases were found today and notifications are enabled. Neither counts
// against the daily alert cap.
func (n *Notifier) DailyReport(ctx context.Context, u *model.User, now time.Time) error {
	sender, channel := n.route(u)
	if sender == nil {
		return nil
	}

	var errs []error
	if days, ok := subscription.ReminderDue(u, now); ok {
		errs = append(errs, n.report(ctx, sender, channel, u, "expiry", FormatExpiryWarning(days)))
	}

	if u.NotificationsEnabled {
		st, err := n.store.Statistics(ctx, u.ID, storage.WindowAt(now, n.loc))
		if err != nil {
			return errors.Join(append(errs, fmt.Errorf("statistics: %w", err))...)
		}
		if st.Today > 0 {
			text := FormatDailySummary(st.Today, st.TotalPlagiarismFound, u.SentToday(now, n.loc))
			errs = append(errs, n.report(ctx, sender, channel, u, "summary", text))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) report(ctx context.Context, sender Sender, channel string, u *model.User, kind, text string) error {
	if err := sender.Send(ctx, u, text); err != nil {
		metrics.Notifications.WithLabelValues(channel, "failed").Inc()
		return fmt.Errorf("send %s: %w", kind, err)
	}
	metrics.Notifications.WithLabelValues(channel, kind).Inc()
	n.log.Info("report sent", "user_id", u.ID, "kind", kind, "channel", channel)
	return nil
}
