package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"plagiarism_monitor/internal/model"
)

const userColumns = `id, vk_id, first_name, last_name, username, photo_url, subscription_type,
	subscription_expires, notifications_enabled, notifications_sent_today, notification_day,
	last_notification_date, total_plagiarism_found, telegram_chat_id, created_at, last_login`

// UpsertUser creates the user on first login or refreshes their profile,
// then loads the stored row into u.
func (s *SQLite) UpsertUser(ctx context.Context, u *model.User) (bool, error) {
	now := time.Now().UTC()
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE users SET first_name = ?, last_name = ?, username = ?, photo_url = ?, last_login = ?
			 WHERE vk_id = ?`,
			u.FirstName, u.LastName, u.Username, u.PhotoURL, formatTime(now), u.VKID,
		)
		if err != nil {
			return fmt.Errorf("update user: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			tier := u.SubscriptionType
			if tier == "" {
				tier = model.TierFree
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO users (vk_id, first_name, last_name, username, photo_url, subscription_type,
				                    notifications_enabled, created_at, last_login)
				 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
				u.VKID, u.FirstName, u.LastName, u.Username, u.PhotoURL, string(tier),
				formatTime(now), formatTime(now),
			); err != nil {
				return fmt.Errorf("insert user: %w", err)
			}
			created = true
		}

		got, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE vk_id = ?`, u.VKID))
		if err != nil {
			return err
		}
		*u = *got
		return nil
	})
	return created, err
}

// GetUser returns a user by internal ID.
func (s *SQLite) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// ListGroupOwners returns every user owning at least one non-deleted group.
func (s *SQLite) ListGroupOwners(ctx context.Context) ([]model.User, error) {
	return s.listUsers(ctx, "query group owners",
		`SELECT `+userColumns+` FROM users
		 WHERE id IN (SELECT user_id FROM groups WHERE deleted_at IS NULL)
		 ORDER BY id`)
}

// ListUsers returns every user.
func (s *SQLite) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.listUsers(ctx, "query users", `SELECT `+userColumns+` FROM users ORDER BY id`)
}

func (s *SQLite) listUsers(ctx context.Context, what, query string) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// SetNotificationsEnabled toggles notification delivery for a user.
func (s *SQLite) SetNotificationsEnabled(ctx context.Context, userID int64, enabled bool) error {
	return s.execOne(ctx, "update notifications",
		`UPDATE users SET notifications_enabled = ? WHERE id = ?`, boolToInt(enabled), userID)
}

// SetSubscription stores the user's tier and expiry.
func (s *SQLite) SetSubscription(ctx context.Context, userID int64, tier model.Tier, expires *time.Time) error {
	return s.execOne(ctx, "update subscription",
		`UPDATE users SET subscription_type = ?, subscription_expires = ? WHERE id = ?`,
		string(tier), formatTimePtr(expires), userID)
}

// ReserveNotification takes one slot of the user's daily notification
// budget. The counter restarts when day differs from the stored day, so the
// reset happens exactly once per calendar day. It reports false when
// notifications are disabled or the cap is already reached.
func (s *SQLite) ReserveNotification(ctx context.Context, userID int64, day string, now time.Time, limit int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET
		     notifications_sent_today = CASE WHEN notification_day = ? THEN notifications_sent_today + 1 ELSE 1 END,
		     notification_day = ?,
		     last_notification_date = ?
		 WHERE id = ? AND notifications_enabled = 1
		   AND (notification_day <> ? OR notifications_sent_today < ?)`,
		day, day, formatTime(now), userID, day, limit,
	)
	if err != nil {
		return false, fmt.Errorf("reserve notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseNotification returns a slot taken by ReserveNotification when the
// message could not be delivered.
func (s *SQLite) ReleaseNotification(ctx context.Context, userID int64, day string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET notifications_sent_today = notifications_sent_today - 1
		 WHERE id = ? AND notification_day = ? AND notifications_sent_today > 0`,
		userID, day,
	)
	if err != nil {
		return fmt.Errorf("release notification: %w", err)
	}
	return nil
}

// SetTelegramChat links a Telegram chat to the user. chatID 0 unlinks.
func (s *SQLite) SetTelegramChat(ctx context.Context, userID, chatID int64) error {
	var v any
	if chatID != 0 {
		v = chatID
	}
	return s.execOne(ctx, "update telegram chat",
		`UPDATE users SET telegram_chat_id = ? WHERE id = ?`, v, userID)
}

// UserByTelegramChat returns the user linked to a Telegram chat.
func (s *SQLite) UserByTelegramChat(ctx context.Context, chatID int64) (*model.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE telegram_chat_id = ?`, chatID))
}

func (s *SQLite) execOne(ctx context.Context, what, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func scanUser(row scannable) (*model.User, error) {
	var u model.User
	var tier, created string
	var enabled int
	var expires, lastNotif, lastLogin sql.NullString
	var chat sql.NullInt64
	err := row.Scan(&u.ID, &u.VKID, &u.FirstName, &u.LastName, &u.Username, &u.PhotoURL, &tier,
		&expires, &enabled, &u.NotificationsSentToday, &u.NotificationDay,
		&lastNotif, &u.TotalPlagiarismFound, &chat, &created, &lastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.SubscriptionType = model.Tier(tier)
	u.SubscriptionExpires = parseNullTime(expires)
	u.NotificationsEnabled = enabled == 1
	u.LastNotificationDate = parseNullTime(lastNotif)
	u.TelegramChatID = chat.Int64
	u.TelegramLinked = chat.Valid && chat.Int64 != 0
	u.CreatedAt = parseTime(created)
	u.LastLogin = parseNullTime(lastLogin)
	return &u, nil
}
