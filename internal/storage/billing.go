package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"plagiarism_monitor/internal/model"
)

// CreatePayment stores a pending payment order.
func (s *SQLite) CreatePayment(ctx context.Context, p *model.Payment) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	if p.Status == "" {
		p.Status = model.PaymentPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (order_id, user_id, tier, amount, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.OrderID, p.UserID, string(p.Tier), p.Amount, p.Status, formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetPayment returns a payment order.
func (s *SQLite) GetPayment(ctx context.Context, orderID string) (*model.Payment, error) {
	var p model.Payment
	var tier, created string
	var paid sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT order_id, user_id, tier, amount, status, created_at, paid_at FROM payments WHERE order_id = ?`,
		orderID,
	).Scan(&p.OrderID, &p.UserID, &tier, &p.Amount, &p.Status, &created, &paid)
	if err != nil {
		return nil, notFound(err, "payment")
	}
	p.Tier = model.Tier(tier)
	p.CreatedAt = parseTime(created)
	p.PaidAt = parseNullTime(paid)
	return &p, nil
}

// MarkPaymentPaid transitions a pending order to paid. It reports false
// when the order was already paid, so callbacks can be replayed safely.
func (s *SQLite) MarkPaymentPaid(ctx context.Context, orderID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = ?, paid_at = ? WHERE order_id = ? AND status = ?`,
		model.PaymentPaid, formatTime(at), orderID, model.PaymentPending,
	)
	if err != nil {
		return false, fmt.Errorf("mark payment paid: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CreateTelegramLink stores a one-time code linking a Telegram chat to a user.
func (s *SQLite) CreateTelegramLink(ctx context.Context, code string, userID int64, expires time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO telegram_links (code, user_id, expires_at) VALUES (?, ?, ?)`,
		code, userID, formatTime(expires),
	)
	if err != nil {
		return fmt.Errorf("insert telegram link: %w", err)
	}
	return nil
}

// ConsumeTelegramLink redeems a link code for chatID and returns the linked
// user. Expired or unknown codes yield ErrNotFound.
func (s *SQLite) ConsumeTelegramLink(ctx context.Context, code string, chatID int64, now time.Time) (*model.User, error) {
	var u *model.User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var userID int64
		var expires string
		err := tx.QueryRowContext(ctx,
			`SELECT user_id, expires_at FROM telegram_links WHERE code = ?`, code,
		).Scan(&userID, &expires)
		if err != nil {
			return notFound(err, "telegram link")
		}
		if parseTime(expires).Before(now) {
			return fmt.Errorf("telegram link expired: %w", ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM telegram_links WHERE code = ?`, code); err != nil {
			return fmt.Errorf("delete telegram link: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET telegram_chat_id = NULL WHERE telegram_chat_id = ?`, chatID); err != nil {
			return fmt.Errorf("unlink previous user: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET telegram_chat_id = ? WHERE id = ?`, chatID, userID); err != nil {
			return fmt.Errorf("link telegram chat: %w", err)
		}
		u, err = scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// SourceCheckpoint returns when a reference source was last fetched.
func (s *SQLite) SourceCheckpoint(ctx context.Context, source string) (*time.Time, error) {
	var at string
	err := s.db.QueryRowContext(ctx,
		`SELECT checked_at FROM source_checkpoints WHERE source = ?`, source).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	t := parseTime(at)
	return &t, nil
}

// SetSourceCheckpoint records a completed fetch of a reference source.
func (s *SQLite) SetSourceCheckpoint(ctx context.Context, source string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_checkpoints (source, checked_at) VALUES (?, ?)
		 ON CONFLICT (source) DO UPDATE SET checked_at = excluded.checked_at`,
		source, formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}
