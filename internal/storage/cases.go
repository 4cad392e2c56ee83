package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"plagiarism_monitor/internal/model"
)

const caseColumns = `c.id, c.group_id, c.user_id, COALESCE(g.name, ''), c.original_key, c.original_owner_id,
	c.original_post_id, c.original_url, c.original_text, c.original_images, c.plagiarized_key,
	c.plagiarized_owner_id, c.plagiarized_post_id, c.plagiarized_url, c.plagiarized_text,
	c.plagiarized_images, c.text_similarity, c.image_similarity, c.overall_similarity, c.risk,
	c.is_confirmed, c.is_false_positive, c.notification_sent, c.notification_sent_at, c.created_at`

const caseFrom = ` FROM cases c LEFT JOIN groups g ON g.id = c.group_id`

// RecordCase persists a case and increments the plagiarism counters of its
// group and user in the same transaction. A case for an already recorded
// (group, original, plagiarized) triple is ignored and reports false.
func (s *SQLite) RecordCase(ctx context.Context, c *model.Case) (bool, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO cases (group_id, user_id, original_key, original_owner_id, original_post_id,
			     original_url, original_text, original_images, plagiarized_key, plagiarized_owner_id,
			     plagiarized_post_id, plagiarized_url, plagiarized_text, plagiarized_images,
			     text_similarity, image_similarity, overall_similarity, risk, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.GroupID, c.UserID, c.OriginalKey, c.OriginalOwnerID, c.OriginalPostID,
			c.OriginalURL, c.OriginalText, encodeStrings(c.OriginalImages), c.PlagiarizedKey, c.PlagiarizedOwnerID,
			c.PlagiarizedPostID, c.PlagiarizedURL, c.PlagiarizedText, encodeStrings(c.PlagiarizedImages),
			c.TextSimilarity, c.ImageSimilarity, c.OverallSimilarity, string(c.Risk), formatTime(c.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert case: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if c.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE groups SET plagiarism_found = plagiarism_found + 1 WHERE id = ?`, c.GroupID); err != nil {
			return fmt.Errorf("increment group counter: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET total_plagiarism_found = total_plagiarism_found + 1 WHERE id = ?`, c.UserID); err != nil {
			return fmt.Errorf("increment user counter: %w", err)
		}
		created = true
		return nil
	})
	return created, err
}

// GetCase returns one of the user's cases.
func (s *SQLite) GetCase(ctx context.Context, userID, id int64) (*model.Case, error) {
	return scanCase(s.db.QueryRowContext(ctx,
		`SELECT `+caseColumns+caseFrom+` WHERE c.id = ? AND c.user_id = ?`, id, userID))
}

// ListCases returns a page of the user's cases, newest first, and the total
// number of matching cases.
func (s *SQLite) ListCases(ctx context.Context, f CaseFilter) ([]model.Case, int, error) {
	where := ` WHERE c.user_id = ?`
	args := []any{f.UserID}
	if f.GroupID != 0 {
		where += ` AND c.group_id = ?`
		args = append(args, f.GroupID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cases c`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count cases: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	cases, err := s.queryCases(ctx,
		`SELECT `+caseColumns+caseFrom+where+` ORDER BY c.created_at DESC, c.id DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	return cases, total, nil
}

// ListNotifiedCases returns the user's most recent cases a notification was
// sent for.
func (s *SQLite) ListNotifiedCases(ctx context.Context, userID int64, limit int) ([]model.Case, error) {
	return s.queryCases(ctx,
		`SELECT `+caseColumns+caseFrom+`
		 WHERE c.user_id = ? AND c.notification_sent = 1
		 ORDER BY c.notification_sent_at DESC, c.id DESC LIMIT ?`, userID, limit)
}

// SetCaseStatus records the user's verdict on a case.
func (s *SQLite) SetCaseStatus(ctx context.Context, userID, id int64, status model.CaseStatus) error {
	confirmed := status == model.CaseConfirmed
	falsePositive := status == model.CaseFalsePositive
	return s.execOne(ctx, "update case status",
		`UPDATE cases SET is_confirmed = ?, is_false_positive = ? WHERE id = ? AND user_id = ?`,
		boolToInt(confirmed), boolToInt(falsePositive), id, userID)
}

// MarkCaseNotified records that a notification was delivered for the case.
func (s *SQLite) MarkCaseNotified(ctx context.Context, id int64, at time.Time) error {
	return s.execOne(ctx, "mark case notified",
		`UPDATE cases SET notification_sent = 1, notification_sent_at = ? WHERE id = ?`, formatTime(at), id)
}

// Statistics aggregates the user's case counts and group counters.
func (s *SQLite) Statistics(ctx context.Context, userID int64, w StatsWindow) (*model.Statistics, error) {
	var st model.Statistics
	err := s.db.QueryRowContext(ctx,
		`SELECT
		     COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0),
		     COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0),
		     COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0),
		     COUNT(*)
		 FROM cases WHERE user_id = ?`,
		formatTime(w.Today), formatTime(w.Week), formatTime(w.Month), userID,
	).Scan(&st.Today, &st.Week, &st.Month, &st.Total)
	if err != nil {
		return nil, fmt.Errorf("count cases: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(posts_checked), 0),
		        COALESCE(SUM(CASE WHEN is_active = 1 AND suspend_reason = '' THEN 1 ELSE 0 END), 0)
		 FROM groups WHERE user_id = ? AND deleted_at IS NULL`, userID,
	).Scan(&st.TotalPostsChecked, &st.ActiveGroups)
	if err != nil {
		return nil, fmt.Errorf("sum group counters: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT total_plagiarism_found FROM users WHERE id = ?`, userID,
	).Scan(&st.TotalPlagiarismFound)
	if err != nil {
		return nil, notFound(err, "user")
	}
	return &st, nil
}

func (s *SQLite) queryCases(ctx context.Context, query string, args ...any) ([]model.Case, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cases []model.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, *c)
	}
	return cases, rows.Err()
}

func scanCase(row scannable) (*model.Case, error) {
	var c model.Case
	var origImages, plagImages, risk, created string
	var confirmed, falsePositive, sent int
	var sentAt sql.NullString
	err := row.Scan(&c.ID, &c.GroupID, &c.UserID, &c.GroupName, &c.OriginalKey, &c.OriginalOwnerID,
		&c.OriginalPostID, &c.OriginalURL, &c.OriginalText, &origImages, &c.PlagiarizedKey,
		&c.PlagiarizedOwnerID, &c.PlagiarizedPostID, &c.PlagiarizedURL, &c.PlagiarizedText,
		&plagImages, &c.TextSimilarity, &c.ImageSimilarity, &c.OverallSimilarity, &risk,
		&confirmed, &falsePositive, &sent, &sentAt, &created)
	if err != nil {
		return nil, notFound(err, "case")
	}
	c.OriginalImages = decodeStrings(origImages)
	c.PlagiarizedImages = decodeStrings(plagImages)
	c.Risk = model.Risk(risk)
	c.IsConfirmed = confirmed == 1
	c.IsFalsePositive = falsePositive == 1
	c.NotificationSent = sent == 1
	c.NotificationSentAt = parseNullTime(sentAt)
	c.CreatedAt = parseTime(created)
	return &c, nil
}
