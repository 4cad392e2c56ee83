package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"plagiarism_monitor/internal/model"
)

const groupColumns = `id, user_id, vk_group_id, name, screen_name, photo_url, description, is_active,
	suspend_reason, check_text, check_images, exclude_reposts, posts_checked, plagiarism_found,
	last_check, created_at`

// occupiedSlots counts groups that use one of the user's subscription slots.
const occupiedSlots = `SELECT COUNT(*) FROM groups
	WHERE user_id = ? AND deleted_at IS NULL AND suspend_reason <> 'capacity'`

// CreateGroup inserts a group for its user unless that would exceed
// maxGroups. The count and the insert share one transaction. A group the
// user removed earlier is revived with the new settings.
func (s *SQLite) CreateGroup(ctx context.Context, g *model.Group, maxGroups int) error {
	now := formatTime(time.Now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var existingID int64
		var deleted sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT id, deleted_at FROM groups WHERE user_id = ? AND vk_group_id = ?`,
			g.UserID, g.VKGroupID,
		).Scan(&existingID, &deleted)
		switch {
		case err == nil && !deleted.Valid:
			return fmt.Errorf("group %d: %w", g.VKGroupID, ErrConflict)
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup group: %w", err)
		}

		var count int
		if err := tx.QueryRowContext(ctx, occupiedSlots, g.UserID).Scan(&count); err != nil {
			return fmt.Errorf("count groups: %w", err)
		}
		if count >= maxGroups {
			return ErrLimitExceeded
		}

		if existingID != 0 {
			_, err = tx.ExecContext(ctx,
				`UPDATE groups SET name = ?, screen_name = ?, photo_url = ?, description = ?, is_active = ?,
				        suspend_reason = '', check_text = ?, check_images = ?, exclude_reposts = ?,
				        deleted_at = NULL, created_at = ?
				 WHERE id = ?`,
				g.Name, g.ScreenName, g.PhotoURL, g.Description, boolToInt(g.IsActive),
				boolToInt(g.CheckText), boolToInt(g.CheckImages), boolToInt(g.ExcludeReposts), now, existingID,
			)
			if err != nil {
				return fmt.Errorf("revive group: %w", err)
			}
			g.ID = existingID
		} else {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO groups (user_id, vk_group_id, name, screen_name, photo_url, description, is_active,
				                     check_text, check_images, exclude_reposts, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				g.UserID, g.VKGroupID, g.Name, g.ScreenName, g.PhotoURL, g.Description, boolToInt(g.IsActive),
				boolToInt(g.CheckText), boolToInt(g.CheckImages), boolToInt(g.ExcludeReposts), now,
			)
			if err != nil {
				return fmt.Errorf("insert group: %w", err)
			}
			if g.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("last insert id: %w", err)
			}
		}

		got, err := scanGroup(tx.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = ?`, g.ID))
		if err != nil {
			return err
		}
		*g = *got
		return nil
	})
}

// GetGroup returns a non-deleted group by ID.
func (s *SQLite) GetGroup(ctx context.Context, id int64) (*model.Group, error) {
	return scanGroup(s.db.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM groups WHERE id = ? AND deleted_at IS NULL`, id))
}

// ListGroups returns the user's non-deleted groups, oldest first.
func (s *SQLite) ListGroups(ctx context.Context, userID int64) ([]model.Group, error) {
	return s.queryGroups(ctx,
		`SELECT `+groupColumns+` FROM groups
		 WHERE user_id = ? AND deleted_at IS NULL ORDER BY created_at, id`, userID)
}

// ListMonitoredGroups returns every group the scheduler should process.
func (s *SQLite) ListMonitoredGroups(ctx context.Context) ([]model.Group, error) {
	return s.queryGroups(ctx,
		`SELECT `+groupColumns+` FROM groups
		 WHERE deleted_at IS NULL AND is_active = 1 AND suspend_reason = '' ORDER BY id`)
}

// ListGroupsByVKID returns the monitored groups tracking a VK community.
func (s *SQLite) ListGroupsByVKID(ctx context.Context, vkGroupID int64) ([]model.Group, error) {
	return s.queryGroups(ctx,
		`SELECT `+groupColumns+` FROM groups
		 WHERE vk_group_id = ? AND deleted_at IS NULL AND is_active = 1 AND suspend_reason = ''
		 ORDER BY id`, vkGroupID)
}

// UpdateGroup persists the user-editable fields of a group.
func (s *SQLite) UpdateGroup(ctx context.Context, g *model.Group) error {
	return s.execOne(ctx, "update group",
		`UPDATE groups SET name = ?, screen_name = ?, photo_url = ?, description = ?, is_active = ?,
		        check_text = ?, check_images = ?, exclude_reposts = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		g.Name, g.ScreenName, g.PhotoURL, g.Description, boolToInt(g.IsActive),
		boolToInt(g.CheckText), boolToInt(g.CheckImages), boolToInt(g.ExcludeReposts), g.ID)
}

// DeleteGroup soft-deletes a group. Its cases stay in the user's history.
func (s *SQLite) DeleteGroup(ctx context.Context, id int64) error {
	return s.execOne(ctx, "delete group",
		`UPDATE groups SET deleted_at = ?, suspend_reason = '' WHERE id = ? AND deleted_at IS NULL`,
		formatTime(time.Now()), id)
}

// FinishGroupCheck records a completed pass over the group.
func (s *SQLite) FinishGroupCheck(ctx context.Context, groupID int64, checked int, at time.Time) error {
	return s.execOne(ctx, "finish group check",
		`UPDATE groups SET posts_checked = posts_checked + ?, last_check = ? WHERE id = ?`,
		checked, formatTime(at), groupID)
}

// SuspendGroup stops monitoring a group for the given reason.
func (s *SQLite) SuspendGroup(ctx context.Context, groupID int64, reason model.SuspendReason) error {
	return s.execOne(ctx, "suspend group",
		`UPDATE groups SET suspend_reason = ? WHERE id = ? AND deleted_at IS NULL`, string(reason), groupID)
}

// ResumeGroups clears the given suspension reason on the user's groups.
func (s *SQLite) ResumeGroups(ctx context.Context, userID int64, reason model.SuspendReason) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE groups SET suspend_reason = '' WHERE user_id = ? AND suspend_reason = ? AND deleted_at IS NULL`,
		userID, string(reason))
	if err != nil {
		return 0, fmt.Errorf("resume groups: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// EnforceGroupLimit makes the user's monitored groups fit maxGroups. The
// oldest groups keep their slots, the rest are suspended for capacity.
// Groups suspended for capacity are resumed when slots become free.
func (s *SQLite) EnforceGroupLimit(ctx context.Context, userID int64, maxGroups int) (int, int, error) {
	var suspended, resumed int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var revoked int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM groups WHERE user_id = ? AND deleted_at IS NULL AND suspend_reason = ?`,
			userID, string(model.SuspendPermissionRevoked),
		).Scan(&revoked); err != nil {
			return fmt.Errorf("count revoked groups: %w", err)
		}
		slots := maxGroups - revoked

		rows, err := tx.QueryContext(ctx,
			`SELECT id, suspend_reason FROM groups
			 WHERE user_id = ? AND deleted_at IS NULL AND suspend_reason IN ('', 'capacity')
			 ORDER BY created_at, id`, userID)
		if err != nil {
			return fmt.Errorf("query groups: %w", err)
		}
		type slot struct {
			id     int64
			reason string
		}
		var groups []slot
		for rows.Next() {
			var sl slot
			if err := rows.Scan(&sl.id, &sl.reason); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan group: %w", err)
			}
			groups = append(groups, sl)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate groups: %w", err)
		}

		for i, g := range groups {
			want := ""
			if i >= slots {
				want = string(model.SuspendCapacity)
			}
			if g.reason == want {
				continue
			}
			if _, err := tx.ExecContext(ctx, `UPDATE groups SET suspend_reason = ? WHERE id = ?`, want, g.id); err != nil {
				return fmt.Errorf("update group %d: %w", g.id, err)
			}
			if want == "" {
				resumed++
			} else {
				suspended++
			}
		}
		return nil
	})
	return suspended, resumed, err
}

func (s *SQLite) queryGroups(ctx context.Context, query string, args ...any) ([]model.Group, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []model.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

func scanGroup(row scannable) (*model.Group, error) {
	var g model.Group
	var isActive, checkText, checkImages, excludeReposts int
	var reason, created string
	var lastCheck sql.NullString
	err := row.Scan(&g.ID, &g.UserID, &g.VKGroupID, &g.Name, &g.ScreenName, &g.PhotoURL, &g.Description,
		&isActive, &reason, &checkText, &checkImages, &excludeReposts, &g.PostsChecked, &g.PlagiarismFound,
		&lastCheck, &created)
	if err != nil {
		return nil, notFound(err, "group")
	}
	g.IsActive = isActive == 1
	g.SuspendReason = model.SuspendReason(reason)
	g.CheckText = checkText == 1
	g.CheckImages = checkImages == 1
	g.ExcludeReposts = excludeReposts == 1
	g.LastCheck = parseNullTime(lastCheck)
	g.CreatedAt = parseTime(created)
	return &g, nil
}
