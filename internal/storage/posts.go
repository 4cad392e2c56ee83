package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"plagiarism_monitor/internal/model"
)

const postColumns = `key, source, owner_id, post_id, url, text, image_urls, is_repost, published_at,
	skipped, content_hash, text_sig, image_hashes, fetched_at, matched`

// SavePost stores a fetched post with its fingerprint. Posts are immutable
// apart from the matched flag: saving a key that already exists is a no-op.
func (s *SQLite) SavePost(ctx context.Context, p *model.StoredPost) error {
	fetched := p.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO posts (`+postColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Key, string(p.Source), p.OwnerID, p.PostID, p.URL, p.Text, encodeStrings(p.ImageURLs),
		boolToInt(p.IsRepost), formatTime(p.PublishedAt), boolToInt(p.Skipped), p.Fingerprint.ContentHash,
		encodeHashes(p.Fingerprint.Text), encodeHashes(p.Fingerprint.Images), formatTime(fetched),
		boolToInt(p.Matched),
	)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

// GetPost returns a stored post by key.
func (s *SQLite) GetPost(ctx context.Context, key string) (*model.StoredPost, error) {
	return scanPost(s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE key = ?`, key))
}

// PostExists reports whether a post has already been ingested.
func (s *SQLite) PostExists(ctx context.Context, key string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts WHERE key = ?`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("check post: %w", err)
	}
	return n > 0, nil
}

// MarkPostMatched records that a post has been compared against the corpus.
func (s *SQLite) MarkPostMatched(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE posts SET matched = 1 WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("mark post matched: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("post: %w", ErrNotFound)
	}
	return nil
}

// FingerprintByHash returns a previously extracted fingerprint for the same
// content, so unchanged content is not extracted twice.
func (s *SQLite) FingerprintByHash(ctx context.Context, hash string) (*model.Fingerprint, error) {
	var textSig, images []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT text_sig, image_hashes FROM posts WHERE content_hash = ? AND skipped = 0 LIMIT 1`, hash,
	).Scan(&textSig, &images)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("fingerprint: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("scan fingerprint: %w", err)
	}
	return &model.Fingerprint{ContentHash: hash, Text: decodeHashes(textSig), Images: decodeHashes(images)}, nil
}

// ListPostsSince returns fingerprinted posts published at or after since,
// oldest first.
func (s *SQLite) ListPostsSince(ctx context.Context, since time.Time) ([]model.StoredPost, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE published_at >= ? AND skipped = 0 ORDER BY published_at, key`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var posts []model.StoredPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}

// PrunePosts deletes posts published before the retention cutoff.
func (s *SQLite) PrunePosts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE published_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune posts: %w", err)
	}
	return res.RowsAffected()
}

func scanPost(row scannable) (*model.StoredPost, error) {
	var p model.StoredPost
	var source, images, published, fetched string
	var isRepost, skipped, matched int
	var textSig, imageHashes []byte
	err := row.Scan(&p.Key, &source, &p.OwnerID, &p.PostID, &p.URL, &p.Text, &images, &isRepost, &published,
		&skipped, &p.Fingerprint.ContentHash, &textSig, &imageHashes, &fetched, &matched)
	if err != nil {
		return nil, notFound(err, "post")
	}
	p.Source = model.Source(source)
	p.ImageURLs = decodeStrings(images)
	p.IsRepost = isRepost == 1
	p.PublishedAt = parseTime(published)
	p.Skipped = skipped == 1
	p.Fingerprint.Text = decodeHashes(textSig)
	p.Fingerprint.Images = decodeHashes(imageHashes)
	p.FetchedAt = parseTime(fetched)
	p.Matched = matched == 1
	return &p, nil
}
