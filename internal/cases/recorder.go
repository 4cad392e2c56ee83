// Package cases records plagiarism cases and triggers their notifications.
package cases

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"plagiarism_monitor/internal/cache"
	"plagiarism_monitor/internal/matcher"
	"plagiarism_monitor/internal/metrics"
	"plagiarism_monitor/internal/model"
)

// Store persists cases.
type Store interface {
	RecordCase(ctx context.Context, c *model.Case) (created bool, err error)
}

// Notifier alerts the owner of a new case.
type Notifier interface {
	NotifyCase(ctx context.Context, c *model.Case) (bool, error)
}

// Recorder stores cases exactly once and notifies their owners.
type Recorder struct {
	store    Store
	notifier Notifier
	cache    cache.JSONCache
	log      *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store Store, notifier Notifier, c cache.JSONCache, log *slog.Logger) *Recorder {
	if c == nil {
		c = cache.Noop{}
	}
	return &Recorder{store: store, notifier: notifier, cache: c, log: log}
}

// StatsKey is the cache key of a user's statistics.
func StatsKey(userID int64) string {
	return fmt.Sprintf("stats:%d", userID)
}

// Build assembles a case for group g, where original is the group's post
// and plagiarized is the later post matching it.
func Build(g model.Group, original, plagiarized model.Post, m *matcher.Match) *model.Case {
	c := &model.Case{
		GroupID:            g.ID,
		UserID:             g.UserID,
		GroupName:          g.Name,
		OriginalKey:        original.Key,
		OriginalOwnerID:    original.OwnerID,
		OriginalPostID:     original.PostID,
		OriginalURL:        original.URL,
		OriginalText:       original.Text,
		OriginalImages:     original.ImageURLs,
		PlagiarizedKey:     plagiarized.Key,
		PlagiarizedOwnerID: plagiarized.OwnerID,
		PlagiarizedPostID:  plagiarized.PostID,
		PlagiarizedURL:     plagiarized.URL,
		PlagiarizedText:    plagiarized.Text,
		PlagiarizedImages:  plagiarized.ImageURLs,
		OverallSimilarity:  m.Overall,
		Risk:               m.Risk,
	}
	if m.Scores.HasText {
		c.TextSimilarity = round4(m.Scores.Text)
	}
	if m.Scores.HasImage {
		c.ImageSimilarity = round4(m.Scores.Image)
	}
	return c
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// Record stores c and, when it is new, notifies its owner. It reports
// whether the case was new. A failed notification does not undo the case.
func (r *Recorder) Record(ctx context.Context, c *model.Case) (bool, error) {
	created, err := r.store.RecordCase(ctx, c)
	if err != nil {
		return false, fmt.Errorf("record case: %w", err)
	}
	if !created {
		return false, nil
	}
	metrics.CasesRecorded.WithLabelValues(string(c.Risk)).Inc()
	r.log.Info("plagiarism case recorded",
		"case_id", c.ID, "group_id", c.GroupID, "original", c.OriginalKey,
		"copy", c.PlagiarizedKey, "overall", c.OverallSimilarity, "risk", c.Risk)

	if err := r.cache.Delete(ctx, StatsKey(c.UserID)); err != nil {
		r.log.Warn("invalidate statistics", "user_id", c.UserID, "error", err)
	}
	if r.notifier != nil {
		if _, err := r.notifier.NotifyCase(ctx, c); err != nil {
			r.log.Error("notify case", "case_id", c.ID, "user_id", c.UserID, "error", err)
		}
	}
	return true, nil
}
