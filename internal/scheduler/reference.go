package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"plagiarism_monitor/internal/fetcher"
	"plagiarism_monitor/internal/filter"
	"plagiarism_monitor/internal/matcher"
	"plagiarism_monitor/internal/model"
)

// refreshReferences ingests new posts from reference communities and feeds.
// Only one refresh runs at a time; a concurrent pass skips it.
func (s *Scheduler) refreshReferences(ctx context.Context) {
	if len(s.cfg.ReferenceGroups) == 0 && len(s.cfg.ReferenceFeeds) == 0 {
		return
	}
	if !s.refMu.TryLock() {
		return
	}
	defer s.refMu.Unlock()

	for _, owner := range s.cfg.ReferenceGroups {
		source := fmt.Sprintf("vk:%d", owner)
		err := s.refreshSource(ctx, source, func(since time.Time) ([]model.Post, error) {
			var posts []model.Post
			for p, err := range s.source.NewPosts(ctx, owner, since) {
				if err != nil {
					return posts, err
				}
				posts = append(posts, p)
			}
			return posts, nil
		})
		if err != nil {
			s.log.Error("refresh reference group", "owner_id", owner, "error", err)
		}
	}

	for _, url := range s.cfg.ReferenceFeeds {
		err := s.refreshSource(ctx, "rss:"+url, func(since time.Time) ([]model.Post, error) {
			items, err := s.source.ReferenceFeed(ctx, url)
			if err != nil {
				return nil, err
			}
			var posts []model.Post
			for _, p := range items {
				if p.PublishedAt.After(since) {
					posts = append(posts, p)
				}
			}
			return posts, nil
		})
		if err != nil {
			s.log.Error("refresh reference feed", "url", url, "error", err)
		}
	}
}

// refreshSource ingests and matches the posts load returns for source and
// then moves its checkpoint. A load cut short by the page limit still has its
// posts processed, but the checkpoint stays.
func (s *Scheduler) refreshSource(ctx context.Context, source string, load func(since time.Time) ([]model.Post, error)) error {
	start := s.now()
	since := start.Add(-s.cfg.InitialLookback)
	checkpoint, err := s.store.SourceCheckpoint(ctx, source)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if checkpoint != nil {
		since = *checkpoint
	}

	posts, loadErr := load(since)
	truncated := errors.Is(loadErr, fetcher.ErrPageLimit)
	if loadErr != nil && !truncated {
		return loadErr
	}

	indexed := 0
	rules := filter.ForReference()
	for i := len(posts) - 1; i >= 0; i-- {
		sp, err := s.ingest(ctx, posts[i], rules)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", posts[i].Key, err)
		}
		if sp == nil {
			continue
		}
		indexed++
		if err := s.match(ctx, sp, matcher.AllChannels); err != nil {
			return fmt.Errorf("match %s: %w", sp.Key, err)
		}
	}

	if truncated {
		return loadErr
	}
	if err := s.store.SetSourceCheckpoint(ctx, source, start); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	s.log.Info("reference source refreshed", "source", source, "posts", len(posts), "indexed", indexed)
	return nil
}
