package scheduler

import (
	"context"
	"errors"
	"fmt"

	"plagiarism_monitor/internal/apperr"
	"plagiarism_monitor/internal/cases"
	"plagiarism_monitor/internal/filter"
	"plagiarism_monitor/internal/fingerprint"
	"plagiarism_monitor/internal/matcher"
	"plagiarism_monitor/internal/metrics"
	"plagiarism_monitor/internal/model"
	"plagiarism_monitor/internal/storage"
)

func entryOf(sp *model.StoredPost) matcher.Entry {
	return matcher.Entry{
		Key:         sp.Key,
		OwnerID:     sp.OwnerID,
		PublishedAt: sp.PublishedAt,
		Fingerprint: sp.Fingerprint,
	}
}

// fingerprintOf returns the fingerprint of p, reusing a stored one when the
// same content was already extracted. Extraction is bounded by the post
// timeout.
func (s *Scheduler) fingerprintOf(ctx context.Context, p model.Post) (model.Fingerprint, error) {
	hash := fingerprint.ContentHash(p)
	fp, err := s.store.FingerprintByHash(ctx, hash)
	if err == nil {
		fp.ContentHash = hash
		return *fp, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.Fingerprint{}, fmt.Errorf("lookup fingerprint: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PostTimeout)
	defer cancel()
	return s.extractor.Extract(pctx, p)
}

// ingest stores a new post in the corpus and indexes it. It returns nil for
// posts already matched and for posts that are excluded or cannot be
// fingerprinted; those are stored as skipped so they are never retried. A
// stored post whose match never completed is returned again.
func (s *Scheduler) ingest(ctx context.Context, p model.Post, rules filter.Rules) (*model.StoredPost, error) {
	known, err := s.store.GetPost(ctx, p.Key)
	switch {
	case err == nil && (known.Skipped || known.Matched):
		metrics.PostsProcessed.WithLabelValues(string(p.Source), "known").Inc()
		return nil, nil
	case err == nil:
		s.index.Add(entryOf(known))
		metrics.PostsProcessed.WithLabelValues(string(p.Source), "rematched").Inc()
		return known, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("check post: %w", err)
	}

	sp := &model.StoredPost{Post: p, FetchedAt: s.now().UTC()}
	if v := rules.Check(p); v != filter.Accept {
		sp.Skipped, sp.Matched = true, true
		metrics.PostsProcessed.WithLabelValues(string(p.Source), string(v)).Inc()
		return nil, s.save(ctx, sp)
	}

	fp, err := s.fingerprintOf(ctx, p)
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, ctx.Err()
	case apperr.Is(err, apperr.Extraction):
		s.log.Warn("post skipped", "post", p.Key, "error", err)
		sp.Skipped, sp.Matched = true, true
		metrics.PostsProcessed.WithLabelValues(string(p.Source), "extraction_failed").Inc()
		return nil, s.save(ctx, sp)
	case err != nil:
		return nil, err
	}

	sp.Fingerprint = fp
	if fp.Empty() {
		sp.Skipped, sp.Matched = true, true
		metrics.PostsProcessed.WithLabelValues(string(p.Source), "no_content").Inc()
		return nil, s.save(ctx, sp)
	}
	if err := s.save(ctx, sp); err != nil {
		return nil, err
	}
	s.index.Add(entryOf(sp))
	metrics.IndexSize.Set(float64(s.index.Len()))
	metrics.PostsProcessed.WithLabelValues(string(p.Source), "indexed").Inc()
	return sp, nil
}

func (s *Scheduler) save(ctx context.Context, sp *model.StoredPost) error {
	if err := s.store.SavePost(ctx, sp); err != nil {
		return fmt.Errorf("save post: %w", err)
	}
	return nil
}

// match looks up the closest earlier-or-later post from another wall and
// records cases for the groups that own the original. The post is marked
// matched only after every case was recorded.
func (s *Scheduler) match(ctx context.Context, sp *model.StoredPost, ch matcher.Channels) error {
	if err := s.matchOne(ctx, sp, ch); err != nil {
		return err
	}
	if err := s.store.MarkPostMatched(ctx, sp.Key); err != nil {
		return err
	}
	sp.Matched = true
	return nil
}

func (s *Scheduler) matchOne(ctx context.Context, sp *model.StoredPost, ch matcher.Channels) error {
	m, ok := s.index.Best(sp.Fingerprint, matcher.Options{
		ExcludeOwner: sp.OwnerID,
		ExcludeKey:   sp.Key,
		Channels:     ch,
	})
	if !ok || m.Overall < s.cfg.Threshold {
		return nil
	}

	other, err := s.store.GetPost(ctx, m.Entry.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load matched post: %w", err)
	}

	original, plagiarized := order(sp, other)
	_, err = s.attribute(ctx, original, plagiarized, 0)
	return err
}

// order returns the earlier post first. Equal timestamps fall back to key
// order so attribution is stable.
func order(a, b *model.StoredPost) (*model.StoredPost, *model.StoredPost) {
	if b.PublishedAt.Before(a.PublishedAt) || (b.PublishedAt.Equal(a.PublishedAt) && b.Key < a.Key) {
		return b, a
	}
	return a, b
}

// attribute records a case for every monitored group publishing original.
// When onlyUser is non-zero only that user's groups are considered. Each
// group's own channel settings decide whether the pair qualifies. It returns
// the cases that were newly recorded or already existed.
func (s *Scheduler) attribute(ctx context.Context, original, plagiarized *model.StoredPost, onlyUser int64) ([]*model.Case, error) {
	if original.Source != model.SourceVK || original.OwnerID >= 0 {
		return nil, nil
	}
	groups, err := s.store.ListGroupsByVKID(ctx, -original.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	scores := matcher.Compare(original.Fingerprint, plagiarized.Fingerprint)
	var out []*model.Case
	for _, g := range groups {
		if onlyUser != 0 && g.UserID != onlyUser {
			continue
		}
		overall := matcher.Combine(scores, matcher.ChannelsFor(g), matcher.DefaultWeights)
		if overall < s.cfg.Threshold {
			continue
		}
		m := &matcher.Match{Scores: scores, Overall: overall, Risk: matcher.Classify(overall)}
		c := cases.Build(g, original.Post, plagiarized.Post, m)
		if _, err := s.recorder.Record(ctx, c); err != nil {
			return out, fmt.Errorf("record case for group %d: %w", g.ID, err)
		}
		out = append(out, c)
	}
	return out, nil
}
