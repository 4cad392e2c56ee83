package scheduler

import (
	"context"
	"errors"
	"fmt"

	"plagiarism_monitor/internal/apperr"
	"plagiarism_monitor/internal/matcher"
	"plagiarism_monitor/internal/model"
	"plagiarism_monitor/internal/storage"
	"plagiarism_monitor/internal/vk"
)

// CheckResult is the outcome of an on-demand post check.
type CheckResult struct {
	PostURL            string     `json:"post_url"`
	IsPlagiarism       bool       `json:"is_plagiarism"`
	TextSimilarity     float64    `json:"text_similarity"`
	ImageSimilarity    float64    `json:"image_similarity"`
	OverallSimilarity  float64    `json:"overall_similarity"`
	Risk               model.Risk `json:"risk"`
	OriginalPostURL    string     `json:"original_post_url,omitempty"`
	PlagiarizedPostURL string     `json:"plagiarized_post_url,omitempty"`
	CaseID             int64      `json:"case_id,omitempty"`
}

// CheckPost matches a single post given by URL against the corpus. It does
// not take any group lock and does not add the post to the corpus. A case is
// recorded only when the original belongs to one of the user's monitored
// groups.
func (s *Scheduler) CheckPost(ctx context.Context, userID int64, postURL string) (*CheckResult, error) {
	owner, id, err := vk.ParsePostURL(postURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "invalid post URL, expected a link like https://vk.com/wall-1_2", err)
	}

	sp, err := s.store.GetPost(ctx, model.PostKey(owner, id))
	switch {
	case err == nil && !sp.Skipped:
	case err == nil || errors.Is(err, storage.ErrNotFound):
		p, err := s.source.Post(ctx, owner, id)
		if err != nil {
			return nil, err
		}
		fp, err := s.fingerprintOf(ctx, p)
		if err != nil {
			return nil, err
		}
		if fp.Empty() {
			return nil, apperr.New(apperr.Extraction, "the post has no text or images to compare")
		}
		sp = &model.StoredPost{Post: p, Fingerprint: fp}
	default:
		return nil, fmt.Errorf("load post: %w", err)
	}

	res := &CheckResult{PostURL: sp.URL, Risk: model.RiskLow}
	m, ok := s.index.Best(sp.Fingerprint, matcher.Options{
		ExcludeOwner: sp.OwnerID,
		ExcludeKey:   sp.Key,
		Channels:     matcher.AllChannels,
	})
	if !ok {
		return res, nil
	}
	res.OverallSimilarity = m.Overall
	res.Risk = m.Risk
	if m.Scores.HasText {
		res.TextSimilarity = m.Scores.Text
	}
	if m.Scores.HasImage {
		res.ImageSimilarity = m.Scores.Image
	}
	if m.Overall < s.cfg.Threshold {
		return res, nil
	}
	res.IsPlagiarism = true

	other, err := s.store.GetPost(ctx, m.Entry.Key)
	if err != nil {
		return nil, fmt.Errorf("load matched post: %w", err)
	}
	original, plagiarized := order(sp, other)
	res.OriginalPostURL = original.URL
	res.PlagiarizedPostURL = plagiarized.URL

	recorded, err := s.attribute(ctx, original, plagiarized, userID)
	if err != nil {
		return nil, err
	}
	if len(recorded) > 0 {
		res.CaseID = recorded[0].ID
	}
	return res, nil
}
