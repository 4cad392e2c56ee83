// Package fetcher downloads wall posts, images and reference feeds, with
// retries on transient failures.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"plagiarism_monitor/internal/apperr"
	"plagiarism_monitor/internal/model"
	"plagiarism_monitor/internal/vk"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Wall reads community walls.
type Wall interface {
	WallGet(ctx context.Context, ownerID int64, offset, count int) (*vk.WallPage, error)
	WallGetByID(ctx context.Context, ownerID, postID int64) (*vk.WallPost, error)
}

// Options tune a Fetcher. Zero fields take defaults.
type Options struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	PageSize      int
	MaxPages      int
	MaxImageBytes int64
}

// Fetcher retrieves content from VK and reference feeds.
type Fetcher struct {
	wall          Wall
	client        HTTPClient
	maxAttempts   int
	baseDelay     time.Duration
	pageSize      int
	maxPages      int
	maxImageBytes int64
	log           *slog.Logger
}

// New creates a Fetcher.
func New(wall Wall, client HTTPClient, opts Options, log *slog.Logger) *Fetcher {
	f := &Fetcher{
		wall:          wall,
		client:        client,
		maxAttempts:   opts.MaxAttempts,
		baseDelay:     opts.BaseDelay,
		pageSize:      opts.PageSize,
		maxPages:      opts.MaxPages,
		maxImageBytes: opts.MaxImageBytes,
		log:           log,
	}
	if f.maxAttempts <= 0 {
		f.maxAttempts = 3
	}
	if f.baseDelay <= 0 {
		f.baseDelay = time.Second
	}
	if f.pageSize <= 0 {
		f.pageSize = 100
	}
	if f.maxPages <= 0 {
		f.maxPages = 10
	}
	if f.maxImageBytes <= 0 {
		f.maxImageBytes = 10 * 1024 * 1024
	}
	return f
}

// withRetry runs fn with exponential backoff while its error is transient.
func (f *Fetcher) withRetry(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(uint64(f.maxAttempts-1), retry.NewExponential(f.baseDelay))
	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !permanent(err) && vk.Retryable(err) && attempt < f.maxAttempts {
			f.log.Warn("retrying request", "what", what, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

// classify turns a failed platform call into an application error.
func classify(err error, what string) error {
	var apiErr *vk.APIError
	if errors.As(err, &apiErr) && apiErr.AccessDenied() {
		return apperr.Wrap(apperr.Auth, "access to the community was revoked", fmt.Errorf("%s: %w", what, err))
	}
	if errors.As(err, &apiErr) && apiErr.InvalidParams() {
		return apperr.Wrap(apperr.NotFound, "post or community not found", fmt.Errorf("%s: %w", what, err))
	}
	return apperr.Wrap(apperr.Fetch, "could not load data from VK", fmt.Errorf("%s: %w", what, err))
}

// ErrPageLimit is yielded by NewPosts when the page cap is reached before
// since, so older posts in the window were not fetched.
var ErrPageLimit = errors.New("wall page limit reached")

// NewPosts yields the posts of a wall published after since, newest first.
// Pinned posts older than since are skipped without ending the sequence.
// The first error is yielded and ends the sequence. Reaching the page cap
// while posts newer than since may remain yields ErrPageLimit.
func (f *Fetcher) NewPosts(ctx context.Context, ownerID int64, since time.Time) iter.Seq2[model.Post, error] {
	return func(yield func(model.Post, error) bool) {
		for page := 0; page < f.maxPages; page++ {
			offset := page * f.pageSize
			var wp *vk.WallPage
			err := f.withRetry(ctx, "wall.get", func(ctx context.Context) error {
				var err error
				wp, err = f.wall.WallGet(ctx, ownerID, offset, f.pageSize)
				return err
			})
			if err != nil {
				yield(model.Post{}, classify(err, fmt.Sprintf("wall %d offset %d", ownerID, offset)))
				return
			}

			for _, item := range wp.Items {
				p := item.ToPost()
				if !p.PublishedAt.After(since) {
					if p.IsPinned {
						continue
					}
					return
				}
				if !yield(p, nil) {
					return
				}
			}
			if len(wp.Items) < f.pageSize || offset+len(wp.Items) >= wp.Count {
				return
			}
		}
		f.log.Warn("wall page limit reached", "owner_id", ownerID, "pages", f.maxPages)
		yield(model.Post{}, apperr.Wrap(apperr.Fetch, "too many new posts to fetch in one run",
			fmt.Errorf("wall %d: %w after %d pages", ownerID, ErrPageLimit, f.maxPages)))
	}
}

// Post returns a single wall post.
func (f *Fetcher) Post(ctx context.Context, ownerID, postID int64) (model.Post, error) {
	var wp *vk.WallPost
	err := f.withRetry(ctx, "wall.getById", func(ctx context.Context) error {
		var err error
		wp, err = f.wall.WallGetByID(ctx, ownerID, postID)
		return err
	})
	if err != nil {
		return model.Post{}, classify(err, fmt.Sprintf("post %d_%d", ownerID, postID))
	}
	return wp.ToPost(), nil
}

// Image downloads an image, refusing bodies larger than the size cap. Images
// that can never be downloaded fail with an Extraction error; transient
// failures, including exhausted retries and deadlines, fail with a Fetch
// error.
func (f *Fetcher) Image(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := f.withRetry(ctx, "image", func(ctx context.Context) error {
		var err error
		data, err = f.get(ctx, url, f.maxImageBytes)
		return err
	})
	if err != nil {
		err = fmt.Errorf("download image: %w", err)
		if permanent(err) {
			return nil, apperr.Wrap(apperr.Extraction, "post image is unavailable", err)
		}
		return nil, apperr.Wrap(apperr.Fetch, "could not download post image", err)
	}
	return data, nil
}

// Errors returned for responses that retrying cannot fix.
var (
	ErrTooLarge   = errors.New("response too large")
	errInvalidURL = errors.New("invalid url")
)

// permanent reports whether err will recur on every attempt: oversized or
// malformed resources and client errors other than timeouts and throttling.
func permanent(err error) bool {
	if errors.Is(err, ErrTooLarge) || errors.Is(err, errInvalidURL) {
		return true
	}
	var statusErr *vk.StatusError
	if errors.As(err, &statusErr) {
		code := statusErr.Code
		return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
	}
	return false
}

func (f *Fetcher) get(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidURL, err)
	}
	req.Header.Set("User-Agent", "PlagiarismMonitor/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &vk.StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, ErrTooLarge
	}
	return body, nil
}
