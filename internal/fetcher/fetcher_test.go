package fetcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"plagiarism_monitor/internal/apperr"
	"plagiarism_monitor/internal/model"
	"plagiarism_monitor/internal/vk"
)

type mockTransport struct {
	body       string
	statusCode int
	err        error
	calls      int
}

func (m *mockTransport) Do(_ *http.Request) (*http.Response, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	code := m.statusCode
	if code == 0 {
		code = http.StatusOK
	}
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

type fakeWall struct {
	posts  []vk.WallPost
	errs   []error
	calls  int
	byID   map[int64]vk.WallPost
	offset []int
}

func (w *fakeWall) WallGet(_ context.Context, _ int64, offset, count int) (*vk.WallPage, error) {
	w.calls++
	w.offset = append(w.offset, offset)
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	end := min(offset+count, len(w.posts))
	if offset > end {
		offset = end
	}
	return &vk.WallPage{Count: len(w.posts), Items: w.posts[offset:end]}, nil
}

func (w *fakeWall) WallGetByID(_ context.Context, _, postID int64) (*vk.WallPost, error) {
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		return nil, err
	}
	p, ok := w.byID[postID]
	if !ok {
		return nil, &vk.APIError{Code: 100, Msg: "post not found"}
	}
	return &p, nil
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func wallPost(id int64, age time.Duration, pinned bool) vk.WallPost {
	p := vk.WallPost{ID: id, OwnerID: -1, Date: base.Add(-age).Unix(), Text: "post"}
	if pinned {
		p.IsPinned = 1
	}
	return p
}

func newTestFetcher(w Wall, client HTTPClient, pageSize int) *Fetcher {
	return New(w, client, Options{MaxAttempts: 3, BaseDelay: time.Millisecond, PageSize: pageSize},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func collect(t *testing.T, f *Fetcher, since time.Time) ([]int64, error) {
	t.Helper()
	var ids []int64
	for p, err := range f.NewPosts(context.Background(), -1, since) {
		if err != nil {
			return ids, err
		}
		ids = append(ids, p.PostID)
	}
	return ids, nil
}

func TestNewPosts(t *testing.T) {
	since := base.Add(-3 * time.Hour)
	tests := []struct {
		name      string
		posts     []vk.WallPost
		pageSize  int
		want      []int64
		wantCalls int
	}{
		{
			name:      "stops at since",
			posts:     []vk.WallPost{wallPost(5, time.Hour, false), wallPost(4, 2*time.Hour, false), wallPost(3, 4*time.Hour, false)},
			pageSize:  10,
			want:      []int64{5, 4},
			wantCalls: 1,
		},
		{
			name:      "old pinned post skipped",
			posts:     []vk.WallPost{wallPost(1, 48*time.Hour, true), wallPost(6, time.Hour, false), wallPost(2, 5*time.Hour, false)},
			pageSize:  10,
			want:      []int64{6},
			wantCalls: 1,
		},
		{
			name: "pages until since",
			posts: []vk.WallPost{
				wallPost(9, time.Minute, false), wallPost(8, 2*time.Minute, false),
				wallPost(7, 3*time.Minute, false), wallPost(6, 4*time.Minute, false),
				wallPost(5, 5*time.Hour, false),
			},
			pageSize:  2,
			want:      []int64{9, 8, 7, 6},
			wantCalls: 3,
		},
		{
			name:      "exhausted wall",
			posts:     []vk.WallPost{wallPost(2, time.Minute, false), wallPost(1, 2*time.Minute, false)},
			pageSize:  2,
			want:      []int64{2, 1},
			wantCalls: 1,
		},
		{
			name:      "empty wall",
			pageSize:  10,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWall{posts: tt.posts}
			got, err := collect(t, newTestFetcher(w, nil, tt.pageSize), since)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("posts mismatch (-want +got):\n%s", diff)
			}
			if w.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", w.calls, tt.wantCalls)
			}
		})
	}
}

func TestNewPostsRetry(t *testing.T) {
	since := base.Add(-3 * time.Hour)
	tests := []struct {
		name      string
		errs      []error
		wantKind  apperr.Kind
		wantIDs   []int64
		wantCalls int
	}{
		{
			name:      "rate limit then success",
			errs:      []error{&vk.APIError{Code: 6}, nil},
			wantIDs:   []int64{1},
			wantCalls: 2,
		},
		{
			name:      "persistent rate limit",
			errs:      []error{&vk.APIError{Code: 6}, &vk.APIError{Code: 6}, &vk.APIError{Code: 6}},
			wantKind:  apperr.Fetch,
			wantCalls: 3,
		},
		{
			name:      "access denied not retried",
			errs:      []error{&vk.APIError{Code: 15}},
			wantKind:  apperr.Auth,
			wantCalls: 1,
		},
		{
			name:      "network error retried",
			errs:      []error{io.ErrUnexpectedEOF, io.ErrUnexpectedEOF, nil},
			wantIDs:   []int64{1},
			wantCalls: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWall{posts: []vk.WallPost{wallPost(1, time.Hour, false)}, errs: tt.errs}
			got, err := collect(t, newTestFetcher(w, nil, 10), since)
			if tt.wantKind != "" {
				if !apperr.Is(err, tt.wantKind) {
					t.Fatalf("got %v, want %s error", err, tt.wantKind)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.wantIDs, got); diff != "" {
				t.Errorf("posts mismatch (-want +got):\n%s", diff)
			}
			if w.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", w.calls, tt.wantCalls)
			}
		})
	}
}

func TestNewPostsStopEarly(t *testing.T) {
	w := &fakeWall{posts: []vk.WallPost{wallPost(3, time.Minute, false), wallPost(2, 2*time.Minute, false)}}
	f := newTestFetcher(w, nil, 10)
	for range f.NewPosts(context.Background(), -1, base.Add(-time.Hour)) {
		break
	}
	if w.calls != 1 {
		t.Errorf("calls = %d, want 1", w.calls)
	}
}

func TestNewPostsPageLimit(t *testing.T) {
	var posts []vk.WallPost
	for i := range 6 {
		posts = append(posts, wallPost(int64(10-i), time.Duration(i+1)*time.Minute, false))
	}
	w := &fakeWall{posts: posts}
	f := New(w, nil, Options{MaxAttempts: 1, PageSize: 2, MaxPages: 2}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var got []int64
	var err error
	for p, perr := range f.NewPosts(context.Background(), -1, base.Add(-time.Hour)) {
		if perr != nil {
			err = perr
			break
		}
		got = append(got, p.PostID)
	}
	if !errors.Is(err, ErrPageLimit) || !apperr.Is(err, apperr.Fetch) {
		t.Fatalf("got %v, want page limit fetch error", err)
	}
	if diff := cmp.Diff([]int64{10, 9, 8, 7}, got); diff != "" {
		t.Errorf("posts before the limit mismatch (-want +got):\n%s", diff)
	}

	// A window that ends on the last allowed page is complete.
	w = &fakeWall{posts: posts}
	f = New(w, nil, Options{MaxAttempts: 1, PageSize: 2, MaxPages: 2}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ids, err := collect(t, f, base.Add(-3*time.Minute-time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]int64{10, 9, 8}, ids); diff != "" {
		t.Errorf("posts mismatch (-want +got):\n%s", diff)
	}
}

func TestPost(t *testing.T) {
	w := &fakeWall{byID: map[int64]vk.WallPost{7: wallPost(7, time.Hour, false)}}
	f := newTestFetcher(w, nil, 10)

	p, err := f.Post(context.Background(), -1, 7)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if diff := cmp.Diff("vk:-1_7", p.Key); diff != "" {
		t.Errorf("key mismatch (-want +got):\n%s", diff)
	}

	if _, err := f.Post(context.Background(), -1, 8); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("got %v, want not found", err)
	}
}

func TestImage(t *testing.T) {
	tests := []struct {
		name      string
		transport *mockTransport
		limit     int64
		wantErr   error
		wantKind  apperr.Kind
		wantCalls int
	}{
		{name: "ok", transport: &mockTransport{body: "png-bytes"}, limit: 100, wantCalls: 1},
		{name: "too large", transport: &mockTransport{body: "0123456789"}, limit: 5, wantErr: ErrTooLarge, wantKind: apperr.Extraction, wantCalls: 1},
		{name: "not found", transport: &mockTransport{statusCode: 404}, limit: 100, wantKind: apperr.Extraction, wantCalls: 1},
		{name: "request timeout", transport: &mockTransport{statusCode: 408}, limit: 100, wantKind: apperr.Fetch, wantCalls: 1},
		{name: "server error retried", transport: &mockTransport{statusCode: 503}, limit: 100, wantKind: apperr.Fetch, wantCalls: 3},
		{name: "network error retried", transport: &mockTransport{err: io.ErrUnexpectedEOF}, limit: 100, wantKind: apperr.Fetch, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(nil, tt.transport, Options{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxImageBytes: tt.limit},
				slog.New(slog.NewTextHandler(io.Discard, nil)))
			data, err := f.Image(context.Background(), "https://img/a.png")
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if string(data) != tt.transport.body {
					t.Errorf("data = %q", data)
				}
			} else if !apperr.Is(err, tt.wantKind) {
				t.Fatalf("got %v, want %s error", err, tt.wantKind)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
			if tt.transport.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", tt.transport.calls, tt.wantCalls)
			}
		})
	}
}

func TestImageDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	f := newTestFetcher(nil, &mockTransport{err: context.DeadlineExceeded}, 10)
	_, err := f.Image(ctx, "https://img/a.png")
	if !apperr.Is(err, apperr.Fetch) {
		t.Errorf("got %v, want fetch error", err)
	}
}

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Городские новости</title>
  <item>
    <title>Открытие парка</title>
    <link>https://news.example/park</link>
    <guid>park-1</guid>
    <pubDate>Fri, 01 Mar 2024 10:00:00 +0000</pubDate>
    <description><![CDATA[<p>В субботу <b>открылся</b> новый парк.</p><img src="https://news.example/park.jpg">]]></description>
    <enclosure url="https://news.example/park-big.jpg" type="image/jpeg" length="1"/>
  </item>
  <item>
    <title>Без даты</title>
    <link>https://news.example/nodate</link>
    <description>Простой текст</description>
  </item>
</channel>
</rss>`

func TestReferenceFeed(t *testing.T) {
	f := newTestFetcher(nil, &mockTransport{body: sampleFeed}, 10)
	posts, err := f.ReferenceFeed(context.Background(), "https://news.example/rss")
	if err != nil {
		t.Fatalf("reference feed: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("got %d posts, want 2", len(posts))
	}

	want := model.Post{
		Key:         "rss:park-1",
		Source:      model.SourceRSS,
		URL:         "https://news.example/park",
		Text:        "Открытие парка\nВ субботу открылся новый парк.",
		ImageURLs:   []string{"https://news.example/park.jpg", "https://news.example/park-big.jpg"},
		PublishedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if diff := cmp.Diff(want, posts[0], cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("post mismatch (-want +got):\n%s", diff)
	}

	if posts[1].Key[:11] != "rss:sha256:" {
		t.Errorf("item without guid key = %q", posts[1].Key)
	}
	if posts[1].Text != "Без даты\nПростой текст" || posts[1].PublishedAt.IsZero() {
		t.Errorf("second post = %+v", posts[1])
	}
}

func TestReferenceFeedErrors(t *testing.T) {
	tests := []struct {
		name      string
		transport *mockTransport
	}{
		{name: "http error status", transport: &mockTransport{body: "not found", statusCode: 404}},
		{name: "invalid xml", transport: &mockTransport{body: "not xml at all"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestFetcher(nil, tt.transport, 10).ReferenceFeed(context.Background(), "https://x/rss")
			if !apperr.Is(err, apperr.Fetch) {
				t.Errorf("got %v, want fetch error", err)
			}
		})
	}
}
