package fetcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"plagiarism_monitor/internal/apperr"
	"plagiarism_monitor/internal/model"
)

const maxFeedBytes = 5 * 1024 * 1024

// Feed downloads and parses an RSS or Atom feed.
func (f *Fetcher) Feed(ctx context.Context, url string) (*gofeed.Feed, error) {
	var body []byte
	err := f.withRetry(ctx, "feed", func(ctx context.Context) error {
		var err error
		body, err = f.get(ctx, url, maxFeedBytes)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// ReferenceFeed returns the items of a reference feed as posts.
func (f *Fetcher) ReferenceFeed(ctx context.Context, url string) ([]model.Post, error) {
	feed, err := f.Feed(ctx, url)
	if err != nil {
		return nil, apperr.Wrap(apperr.Fetch, "could not load reference feed", err)
	}
	posts := make([]model.Post, 0, len(feed.Items))
	for _, item := range feed.Items {
		posts = append(posts, FeedPost(item, time.Now().UTC()))
	}
	return posts, nil
}

// ItemGUID returns the GUID for an RSS item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func ItemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

// FeedPost converts a feed item into a post. Items without a date are
// stamped with fetchedAt.
func FeedPost(item *gofeed.Item, fetchedAt time.Time) model.Post {
	published := fetchedAt
	switch {
	case item.PublishedParsed != nil:
		published = item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		published = item.UpdatedParsed.UTC()
	}

	body := item.Content
	if body == "" {
		body = item.Description
	}
	text, images := parseHTML(body)
	if item.Title != "" {
		text = strings.TrimSpace(item.Title + "\n" + text)
	}

	if item.Image != nil && item.Image.URL != "" {
		images = append([]string{item.Image.URL}, images...)
	}
	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" && strings.HasPrefix(enc.Type, "image/") {
			images = append(images, enc.URL)
		}
	}

	return model.Post{
		Key:         "rss:" + ItemGUID(item),
		Source:      model.SourceRSS,
		URL:         item.Link,
		Text:        text,
		ImageURLs:   dedupe(images),
		PublishedAt: published,
	}
}

// parseHTML returns the visible text of an HTML fragment and the sources of
// its images. Plain text passes through unchanged.
func parseHTML(fragment string) (string, []string) {
	if !strings.Contains(fragment, "<") {
		return strings.TrimSpace(fragment), nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment), nil
	}
	var images []string
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok && src != "" {
			images = append(images, src)
		}
	})
	return strings.Join(strings.Fields(doc.Text()), " "), images
}

func dedupe(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(urls))
	out := urls[:0]
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
