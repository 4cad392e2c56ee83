// Package filter decides which fetched posts take part in matching.
package filter

import (
	"strings"
	"unicode/utf8"

	"plagiarism_monitor/internal/model"
)

// Verdict is the outcome of checking a post against Rules.
type Verdict string

// Possible verdicts.
const (
	Accept     Verdict = "accept"
	SkipRepost Verdict = "repost"
	SkipAd     Verdict = "ad"
	SkipEmpty  Verdict = "empty"
)

// repostMarkers are phrases VK users put into reposts made by hand.
var repostMarkers = []string{"репост", "repost", "поделился", "поделилась", "поделились"}

// Rules is the set of exclusion rules applied to a source's posts.
type Rules struct {
	ExcludeReposts bool
	ExcludeAds     bool
	// MinTextRunes is the shortest text counted as content when a post has
	// no images.
	MinTextRunes int
}

// ForGroup returns the rules configured for a monitored group.
func ForGroup(g model.Group) Rules {
	return Rules{ExcludeReposts: g.ExcludeReposts, ExcludeAds: true, MinTextRunes: 20}
}

// ForReference returns the rules for reference sources. Reposts there are
// never candidates since they carry somebody else's content by definition.
func ForReference() Rules {
	return Rules{ExcludeReposts: true, ExcludeAds: true, MinTextRunes: 20}
}

// Check applies the rules to a post. Exclusions are evaluated in a fixed
// order: reposts, then ads, then empty content.
func (r Rules) Check(p model.Post) Verdict {
	if r.ExcludeReposts && IsRepost(p) {
		return SkipRepost
	}
	if r.ExcludeAds && p.IsAd {
		return SkipAd
	}
	if len(p.ImageURLs) == 0 && utf8.RuneCountInString(strings.TrimSpace(p.Text)) < r.MinTextRunes {
		return SkipEmpty
	}
	return Accept
}

// IsRepost reports whether a post republishes other content, either through
// the platform's share feature or by a marker phrase in its text.
func IsRepost(p model.Post) bool {
	if p.IsRepost {
		return true
	}
	text := strings.ToLower(p.Text)
	for _, m := range repostMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}
