package vk

import (
	"errors"
	"regexp"
	"strconv"
	"time"

	"plagiarism_monitor/internal/model"
)

// WallPost is a post as returned by wall.get and wall.getById.
type WallPost struct {
	ID          int64        `json:"id"`
	OwnerID     int64        `json:"owner_id"`
	FromID      int64        `json:"from_id"`
	Date        int64        `json:"date"`
	Text        string       `json:"text"`
	IsPinned    int          `json:"is_pinned"`
	MarkedAsAds int          `json:"marked_as_ads"`
	CopyHistory []WallPost   `json:"copy_history"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment is a wall post attachment. Only photos carry content the
// monitor compares.
type Attachment struct {
	Type  string `json:"type"`
	Photo *Photo `json:"photo,omitempty"`
}

// Photo is a photo attachment with its available sizes.
type Photo struct {
	Sizes []PhotoSize `json:"sizes"`
}

// PhotoSize is one rendition of a photo.
type PhotoSize struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// LargestURL returns the URL of the widest rendition.
func (p *Photo) LargestURL() string {
	best := -1
	url := ""
	for _, s := range p.Sizes {
		if s.URL != "" && s.Width > best {
			best = s.Width
			url = s.URL
		}
	}
	return url
}

// SharesPost reports whether the post republishes another wall post.
func (p WallPost) SharesPost() bool {
	if len(p.CopyHistory) > 0 {
		return true
	}
	for _, a := range p.Attachments {
		if a.Type == "wall" {
			return true
		}
	}
	return false
}

// ToPost converts the API representation into the domain snapshot.
func (p WallPost) ToPost() model.Post {
	var images []string
	for _, a := range p.Attachments {
		if a.Type != "photo" || a.Photo == nil {
			continue
		}
		if u := a.Photo.LargestURL(); u != "" {
			images = append(images, u)
		}
	}
	return model.Post{
		Key:         model.PostKey(p.OwnerID, p.ID),
		Source:      model.SourceVK,
		OwnerID:     p.OwnerID,
		PostID:      p.ID,
		URL:         model.WallURL(p.OwnerID, p.ID),
		Text:        p.Text,
		ImageURLs:   images,
		IsRepost:    p.SharesPost(),
		IsAd:        p.MarkedAsAds == 1,
		IsPinned:    p.IsPinned == 1,
		PublishedAt: time.Unix(p.Date, 0).UTC(),
	}
}

var wallRe = regexp.MustCompile(`wall(-?\d+)_(\d+)`)

// ErrBadPostURL is returned when a URL does not reference a wall post.
var ErrBadPostURL = errors.New("not a VK wall post URL")

// ParsePostURL extracts the owner and post ids from links such as
// https://vk.com/wall-1_2 or https://vk.com/club1?w=wall-1_2.
func ParsePostURL(raw string) (ownerID, postID int64, err error) {
	m := wallRe.FindStringSubmatch(raw)
	if m == nil {
		return 0, 0, ErrBadPostURL
	}
	ownerID, err = strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, ErrBadPostURL
	}
	postID, err = strconv.ParseInt(m[2], 10, 64)
	if err != nil || postID == 0 || ownerID == 0 {
		return 0, 0, ErrBadPostURL
	}
	return ownerID, postID, nil
}
