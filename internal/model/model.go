// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"time"
)

// Tier is a subscription tier name.
type Tier string

// Supported tiers.
const (
	TierFree     Tier = "free"
	TierBasic    Tier = "basic"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// User is a mini-app user identified by their VK account.
type User struct {
	ID                     int64      `json:"id"`
	VKID                   int64      `json:"vk_id"`
	FirstName              string     `json:"first_name"`
	LastName               string     `json:"last_name"`
	Username               string     `json:"username,omitempty"`
	PhotoURL               string     `json:"photo_url,omitempty"`
	SubscriptionType       Tier       `json:"subscription_type"`
	SubscriptionExpires    *time.Time `json:"subscription_expires"`
	MaxGroups              int        `json:"max_groups"`
	NotificationsEnabled   bool       `json:"notifications_enabled"`
	NotificationsSentToday int        `json:"notifications_sent_today"`
	NotificationDay        string     `json:"-"`
	LastNotificationDate   *time.Time `json:"last_notification_date"`
	TotalPlagiarismFound   int        `json:"total_plagiarism_found"`
	TelegramChatID         int64      `json:"-"`
	TelegramLinked         bool       `json:"telegram_linked"`
	CreatedAt              time.Time  `json:"created_at"`
	LastLogin              *time.Time `json:"last_login"`
}

// SentToday returns the user's delivered alert count for the day containing
// now in loc. The stored counter belongs to NotificationDay and is stale on
// any other day.
func (u *User) SentToday(now time.Time, loc *time.Location) int {
	if u.NotificationDay != now.In(loc).Format(time.DateOnly) {
		return 0
	}
	return u.NotificationsSentToday
}

// SuspendReason explains why the system stopped monitoring a group.
type SuspendReason string

// Suspension reasons. The empty reason means the group is not suspended.
const (
	SuspendNone              SuspendReason = ""
	SuspendCapacity          SuspendReason = "capacity"
	SuspendPermissionRevoked SuspendReason = "permission_revoked"
)

// Group is a VK community monitored on behalf of its owning user.
type Group struct {
	ID              int64         `json:"id"`
	UserID          int64         `json:"user_id"`
	VKGroupID       int64         `json:"vk_group_id"`
	Name            string        `json:"name"`
	ScreenName      string        `json:"screen_name"`
	PhotoURL        string        `json:"photo_url,omitempty"`
	Description     string        `json:"description,omitempty"`
	IsActive        bool          `json:"is_active"`
	SuspendReason   SuspendReason `json:"suspend_reason,omitempty"`
	CheckText       bool          `json:"check_text"`
	CheckImages     bool          `json:"check_images"`
	ExcludeReposts  bool          `json:"exclude_reposts"`
	PostsChecked    int           `json:"posts_checked"`
	PlagiarismFound int           `json:"plagiarism_found"`
	LastCheck       *time.Time    `json:"last_check"`
	CreatedAt       time.Time     `json:"created_at"`
}

// OwnerID returns the wall owner id VK uses for the community.
func (g Group) OwnerID() int64 {
	return -g.VKGroupID
}

// Monitored reports whether the scheduler should process the group.
func (g Group) Monitored() bool {
	return g.IsActive && g.SuspendReason == SuspendNone
}

// Source identifies where a post came from.
type Source string

// Supported post sources.
const (
	SourceVK  Source = "vk"
	SourceRSS Source = "rss"
)

// Post is an immutable snapshot of platform content.
type Post struct {
	Key         string
	Source      Source
	OwnerID     int64
	PostID      int64
	URL         string
	Text        string
	ImageURLs   []string
	IsRepost    bool
	IsAd        bool
	IsPinned    bool
	PublishedAt time.Time
}

// PostKey builds the corpus key of a VK wall post.
func PostKey(ownerID, postID int64) string {
	return fmt.Sprintf("vk:%d_%d", ownerID, postID)
}

// WallURL returns the public URL of a VK wall post.
func WallURL(ownerID, postID int64) string {
	return fmt.Sprintf("https://vk.com/wall%d_%d", ownerID, postID)
}

// Fingerprint is the comparable representation of a post.
// Text is a MinHash signature, nil when the post has too little text.
// Images holds one 64-bit perceptual hash per image.
type Fingerprint struct {
	ContentHash string
	Text        []uint64
	Images      []uint64
}

// Empty reports whether the fingerprint has no comparable channel.
func (f Fingerprint) Empty() bool {
	return len(f.Text) == 0 && len(f.Images) == 0
}

// StoredPost is a post together with its fingerprint as kept in the corpus.
type StoredPost struct {
	Post
	Fingerprint Fingerprint
	Skipped     bool
	// Matched is set once the post has been compared against the corpus.
	Matched   bool
	FetchedAt time.Time
}

// Risk is the user-facing classification of a similarity score.
type Risk string

// Risk levels.
const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// CaseStatus is the user's verdict on a case.
type CaseStatus string

// Case verdicts.
const (
	CasePending       CaseStatus = "pending"
	CaseConfirmed     CaseStatus = "confirmed"
	CaseFalsePositive CaseStatus = "false_positive"
)

// Case is a detected plagiarism event. The original post belongs to the
// monitored group, the plagiarized post is the later copy.
type Case struct {
	ID                 int64      `json:"id"`
	GroupID            int64      `json:"group_id"`
	UserID             int64      `json:"-"`
	GroupName          string     `json:"group_name"`
	OriginalKey        string     `json:"-"`
	OriginalOwnerID    int64      `json:"original_group_id"`
	OriginalPostID     int64      `json:"-"`
	OriginalURL        string     `json:"original_post_url"`
	OriginalText       string     `json:"original_text,omitempty"`
	OriginalImages     []string   `json:"original_images,omitempty"`
	PlagiarizedKey     string     `json:"-"`
	PlagiarizedOwnerID int64      `json:"plagiarized_group_id"`
	PlagiarizedPostID  int64      `json:"-"`
	PlagiarizedURL     string     `json:"plagiarized_post_url"`
	PlagiarizedText    string     `json:"plagiarized_text,omitempty"`
	PlagiarizedImages  []string   `json:"plagiarized_images,omitempty"`
	TextSimilarity     float64    `json:"text_similarity"`
	ImageSimilarity    float64    `json:"image_similarity"`
	OverallSimilarity  float64    `json:"overall_similarity"`
	Risk               Risk       `json:"risk"`
	IsConfirmed        bool       `json:"is_confirmed"`
	IsFalsePositive    bool       `json:"is_false_positive"`
	NotificationSent   bool       `json:"notification_sent"`
	NotificationSentAt *time.Time `json:"notification_sent_at"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Payment is a subscription purchase order.
type Payment struct {
	OrderID   string     `json:"order_id"`
	UserID    int64      `json:"user_id"`
	Tier      Tier       `json:"subscription_type"`
	Amount    int64      `json:"amount"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	PaidAt    *time.Time `json:"paid_at"`
}

// Payment statuses.
const (
	PaymentPending = "pending"
	PaymentPaid    = "paid"
)

// Statistics summarizes a user's monitoring results.
type Statistics struct {
	Today                int `json:"today"`
	Week                 int `json:"week"`
	Month                int `json:"month"`
	Total                int `json:"total"`
	TotalPlagiarismFound int `json:"total_plagiarism_found"`
	TotalPostsChecked    int `json:"total_posts_checked"`
	ActiveGroups         int `json:"active_groups"`
}
