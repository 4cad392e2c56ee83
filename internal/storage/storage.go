// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"plagiarism_monitor/internal/model"
)

// Sentinel errors returned by Storage implementations.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrLimitExceeded = errors.New("group limit exceeded")
)

// CaseFilter selects a page of a user's cases.
type CaseFilter struct {
	UserID  int64
	GroupID int64
	Offset  int
	Limit   int
}

// StatsWindow holds the lower bounds used for case statistics.
type StatsWindow struct {
	Today time.Time
	Week  time.Time
	Month time.Time
}

// WindowAt returns the statistics window at now: the calendar day in loc,
// and the last 7 and 30 days.
func WindowAt(now time.Time, loc *time.Location) StatsWindow {
	now = now.In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	return StatsWindow{
		Today: today.UTC(),
		Week:  now.AddDate(0, 0, -7).UTC(),
		Month: now.AddDate(0, 0, -30).UTC(),
	}
}

// Storage is the interface for all persistence operations.
type Storage interface {
	UpsertUser(ctx context.Context, u *model.User) (created bool, err error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	ListGroupOwners(ctx context.Context) ([]model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	SetNotificationsEnabled(ctx context.Context, userID int64, enabled bool) error
	SetSubscription(ctx context.Context, userID int64, tier model.Tier, expires *time.Time) error
	ReserveNotification(ctx context.Context, userID int64, day string, now time.Time, limit int) (bool, error)
	ReleaseNotification(ctx context.Context, userID int64, day string) error

	CreateGroup(ctx context.Context, g *model.Group, maxGroups int) error
	GetGroup(ctx context.Context, id int64) (*model.Group, error)
	ListGroups(ctx context.Context, userID int64) ([]model.Group, error)
	ListMonitoredGroups(ctx context.Context) ([]model.Group, error)
	ListGroupsByVKID(ctx context.Context, vkGroupID int64) ([]model.Group, error)
	UpdateGroup(ctx context.Context, g *model.Group) error
	DeleteGroup(ctx context.Context, id int64) error
	FinishGroupCheck(ctx context.Context, groupID int64, checked int, at time.Time) error
	SuspendGroup(ctx context.Context, groupID int64, reason model.SuspendReason) error
	ResumeGroups(ctx context.Context, userID int64, reason model.SuspendReason) (int, error)
	EnforceGroupLimit(ctx context.Context, userID int64, maxGroups int) (suspended, resumed int, err error)

	SavePost(ctx context.Context, p *model.StoredPost) error
	GetPost(ctx context.Context, key string) (*model.StoredPost, error)
	PostExists(ctx context.Context, key string) (bool, error)
	MarkPostMatched(ctx context.Context, key string) error
	FingerprintByHash(ctx context.Context, hash string) (*model.Fingerprint, error)
	ListPostsSince(ctx context.Context, since time.Time) ([]model.StoredPost, error)
	PrunePosts(ctx context.Context, before time.Time) (int64, error)

	RecordCase(ctx context.Context, c *model.Case) (created bool, err error)
	GetCase(ctx context.Context, userID, id int64) (*model.Case, error)
	ListCases(ctx context.Context, f CaseFilter) ([]model.Case, int, error)
	ListNotifiedCases(ctx context.Context, userID int64, limit int) ([]model.Case, error)
	SetCaseStatus(ctx context.Context, userID, id int64, status model.CaseStatus) error
	MarkCaseNotified(ctx context.Context, id int64, at time.Time) error
	Statistics(ctx context.Context, userID int64, w StatsWindow) (*model.Statistics, error)

	CreatePayment(ctx context.Context, p *model.Payment) error
	GetPayment(ctx context.Context, orderID string) (*model.Payment, error)
	MarkPaymentPaid(ctx context.Context, orderID string, at time.Time) (bool, error)

	CreateTelegramLink(ctx context.Context, code string, userID int64, expires time.Time) error
	ConsumeTelegramLink(ctx context.Context, code string, chatID int64, now time.Time) (*model.User, error)
	UserByTelegramChat(ctx context.Context, chatID int64) (*model.User, error)
	SetTelegramChat(ctx context.Context, userID, chatID int64) error

	SourceCheckpoint(ctx context.Context, source string) (*time.Time, error)
	SetSourceCheckpoint(ctx context.Context, source string, at time.Time) error

	Close() error
}
