// Package subscription holds the tier catalog and enforces per-user group
// capacity.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"plagiarism_monitor/internal/apperr"
	"plagiarism_monitor/internal/model"
)

// Plan is a subscription tier offered to users. Price is in kopecks.
type Plan struct {
	Tier      model.Tier `json:"type"`
	Name      string     `json:"name"`
	MaxGroups int        `json:"max_groups"`
	Days      int        `json:"duration_days"`
	Price     int64      `json:"price"`
	Features  []string   `json:"features"`
}

var catalog = []Plan{
	{
		Tier: model.TierFree, Name: "Бесплатно", MaxGroups: 1,
		Features: []string{"1 группа", "Проверка текста и изображений", "До 10 уведомлений в день"},
	},
	{
		Tier: model.TierBasic, Name: "Базовый", MaxGroups: 1, Days: 30, Price: 29900,
		Features: []string{"1 группа", "Проверка постов по ссылке", "Telegram-уведомления"},
	},
	{
		Tier: model.TierStandard, Name: "Стандарт", MaxGroups: 5, Days: 30, Price: 79900,
		Features: []string{"До 5 групп", "Проверка постов по ссылке", "Telegram-уведомления"},
	},
	{
		Tier: model.TierPremium, Name: "Премиум", MaxGroups: 10, Days: 30, Price: 119900,
		Features: []string{"До 10 групп", "Проверка постов по ссылке", "Telegram-уведомления", "Приоритетная поддержка"},
	},
}

// Plans returns the tier catalog, cheapest first.
func Plans() []Plan {
	out := make([]Plan, len(catalog))
	copy(out, catalog)
	return out
}

// PlanFor returns the plan of a tier.
func PlanFor(tier model.Tier) (Plan, bool) {
	for _, p := range catalog {
		if p.Tier == tier {
			return p, true
		}
	}
	return Plan{}, false
}

// Expired reports whether the user's paid tier has lapsed at now. Free never
// expires.
func Expired(u *model.User, now time.Time) bool {
	if u.SubscriptionType == model.TierFree || u.SubscriptionType == "" {
		return false
	}
	return u.SubscriptionExpires == nil || !now.Before(*u.SubscriptionExpires)
}

// ReminderDays are the whole days before expiry on which the user is
// reminded to renew.
var ReminderDays = []int{3, 1}

// DaysLeft returns the whole days left on a paid tier at now, rounded up.
// It is 0 for the free tier and for lapsed subscriptions.
func DaysLeft(u *model.User, now time.Time) int {
	if u.SubscriptionType == model.TierFree || u.SubscriptionType == "" || Expired(u, now) {
		return 0
	}
	left := u.SubscriptionExpires.Sub(now)
	return int((left + 24*time.Hour - 1) / (24 * time.Hour))
}

// ReminderDue reports whether a renewal reminder is due at now and how many
// days remain. Checked once a day, each reminder day fires once.
func ReminderDue(u *model.User, now time.Time) (int, bool) {
	days := DaysLeft(u, now)
	if days == 0 {
		return 0, false
	}
	return days, slices.Contains(ReminderDays, days)
}

// EffectivePlan returns the plan in force at now: the stored tier, or free
// once a paid tier has expired.
func EffectivePlan(u *model.User, now time.Time) Plan {
	if Expired(u, now) {
		p, _ := PlanFor(model.TierFree)
		return p
	}
	if p, ok := PlanFor(u.SubscriptionType); ok {
		return p
	}
	p, _ := PlanFor(model.TierFree)
	return p
}

// Allowed reports whether the user may monitor requestedCount groups at now.
func Allowed(u *model.User, requestedCount int, now time.Time) bool {
	return requestedCount <= EffectivePlan(u, now).MaxGroups
}

// Store is the persistence needed by Service.
type Store interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	SetSubscription(ctx context.Context, userID int64, tier model.Tier, expires *time.Time) error
	EnforceGroupLimit(ctx context.Context, userID int64, maxGroups int) (suspended, resumed int, err error)
}

// Service applies subscription changes to stored users and their groups.
type Service struct {
	store Store
	log   *slog.Logger
}

// NewService creates a Service.
func NewService(store Store, log *slog.Logger) *Service {
	return &Service{store: store, log: log}
}

// Evaluate downgrades an expired subscription and fits the user's monitored
// groups into the effective capacity. It returns the user with MaxGroups
// filled in.
func (s *Service) Evaluate(ctx context.Context, u *model.User, now time.Time) (*model.User, error) {
	plan := EffectivePlan(u, now)
	if Expired(u, now) {
		if err := s.store.SetSubscription(ctx, u.ID, model.TierFree, nil); err != nil {
			return nil, fmt.Errorf("downgrade subscription: %w", err)
		}
		s.log.Info("subscription expired", "user_id", u.ID, "tier", u.SubscriptionType)
		u.SubscriptionType = model.TierFree
		u.SubscriptionExpires = nil
	}

	suspended, resumed, err := s.store.EnforceGroupLimit(ctx, u.ID, plan.MaxGroups)
	if err != nil {
		return nil, fmt.Errorf("enforce group limit: %w", err)
	}
	if suspended > 0 || resumed > 0 {
		s.log.Info("group capacity adjusted", "user_id", u.ID, "max_groups", plan.MaxGroups,
			"suspended", suspended, "resumed", resumed)
	}
	u.MaxGroups = plan.MaxGroups
	return u, nil
}

// Activate starts tier for the user at now and applies the new capacity.
func (s *Service) Activate(ctx context.Context, userID int64, tier model.Tier, now time.Time) (*model.User, error) {
	plan, ok := PlanFor(tier)
	if !ok {
		return nil, apperr.Validationf("unknown subscription type %q", tier)
	}
	var expires *time.Time
	if plan.Days > 0 {
		t := now.UTC().AddDate(0, 0, plan.Days).Truncate(time.Second)
		expires = &t
	}
	if err := s.store.SetSubscription(ctx, userID, tier, expires); err != nil {
		return nil, fmt.Errorf("set subscription: %w", err)
	}
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return s.Evaluate(ctx, u, now)
}
