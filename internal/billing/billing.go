// Package billing creates VK Pay orders for subscription tiers and applies
// confirmed payments.
package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"plagiarism_monitor/internal/apperr"
	"plagiarism_monitor/internal/model"
	"plagiarism_monitor/internal/storage"
	"plagiarism_monitor/internal/subscription"
)

const signField = "merchant_sign"

// Signer computes VK Pay merchant signatures: HMAC-SHA256 in hex over the
// sorted k=v pairs joined with "&".
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign signs every field except merchant_sign.
func (s *Signer) Sign(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != signField {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+fields[k])
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether fields carry a valid merchant_sign.
func (s *Signer) Verify(fields map[string]string) bool {
	got := fields[signField]
	if got == "" {
		return false
	}
	return hmac.Equal([]byte(s.Sign(fields)), []byte(strings.ToLower(got)))
}

// Store is the persistence needed by Service.
type Store interface {
	CreatePayment(ctx context.Context, p *model.Payment) error
	GetPayment(ctx context.Context, orderID string) (*model.Payment, error)
	MarkPaymentPaid(ctx context.Context, orderID string, at time.Time) (bool, error)
}

// Activator starts a paid tier for a user.
type Activator interface {
	Activate(ctx context.Context, userID int64, tier model.Tier, now time.Time) (*model.User, error)
}

// Order is a created payment with the payload the client hands to VK Pay.
type Order struct {
	OrderID     string            `json:"order_id"`
	PaymentData map[string]string `json:"payment_data"`
}

// Result describes an applied payment.
type Result struct {
	OrderID          string     `json:"order_id"`
	SubscriptionType model.Tier `json:"subscription_type"`
	ExpiresAt        *time.Time `json:"expires_at"`
	AlreadyProcessed bool       `json:"already_processed"`
}

// Service creates and processes subscription payments.
type Service struct {
	store      Store
	subs       Activator
	signer     *Signer
	merchantID string
	log        *slog.Logger
	now        func() time.Time
}

// NewService creates a Service.
func NewService(store Store, subs Activator, merchantID, secret string, log *slog.Logger) *Service {
	return &Service{
		store:      store,
		subs:       subs,
		signer:     NewSigner(secret),
		merchantID: merchantID,
		log:        log,
		now:        time.Now,
	}
}

type merchantData struct {
	OrderID          string     `json:"order_id"`
	UserID           int64      `json:"user_id"`
	SubscriptionType model.Tier `json:"subscription_type"`
}

// CreatePayment stores a pending order for tier and returns the signed
// VK Pay payload.
func (s *Service) CreatePayment(ctx context.Context, userID int64, tier model.Tier) (*Order, error) {
	plan, ok := subscription.PlanFor(tier)
	if !ok || plan.Price == 0 {
		return nil, apperr.Validationf("unknown subscription type %q", tier)
	}

	p := &model.Payment{
		OrderID:   uuid.NewString(),
		UserID:    userID,
		Tier:      tier,
		Amount:    plan.Price,
		CreatedAt: s.now().UTC().Truncate(time.Second),
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	md, err := json.Marshal(merchantData{OrderID: p.OrderID, UserID: userID, SubscriptionType: tier})
	if err != nil {
		return nil, fmt.Errorf("encode merchant data: %w", err)
	}
	fields := map[string]string{
		"merchant_id":   s.merchantID,
		"amount":        strconv.FormatInt(plan.Price, 10),
		"currency":      "RUB",
		"description":   "Подписка " + plan.Name,
		"merchant_data": string(md),
	}
	fields[signField] = s.signer.Sign(fields)

	s.log.Info("payment created", "user_id", userID, "order_id", p.OrderID, "tier", tier)
	return &Order{OrderID: p.OrderID, PaymentData: fields}, nil
}

// ProcessPayment verifies a payment confirmation and activates the tier it
// paid for. A replayed confirmation of a paid order changes nothing.
func (s *Service) ProcessPayment(ctx context.Context, userID int64, fields map[string]string) (*Result, error) {
	if !s.signer.Verify(fields) {
		return nil, apperr.New(apperr.Validation, "invalid payment signature")
	}

	var md merchantData
	if err := json.Unmarshal([]byte(fields["merchant_data"]), &md); err != nil || md.OrderID == "" {
		return nil, apperr.New(apperr.Validation, "malformed merchant data")
	}

	p, err := s.store.GetPayment(ctx, md.OrderID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "payment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	if p.UserID != userID || md.UserID != userID {
		return nil, apperr.New(apperr.NotFound, "payment not found")
	}
	if md.SubscriptionType != p.Tier || fields["amount"] != strconv.FormatInt(p.Amount, 10) {
		return nil, apperr.New(apperr.Validation, "payment does not match the order")
	}

	now := s.now()
	paid, err := s.store.MarkPaymentPaid(ctx, p.OrderID, now.UTC().Truncate(time.Second))
	if err != nil {
		return nil, fmt.Errorf("mark payment paid: %w", err)
	}
	if !paid {
		s.log.Info("payment already processed", "user_id", userID, "order_id", p.OrderID)
		return &Result{OrderID: p.OrderID, SubscriptionType: p.Tier, AlreadyProcessed: true}, nil
	}

	u, err := s.subs.Activate(ctx, userID, p.Tier, now)
	if err != nil {
		return nil, fmt.Errorf("activate subscription: %w", err)
	}
	s.log.Info("subscription activated", "user_id", userID, "order_id", p.OrderID, "tier", p.Tier)
	return &Result{OrderID: p.OrderID, SubscriptionType: u.SubscriptionType, ExpiresAt: u.SubscriptionExpires}, nil
}
