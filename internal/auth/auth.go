// Package auth issues and verifies bearer tokens and VK mini-app launch
// parameters.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"plagiarism_monitor/internal/apperr"
	"plagiarism_monitor/internal/cache"
)

// Claims are the registered claims of an access token.
type Claims struct {
	UserID    int64
	ID        string
	ExpiresAt time.Time
}

// Tokens issues HS256 access tokens. Revoked token ids are kept in the cache
// until the token would have expired anyway.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	cache  cache.JSONCache
	now    func() time.Time
}

// NewTokens creates a Tokens. A nil cache disables revocation tracking.
func NewTokens(secret string, ttl time.Duration, c cache.JSONCache) *Tokens {
	if c == nil {
		c = cache.Noop{}
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, cache: c, now: time.Now}
}

// Issue returns a signed token for the user and its expiry.
func (t *Tokens) Issue(userID int64) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl).Truncate(time.Second)
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse validates a token and returns its claims. Any failure is an Auth
// error.
func (t *Tokens) Parse(ctx context.Context, tokenStr string) (*Claims, error) {
	var rc jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenStr, &rc, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil || !token.Valid {
		return nil, apperr.Wrap(apperr.Auth, "invalid or expired token", err)
	}

	userID, err := strconv.ParseInt(rc.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return nil, apperr.New(apperr.Auth, "invalid token subject")
	}
	c := &Claims{UserID: userID, ID: rc.ID}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}

	if c.ID != "" {
		var revoked bool
		found, err := t.cache.GetJSON(ctx, revokedKey(c.ID), &revoked)
		if err != nil {
			return nil, fmt.Errorf("check revocation: %w", err)
		}
		if found && revoked {
			return nil, apperr.New(apperr.Auth, "token has been revoked")
		}
	}
	return c, nil
}

// Revoke invalidates the token until its expiry.
func (t *Tokens) Revoke(ctx context.Context, c *Claims) error {
	if c.ID == "" {
		return nil
	}
	ttl := c.ExpiresAt.Sub(t.now())
	if ttl <= 0 {
		return nil
	}
	if err := t.cache.SetJSON(ctx, revokedKey(c.ID), true, ttl); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func revokedKey(id string) string {
	return "revoked:" + id
}

// VerifyLaunchParams checks the signature VK attaches to mini-app launch
// parameters and returns the vk_user_id they carry. query is the raw launch
// query string, with or without a leading "?".
func VerifyLaunchParams(query, secret string) (int64, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		return 0, apperr.Wrap(apperr.Auth, "malformed launch params", err)
	}
	sign := values.Get("sign")
	if sign == "" {
		return 0, apperr.New(apperr.Auth, "launch params are not signed")
	}

	var keys []string
	for k := range values {
		if strings.HasPrefix(k, "vk_") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(values.Get(k)))
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(pairs, "&")))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(strings.TrimRight(sign, "="))) {
		return 0, apperr.New(apperr.Auth, "invalid launch params signature")
	}

	vkUserID, err := strconv.ParseInt(values.Get("vk_user_id"), 10, 64)
	if err != nil {
		return 0, apperr.New(apperr.Auth, "launch params carry no vk_user_id")
	}
	return vkUserID, nil
}
