package api

import (
	"context"
	"net/http"
	"strings"

	"plagiarism_monitor/internal/apperr"
	"plagiarism_monitor/internal/auth"
	"plagiarism_monitor/internal/model"
)

type contextKey string

const (
	userKey   contextKey = "user"
	claimsKey contextKey = "claims"
)

func userFrom(r *http.Request) *model.User {
	u, _ := r.Context().Value(userKey).(*model.User)
	return u
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// authenticate resolves the bearer token to a user and applies any pending
// subscription downgrade before the handler runs.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			s.writeError(w, r, apperr.New(apperr.Auth, "not authenticated"))
			return
		}
		claims, err := s.Tokens.Parse(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		u, err := s.Store.GetUser(r.Context(), claims.UserID)
		if err != nil {
			s.writeError(w, r, apperr.Wrap(apperr.Auth, "user no longer exists", err))
			return
		}
		if u, err = s.Subscriptions.Evaluate(r.Context(), u, s.now()); err != nil {
			s.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, u)
		ctx = context.WithValue(ctx, claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type loginRequest struct {
	PlatformUserID int64  `json:"platform_user_id"`
	VKID           int64  `json:"vk_id"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Username       string `json:"username"`
	PhotoURL       string `json:"photo_url"`
	LaunchParams   string `json:"launch_params"`
}

type loginResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresAt   string      `json:"expires_at"`
	User        *model.User `json:"user"`
}

func (s *Server) vkLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	vkID := req.PlatformUserID
	if vkID == 0 {
		vkID = req.VKID
	}
	if vkID <= 0 {
		s.writeError(w, r, apperr.Validationf("platform_user_id is required"))
		return
	}

	if s.opts.VKAppSecret != "" {
		signed, err := auth.VerifyLaunchParams(req.LaunchParams, s.opts.VKAppSecret)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if signed != vkID {
			s.writeError(w, r, apperr.New(apperr.Auth, "launch params belong to another user"))
			return
		}
	}

	ctx := r.Context()
	u := &model.User{
		VKID:      vkID,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Username:  req.Username,
		PhotoURL:  req.PhotoURL,
	}
	created, err := s.Store.UpsertUser(ctx, u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if created {
		s.log.Info("user registered", "user_id", u.ID, "vk_id", vkID)
		s.Notifier.Welcome(ctx, u)
	}

	// Logging in again is the re-authorization that lifts access suspensions.
	if n, err := s.Store.ResumeGroups(ctx, u.ID, model.SuspendPermissionRevoked); err != nil {
		s.log.Error("resume groups", "user_id", u.ID, "error", err)
	} else if n > 0 {
		s.log.Info("groups resumed after login", "user_id", u.ID, "count", n)
	}
	if u, err = s.Subscriptions.Evaluate(ctx, u, s.now()); err != nil {
		s.writeError(w, r, err)
		return
	}

	token, exp, err := s.Tokens.Issue(u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresAt:   exp.UTC().Format("2006-01-02T15:04:05Z"),
		User:        s.present(u),
	})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.present(userFrom(r)))
}

// present returns u as shown to its owner. The stored alert counter only
// counts on its own day.
func (s *Server) present(u *model.User) *model.User {
	out := *u
	out.NotificationsSentToday = u.SentToday(s.now(), s.opts.Location)
	return &out
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	claims, _ := r.Context().Value(claimsKey).(*auth.Claims)
	if claims != nil {
		if err := s.Tokens.Revoke(r.Context(), claims); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, messageBody{Message: "logged out"})
}
