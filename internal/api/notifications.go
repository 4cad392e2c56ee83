package api

import (
	"net/http"
	"time"

	"plagiarism_monitor/internal/model"
	"plagiarism_monitor/internal/telegram"
)

type historyResponse struct {
	History []model.Case `json:"history"`
	Total   int          `json:"total"`
	Limit   int          `json:"limit"`
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 50, 1, 200)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.Store.ListNotifiedCases(r.Context(), userFrom(r).ID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Case{}
	}
	writeJSON(w, http.StatusOK, historyResponse{History: list, Total: len(list), Limit: limit})
}

type notificationStatsResponse struct {
	Today                  int `json:"today"`
	Week                   int `json:"week"`
	Month                  int `json:"month"`
	Total                  int `json:"total"`
	NotificationsSentToday int `json:"notifications_sent_today"`
	MaxNotificationsPerDay int `json:"max_notifications_per_day"`
}

func (s *Server) notificationStatistics(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	st, err := s.Store.Statistics(r.Context(), u.ID, s.statsWindow())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notificationStatsResponse{
		Today:                  st.Today,
		Week:                   st.Week,
		Month:                  st.Month,
		Total:                  st.TotalPlagiarismFound,
		NotificationsSentToday: u.SentToday(s.now(), s.opts.Location),
		MaxNotificationsPerDay: s.opts.DailyLimit,
	})
}

type settingsResponse struct {
	NotificationsEnabled   bool `json:"notifications_enabled"`
	NotificationsSentToday int  `json:"notifications_sent_today"`
	MaxNotificationsPerDay int  `json:"max_notifications_per_day"`
	TelegramLinked         bool `json:"telegram_linked"`
}

func (s *Server) settingsOf(u *model.User) settingsResponse {
	return settingsResponse{
		NotificationsEnabled:   u.NotificationsEnabled,
		NotificationsSentToday: u.SentToday(s.now(), s.opts.Location),
		MaxNotificationsPerDay: s.opts.DailyLimit,
		TelegramLinked:         u.TelegramLinked,
	}
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settingsOf(userFrom(r)))
}

type settingsRequest struct {
	NotificationsEnabled *bool `json:"notifications_enabled"`
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u := userFrom(r)
	if req.NotificationsEnabled != nil {
		if err := s.Store.SetNotificationsEnabled(r.Context(), u.ID, *req.NotificationsEnabled); err != nil {
			s.writeError(w, r, err)
			return
		}
		u.NotificationsEnabled = *req.NotificationsEnabled
	}
	writeJSON(w, http.StatusOK, s.settingsOf(u))
}

type testResponse struct {
	Message string `json:"message"`
	Channel string `json:"channel"`
}

func (s *Server) testNotification(w http.ResponseWriter, r *http.Request) {
	channel, err := s.Notifier.SendTest(r.Context(), userFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, testResponse{Message: "test notification sent", Channel: channel})
}

type telegramLinkResponse struct {
	Code      string    `json:"code"`
	Link      string    `json:"link,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) telegramLink(w http.ResponseWriter, r *http.Request) {
	code := telegram.NewLinkCode()
	expires := s.now().UTC().Add(s.opts.TelegramLinkTTL).Truncate(time.Second)
	if err := s.Store.CreateTelegramLink(r.Context(), code, userFrom(r).ID, expires); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, telegramLinkResponse{
		Code:      code,
		Link:      telegram.DeepLink(s.opts.TelegramBot, code),
		ExpiresAt: expires,
	})
}
