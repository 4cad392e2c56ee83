package api

import (
	"net/http"
	"strconv"
	"strings"

	"plagiarism_monitor/internal/apperr"
	"plagiarism_monitor/internal/cases"
	"plagiarism_monitor/internal/model"
	"plagiarism_monitor/internal/storage"
)

func (s *Server) statsWindow() storage.StatsWindow {
	return storage.WindowAt(s.now(), s.opts.Location)
}

func (s *Server) statistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u := userFrom(r)
	key := cases.StatsKey(u.ID)

	var st model.Statistics
	if found, err := s.Cache.GetJSON(ctx, key, &st); err != nil {
		s.log.Warn("read statistics cache", "user_id", u.ID, "error", err)
	} else if found {
		writeJSON(w, http.StatusOK, st)
		return
	}

	fresh, err := s.Store.Statistics(ctx, u.ID, s.statsWindow())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Cache.SetJSON(ctx, key, fresh, s.opts.StatsTTL); err != nil {
		s.log.Warn("write statistics cache", "user_id", u.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, fresh)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	groups, err := s.Store.ListGroups(r.Context(), userFrom(r).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Monitor.Status(groups))
}

type startResponse struct {
	Message string `json:"message"`
	Groups  int    `json:"groups"`
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	n, err := s.Monitor.TriggerUser(r.Context(), userFrom(r).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if n == 0 {
		s.writeError(w, r, apperr.New(apperr.Validation, "no active groups to check"))
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{Message: "monitoring started", Groups: n})
}

type checkPostRequest struct {
	PostURL string `json:"post_url"`
}

func (s *Server) checkPost(w http.ResponseWriter, r *http.Request) {
	var req checkPostRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.PostURL) == "" {
		s.writeError(w, r, apperr.Validationf("post_url is required"))
		return
	}

	ctx := r.Context()
	u := userFrom(r)
	if s.Limiter != nil {
		ok, err := s.Limiter.Allow(ctx, "check-post", strconv.FormatInt(u.ID, 10))
		if err != nil {
			s.log.Warn("rate limiter", "user_id", u.ID, "error", err)
		} else if !ok {
			writeDetail(w, http.StatusTooManyRequests, "too many checks, try again in a minute")
			return
		}
	}

	res, err := s.Monitor.CheckPost(ctx, u.ID, strings.TrimSpace(req.PostURL))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type casesPage struct {
	Cases []model.Case `json:"cases"`
	Total int          `json:"total"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
	Pages int          `json:"pages"`
}

func (s *Server) listCases(w http.ResponseWriter, r *http.Request) {
	page, err := intQuery(r, "page", 1, 1, 1<<20)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intQuery(r, "limit", 20, 1, 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var groupID int64
	if raw := r.URL.Query().Get("group_id"); raw != "" {
		if groupID, err = strconv.ParseInt(raw, 10, 64); err != nil || groupID <= 0 {
			s.writeError(w, r, apperr.Validationf("invalid group_id %q", raw))
			return
		}
	}

	list, total, err := s.Store.ListCases(r.Context(), storage.CaseFilter{
		UserID:  userFrom(r).ID,
		GroupID: groupID,
		Offset:  (page - 1) * limit,
		Limit:   limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Case{}
	}
	writeJSON(w, http.StatusOK, casesPage{
		Cases: list,
		Total: total,
		Page:  page,
		Limit: limit,
		Pages: (total + limit - 1) / limit,
	})
}

func (s *Server) getCase(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.Store.GetCase(r.Context(), userFrom(r).ID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) setCaseStatus(w http.ResponseWriter, r *http.Request, status model.CaseStatus, msg string) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	u := userFrom(r)
	if err := s.Store.SetCaseStatus(ctx, u.ID, id, status); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("case reviewed", "user_id", u.ID, "case_id", id, "status", status)
	writeJSON(w, http.StatusOK, messageBody{Message: msg})
}

func (s *Server) confirmCase(w http.ResponseWriter, r *http.Request) {
	s.setCaseStatus(w, r, model.CaseConfirmed, "plagiarism confirmed")
}

func (s *Server) falsePositive(w http.ResponseWriter, r *http.Request) {
	s.setCaseStatus(w, r, model.CaseFalsePositive, "marked as false positive")
}
