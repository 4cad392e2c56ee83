package api

import (
	"errors"
	"net/http"

	"plagiarism_monitor/internal/apperr"
	"plagiarism_monitor/internal/model"
	"plagiarism_monitor/internal/storage"
	"plagiarism_monitor/internal/subscription"
	"plagiarism_monitor/internal/vk"
)

type createGroupRequest struct {
	PlatformGroupID int64 `json:"platform_group_id"`
	VKGroupID       int64 `json:"vk_group_id"`
	CheckText       *bool `json:"check_text"`
	CheckImages     *bool `json:"check_images"`
	ExcludeReposts  *bool `json:"exclude_reposts"`
}

type updateGroupRequest struct {
	CheckText      *bool `json:"check_text"`
	CheckImages    *bool `json:"check_images"`
	ExcludeReposts *bool `json:"exclude_reposts"`
	IsActive       *bool `json:"is_active"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.Store.ListGroups(r.Context(), userFrom(r).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if groups == nil {
		groups = []model.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	vkGroupID := req.PlatformGroupID
	if vkGroupID == 0 {
		vkGroupID = req.VKGroupID
	}
	if vkGroupID < 0 {
		vkGroupID = -vkGroupID
	}
	if vkGroupID == 0 {
		s.writeError(w, r, apperr.Validationf("platform_group_id is required"))
		return
	}
	if !boolOr(req.CheckText, true) && !boolOr(req.CheckImages, true) {
		s.writeError(w, r, apperr.Validationf("at least one of check_text and check_images must be enabled"))
		return
	}

	ctx := r.Context()
	u := userFrom(r)
	groups, err := s.Store.ListGroups(ctx, u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	occupied := 0
	for _, g := range groups {
		if g.VKGroupID == vkGroupID {
			s.writeError(w, r, apperr.New(apperr.Conflict, "this group is already monitored"))
			return
		}
		if g.SuspendReason != model.SuspendCapacity {
			occupied++
		}
	}
	if !subscription.Allowed(u, occupied+1, s.now()) {
		s.writeError(w, r, apperr.New(apperr.LimitExceeded, "group limit of your subscription is reached"))
		return
	}

	community, err := s.Communities.GroupByID(ctx, vkGroupID)
	if err != nil {
		var apiErr *vk.APIError
		if errors.As(err, &apiErr) && !apiErr.RateLimited() {
			s.writeError(w, r, apperr.Wrap(apperr.NotFound, "group not found or not accessible", err))
			return
		}
		s.writeError(w, r, apperr.Wrap(apperr.Fetch, "could not reach VK, try again later", err))
		return
	}

	g := &model.Group{
		UserID:         u.ID,
		VKGroupID:      vkGroupID,
		Name:           community.Name,
		ScreenName:     community.ScreenName,
		PhotoURL:       community.Photo200,
		Description:    community.Description,
		IsActive:       true,
		CheckText:      boolOr(req.CheckText, true),
		CheckImages:    boolOr(req.CheckImages, true),
		ExcludeReposts: boolOr(req.ExcludeReposts, true),
	}
	if err := s.Store.CreateGroup(ctx, g, subscription.EffectivePlan(u, s.now()).MaxGroups); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("group added", "user_id", u.ID, "group_id", g.ID, "vk_group_id", vkGroupID)
	writeJSON(w, http.StatusCreated, g)
}

// ownGroup loads a group of the requesting user. Groups of other users are
// reported as missing.
func (s *Server) ownGroup(r *http.Request) (*model.Group, error) {
	id, err := idParam(r, "id")
	if err != nil {
		return nil, err
	}
	g, err := s.Store.GetGroup(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && g.UserID != userFrom(r).ID) {
		return nil, apperr.New(apperr.NotFound, "group not found")
	}
	return g, err
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.ownGroup(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) updateGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.ownGroup(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req updateGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	g.CheckText = boolOr(req.CheckText, g.CheckText)
	g.CheckImages = boolOr(req.CheckImages, g.CheckImages)
	g.ExcludeReposts = boolOr(req.ExcludeReposts, g.ExcludeReposts)
	g.IsActive = boolOr(req.IsActive, g.IsActive)
	if !g.CheckText && !g.CheckImages {
		s.writeError(w, r, apperr.Validationf("at least one of check_text and check_images must be enabled"))
		return
	}

	if err := s.Store.UpdateGroup(r.Context(), g); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.ownGroup(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if err := s.Store.DeleteGroup(ctx, g.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	u := userFrom(r)
	s.log.Info("group removed", "user_id", u.ID, "group_id", g.ID)
	// A freed slot lets a capacity-suspended group resume.
	if _, err := s.Subscriptions.Evaluate(ctx, u, s.now()); err != nil {
		s.log.Error("re-evaluate capacity", "user_id", u.ID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}
