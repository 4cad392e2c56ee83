package api

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"plagiarism_monitor/internal/apperr"
	"plagiarism_monitor/internal/model"
	"plagiarism_monitor/internal/subscription"
)

func (s *Server) plans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]subscription.Plan{"plans": subscription.Plans()})
}

type mySubscriptionResponse struct {
	SubscriptionType model.Tier `json:"subscription_type"`
	SubscriptionName string     `json:"subscription_name"`
	MaxGroups        int        `json:"max_groups"`
	ExpiresAt        *time.Time `json:"expires_at"`
	IsActive         bool       `json:"is_active"`
	DaysLeft         *int       `json:"days_left"`
}

func (s *Server) mySubscription(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	now := s.now()
	plan := subscription.EffectivePlan(u, now)
	resp := mySubscriptionResponse{
		SubscriptionType: plan.Tier,
		SubscriptionName: plan.Name,
		MaxGroups:        plan.MaxGroups,
		ExpiresAt:        u.SubscriptionExpires,
		IsActive:         !subscription.Expired(u, now),
	}
	if u.SubscriptionExpires != nil {
		days := max(0, int(math.Floor(u.SubscriptionExpires.Sub(now).Hours()/24)))
		resp.DaysLeft = &days
	}
	writeJSON(w, http.StatusOK, resp)
}

type createPaymentRequest struct {
	SubscriptionType model.Tier `json:"subscription_type"`
}

func (s *Server) createPayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	order, err := s.Payments.CreatePayment(r.Context(), userFrom(r).ID, req.SubscriptionType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// paymentFields flattens a payment callback body. Numbers keep their
// literal form so signatures computed over them still match.
func paymentFields(body io.Reader) (map[string]string, error) {
	dec := json.NewDecoder(io.LimitReader(body, 64<<10))
	dec.UseNumber()
	var in map[string]any
	if err := dec.Decode(&in); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "malformed JSON body", err)
	}
	if nested, ok := in["payment_data"].(map[string]any); ok {
		in = nested
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch v := v.(type) {
		case string:
			out[k] = v
		case json.Number:
			out[k] = v.String()
		case bool:
			out[k] = strconv.FormatBool(v)
		case nil:
			out[k] = ""
		default:
			return nil, apperr.Validationf("field %q must be a scalar", k)
		}
	}
	return out, nil
}

func (s *Server) processPayment(w http.ResponseWriter, r *http.Request) {
	fields, err := paymentFields(r.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Payments.ProcessPayment(r.Context(), userFrom(r).ID, fields)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
