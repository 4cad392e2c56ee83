// Package api serves the JSON HTTP interface of the monitor.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"plagiarism_monitor/internal/auth"
	"plagiarism_monitor/internal/billing"
	"plagiarism_monitor/internal/cache"
	"plagiarism_monitor/internal/metrics"
	"plagiarism_monitor/internal/model"
	"plagiarism_monitor/internal/scheduler"
	"plagiarism_monitor/internal/storage"
	"plagiarism_monitor/internal/vk"
)

// Communities looks up VK communities.
type Communities interface {
	GroupByID(ctx context.Context, groupID int64) (*vk.Community, error)
}

// Monitor runs and reports monitoring passes.
type Monitor interface {
	Status(groups []model.Group) scheduler.Status
	TriggerUser(ctx context.Context, userID int64) (int, error)
	CheckPost(ctx context.Context, userID int64, postURL string) (*scheduler.CheckResult, error)
}

// Subscriptions applies tier limits to users.
type Subscriptions interface {
	Evaluate(ctx context.Context, u *model.User, now time.Time) (*model.User, error)
}

// Notifier sends user-facing messages outside case alerts.
type Notifier interface {
	SendTest(ctx context.Context, u *model.User) (string, error)
	Welcome(ctx context.Context, u *model.User)
}

// Payments creates and applies subscription payments.
type Payments interface {
	CreatePayment(ctx context.Context, userID int64, tier model.Tier) (*billing.Order, error)
	ProcessPayment(ctx context.Context, userID int64, fields map[string]string) (*billing.Result, error)
}

// Options holds the settings the handlers need.
type Options struct {
	CORSOrigins     []string
	VKAppSecret     string
	DailyLimit      int
	Location        *time.Location
	TelegramBot     string
	TelegramLinkTTL time.Duration
	StatsTTL        time.Duration
}

// Deps are the collaborators of the Server.
type Deps struct {
	Store         storage.Storage
	Tokens        *auth.Tokens
	Communities   Communities
	Monitor       Monitor
	Subscriptions Subscriptions
	Notifier      Notifier
	Payments      Payments
	Cache         cache.JSONCache
	Limiter       cache.Limiter
}

// Server is the HTTP API.
type Server struct {
	Deps
	opts Options
	log  *slog.Logger
	now  func() time.Time
}

// New creates a Server.
func New(deps Deps, opts Options, log *slog.Logger) *Server {
	if deps.Cache == nil {
		deps.Cache = cache.Noop{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.TelegramLinkTTL == 0 {
		opts.TelegramLinkTTL = 15 * time.Minute
	}
	if opts.StatsTTL == 0 {
		opts.StatsTTL = time.Minute
	}
	return &Server{Deps: deps, opts: opts, log: log, now: time.Now}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins(),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/vk-login", s.vkLogin)
		r.Get("/billing/plans", s.plans)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/auth/me", s.me)
			r.Post("/auth/logout", s.logout)

			r.Route("/groups", func(r chi.Router) {
				r.Get("/", s.listGroups)
				r.Post("/", s.createGroup)
				r.Get("/{id}", s.getGroup)
				r.Put("/{id}", s.updateGroup)
				r.Delete("/{id}", s.deleteGroup)
			})

			r.Route("/monitoring", func(r chi.Router) {
				r.Get("/statistics", s.statistics)
				r.Get("/status", s.status)
				r.Post("/start", s.start)
				r.Post("/check-post", s.checkPost)
				r.Get("/cases", s.listCases)
				r.Get("/cases/{id}", s.getCase)
				r.Post("/cases/{id}/confirm", s.confirmCase)
				r.Post("/cases/{id}/false-positive", s.falsePositive)
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/history", s.history)
				r.Get("/statistics", s.notificationStatistics)
				r.Get("/settings", s.getSettings)
				r.Put("/settings", s.putSettings)
				r.Post("/test", s.testNotification)
				r.Post("/telegram-link", s.telegramLink)
			})

			r.Route("/billing", func(r chi.Router) {
				r.Get("/my-subscription", s.mySubscription)
				r.Post("/create-payment", s.createPayment)
				r.Post("/process-payment", s.processPayment)
			})
		})
	})
	return r
}

func (s *Server) corsOrigins() []string {
	if len(s.opts.CORSOrigins) == 0 {
		return []string{"https://*.vk.com", "https://*.vk-apps.com"}
	}
	return s.opts.CORSOrigins
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
		s.log.Info("http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]string{"status": "ok", "cache": "ok"}
	status := http.StatusOK
	if err := s.Cache.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["cache"] = "unavailable"
		s.log.Warn("cache ping", "error", err)
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}
