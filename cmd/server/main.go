package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"plagiarism_monitor/internal/api"
	"plagiarism_monitor/internal/auth"
	"plagiarism_monitor/internal/billing"
	"plagiarism_monitor/internal/cache"
	"plagiarism_monitor/internal/cases"
	"plagiarism_monitor/internal/config"
	"plagiarism_monitor/internal/fetcher"
	"plagiarism_monitor/internal/fingerprint"
	"plagiarism_monitor/internal/matcher"
	"plagiarism_monitor/internal/notify"
	"plagiarism_monitor/internal/scheduler"
	"plagiarism_monitor/internal/storage"
	"plagiarism_monitor/internal/subscription"
	"plagiarism_monitor/internal/telegram"
	"plagiarism_monitor/internal/vk"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("load .env", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	if err := run(cfg, log); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loc := cfg.Location()
	httpClient := &http.Client{Timeout: 30 * time.Second}
	vkClient := vk.New(httpClient, cfg.VKAPIURL, cfg.VKAPIVersion, cfg.VKAccessToken, cfg.VKGroupToken)

	var (
		jsonCache cache.JSONCache = cache.Noop{}
		limiter   cache.Limiter   = cache.NewMemoryLimiter(cfg.CheckPostPerMinute, time.Minute)
	)
	if cfg.RedisURL != "" {
		client, err := cache.Connect(cfg.RedisURL)
		if err != nil {
			log.Warn("redis unavailable, using in-process cache", "error", err)
		} else {
			defer func() { _ = client.Close() }()
			jsonCache = cache.NewRedis(client, "monitor")
			limiter = cache.NewRedisLimiter(client, "monitor", cfg.CheckPostPerMinute, time.Minute)
		}
	}

	opts := notify.Options{DailyLimit: cfg.MaxNotificationsPerDay, Location: loc}
	if vkClient.CanSendMessages() {
		opts.VK = notify.NewVKSender(vkClient)
	}
	var bot *telegram.Bot
	var botName string
	if cfg.TelegramBotToken != "" {
		tg, err := telegram.NewAPI(cfg.TelegramBotToken)
		if err != nil {
			return err
		}
		botName = tg.Self.UserName
		opts.Telegram = notify.NewTelegramSender(tg)
		bot = telegram.New(tg, store, telegram.Options{Location: loc, DailyLimit: cfg.MaxNotificationsPerDay}, log)
	}
	notifier := notify.New(store, opts, log)

	subs := subscription.NewService(store, log)
	source := fetcher.New(vkClient, httpClient, fetcher.Options{
		MaxAttempts: cfg.FetchMaxAttempts,
		MaxPages:    cfg.FetchMaxPages,
	}, log)
	sched := scheduler.New(store, source, fingerprint.NewExtractor(source), matcher.NewIndex(),
		cases.NewRecorder(store, notifier, jsonCache, log), subs, scheduler.Config{
			Schedule:        cfg.MonitorSchedule,
			Location:        loc,
			Workers:         cfg.MonitorWorkers,
			PostTimeout:     cfg.PostTimeout,
			InitialLookback: cfg.InitialLookback,
			Retention:       time.Duration(cfg.RetentionDays) * 24 * time.Hour,
			Threshold:       cfg.SimilarityThreshold,
			ReferenceGroups: cfg.ReferenceGroupIDs,
			ReferenceFeeds:  cfg.ReferenceFeeds,
		}, log)

	sched.SetReporter(notifier, cfg.ReportSchedule)

	if err := sched.WarmIndex(ctx); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	if bot != nil {
		log.Info("starting telegram bot", "username", botName)
		go bot.Run(ctx)
	}

	server := api.New(api.Deps{
		Store:         store,
		Tokens:        auth.NewTokens(cfg.SecretKey, cfg.AccessTokenTTL, jsonCache),
		Communities:   vkClient,
		Monitor:       sched,
		Subscriptions: subs,
		Notifier:      notifier,
		Payments:      billing.NewService(store, subs, cfg.VKPayMerchantID, cfg.VKPaySecretKey, log),
		Cache:         jsonCache,
		Limiter:       limiter,
	}, api.Options{
		CORSOrigins: cfg.CORSOrigins,
		VKAppSecret: cfg.VKAppSecret,
		DailyLimit:  cfg.MaxNotificationsPerDay,
		Location:    loc,
		TelegramBot: botName,
	}, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.HTTPAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
