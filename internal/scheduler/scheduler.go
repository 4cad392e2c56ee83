// Package scheduler runs monitoring passes over all monitored groups and
// on-demand checks of single posts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"plagiarism_monitor/internal/apperr"
	"plagiarism_monitor/internal/fetcher"
	"plagiarism_monitor/internal/filter"
	"plagiarism_monitor/internal/matcher"
	"plagiarism_monitor/internal/metrics"
	"plagiarism_monitor/internal/model"
	"plagiarism_monitor/internal/storage"
)

// Source provides posts to monitor.
type Source interface {
	NewPosts(ctx context.Context, ownerID int64, since time.Time) iter.Seq2[model.Post, error]
	Post(ctx context.Context, ownerID, postID int64) (model.Post, error)
	ReferenceFeed(ctx context.Context, url string) ([]model.Post, error)
}

// Extractor computes post fingerprints.
type Extractor interface {
	Extract(ctx context.Context, p model.Post) (model.Fingerprint, error)
}

// Recorder stores cases and notifies their owners.
type Recorder interface {
	Record(ctx context.Context, c *model.Case) (bool, error)
}

// Gate applies subscription state to a user's groups.
type Gate interface {
	Evaluate(ctx context.Context, u *model.User, now time.Time) (*model.User, error)
}

// Reporter sends a user's daily summary and subscription reminders.
type Reporter interface {
	DailyReport(ctx context.Context, u *model.User, now time.Time) error
}

// Config tunes a Scheduler.
type Config struct {
	Schedule        string
	Location        *time.Location
	Workers         int
	PostTimeout     time.Duration
	InitialLookback time.Duration
	Retention       time.Duration
	Threshold       float64
	ReferenceGroups []int64
	ReferenceFeeds  []string
}

// Scheduler owns the similarity index and the per-group run states.
type Scheduler struct {
	store     storage.Storage
	source    Source
	extractor Extractor
	index     *matcher.Index
	recorder  Recorder
	gate      Gate
	cfg       Config
	log       *slog.Logger
	now       func() time.Time

	cron      *cron.Cron
	passEntry cron.EntryID
	ctx       context.Context
	manual    sync.WaitGroup

	reporter       Reporter
	reportSchedule string

	mu       sync.Mutex
	groups   map[int64]*groupRecord
	lastPass time.Time

	running atomic.Int32
	refMu   sync.Mutex
}

// New creates a Scheduler.
func New(store storage.Storage, source Source, extractor Extractor, index *matcher.Index,
	recorder Recorder, gate Gate, cfg Config, log *slog.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PostTimeout <= 0 {
		cfg.PostTimeout = 20 * time.Second
	}
	if cfg.InitialLookback <= 0 {
		cfg.InitialLookback = 24 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.7
	}
	return &Scheduler{
		store:     store,
		source:    source,
		extractor: extractor,
		index:     index,
		recorder:  recorder,
		gate:      gate,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		ctx:       context.Background(),
		groups:    make(map[int64]*groupRecord),
	}
}

// SetReporter enables the daily report job on schedule. It must be called
// before Start.
func (s *Scheduler) SetReporter(r Reporter, schedule string) {
	s.reporter = r
	s.reportSchedule = schedule
}

// Start registers the scheduled pass, the daily retention job and, with a
// reporter set, the daily report job. Jobs run with ctx until Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	s.cron = cron.New(cron.WithLocation(s.cfg.Location))

	id, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if err := s.RunPass(ctx, "schedule"); err != nil {
			s.log.Error("scheduled pass", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", s.cfg.Schedule, err)
	}
	s.passEntry = id

	if _, err := s.cron.AddFunc("30 3 * * *", func() { s.Prune(ctx) }); err != nil {
		return fmt.Errorf("add prune job: %w", err)
	}
	if s.reporter != nil {
		if _, err := s.cron.AddFunc(s.reportSchedule, func() { s.SendReports(ctx) }); err != nil {
			return fmt.Errorf("parse report schedule %q: %w", s.reportSchedule, err)
		}
	}

	s.cron.Start()
	s.log.Info("scheduler started", "schedule", s.cfg.Schedule, "timezone", s.cfg.Location.String(),
		"next_run", s.cron.Entry(id).Next)
	return nil
}

// Stop stops scheduling and waits for running jobs and triggered runs.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.manual.Wait()
}

// WarmIndex loads the retained corpus from storage into the index.
func (s *Scheduler) WarmIndex(ctx context.Context) error {
	posts, err := s.store.ListPostsSince(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		return fmt.Errorf("load posts: %w", err)
	}
	for _, p := range posts {
		s.index.Add(entryOf(&p))
	}
	metrics.IndexSize.Set(float64(s.index.Len()))
	s.log.Info("index warmed", "posts", s.index.Len())
	return nil
}

// Prune drops posts older than the retention window.
func (s *Scheduler) Prune(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.Retention)
	removed := s.index.Prune(cutoff)
	n, err := s.store.PrunePosts(ctx, cutoff)
	if err != nil {
		s.log.Error("prune posts", "error", err)
	}
	metrics.IndexSize.Set(float64(s.index.Len()))
	s.log.Info("retention pruned", "index", removed, "stored", n)
}

// SendReports delivers the daily report to every user. Failures are logged
// per user.
func (s *Scheduler) SendReports(ctx context.Context) {
	if s.reporter == nil {
		return
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		s.log.Error("list users for reports", "error", err)
		return
	}
	now := s.now()
	failed := 0
	for i := range users {
		if err := s.reporter.DailyReport(ctx, &users[i], now); err != nil {
			failed++
			s.log.Error("daily report", "user_id", users[i].ID, "error", err)
		}
	}
	s.log.Info("daily reports sent", "users", len(users), "failed", failed)
}

func (s *Scheduler) record(groupID int64) *groupRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.groups[groupID]
	if !ok {
		r = &groupRecord{state: StateIdle}
		s.groups[groupID] = r
	}
	return r
}

// RunPass refreshes reference sources, applies subscription state and then
// processes every monitored group. Group failures are logged and do not
// stop the pass.
func (s *Scheduler) RunPass(ctx context.Context, trigger string) error {
	s.running.Add(1)
	defer s.running.Add(-1)
	start := s.now()
	defer func() { metrics.PassDuration.WithLabelValues(trigger).Observe(time.Since(start).Seconds()) }()

	s.log.Info("monitoring pass started", "trigger", trigger)
	s.refreshReferences(ctx)

	owners, err := s.store.ListGroupOwners(ctx)
	if err != nil {
		metrics.Passes.WithLabelValues(trigger, "error").Inc()
		return fmt.Errorf("list group owners: %w", err)
	}
	for i := range owners {
		if _, err := s.gate.Evaluate(ctx, &owners[i], start); err != nil {
			s.log.Error("evaluate subscription", "user_id", owners[i].ID, "error", err)
		}
	}

	groups, err := s.store.ListMonitoredGroups(ctx)
	if err != nil {
		metrics.Passes.WithLabelValues(trigger, "error").Inc()
		return fmt.Errorf("list monitored groups: %w", err)
	}
	failed := s.runGroups(ctx, groups)

	s.mu.Lock()
	s.lastPass = start
	s.mu.Unlock()

	metrics.Passes.WithLabelValues(trigger, "ok").Inc()
	s.log.Info("monitoring pass finished", "trigger", trigger, "groups", len(groups),
		"failed", failed, "duration", time.Since(start).Round(time.Millisecond))
	return ctx.Err()
}

// runGroups processes groups concurrently with a bounded number of workers
// and returns how many failed.
func (s *Scheduler) runGroups(ctx context.Context, groups []model.Group) int {
	var failed atomic.Int32
	var eg errgroup.Group
	eg.SetLimit(s.cfg.Workers)
	for _, g := range groups {
		eg.Go(func() error {
			if err := s.RunGroup(ctx, g); err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = eg.Wait()
	return int(failed.Load())
}

// ErrBusy is returned by RunGroup when the group is already being processed.
var ErrBusy = errors.New("group run already in progress")

// RunGroup fetches the group's new posts, fingerprints them and matches them
// against the corpus. Runs of the same group never overlap. On failure the
// group's last check is not advanced, so the next run retries the window.
// When the wall has more new posts than one run may fetch, the fetched posts
// are still processed but the run fails so the rest of the window is kept.
func (s *Scheduler) RunGroup(ctx context.Context, g model.Group) (err error) {
	rec := s.record(g.ID)
	if !rec.run.TryLock() {
		s.log.Info("group run skipped, previous run still active", "group_id", g.ID)
		return ErrBusy
	}
	defer rec.run.Unlock()

	start := s.now()
	rec.begin(start)
	log := s.log.With("group_id", g.ID, "vk_group_id", g.VKGroupID)
	defer func() {
		rec.finish(s.now(), err)
		outcome := "ok"
		if err != nil {
			outcome = "failed"
			log.Error("group run failed", "error", err)
		}
		metrics.GroupRuns.WithLabelValues(outcome).Inc()
	}()

	since := start.Add(-s.cfg.InitialLookback)
	if g.LastCheck != nil {
		since = *g.LastCheck
	}

	var posts []model.Post
	var truncated error
	for p, ferr := range s.source.NewPosts(ctx, g.OwnerID(), since) {
		if ferr != nil {
			metrics.FetchErrors.WithLabelValues(string(apperr.KindOf(ferr))).Inc()
			if errors.Is(ferr, fetcher.ErrPageLimit) {
				truncated = ferr
				break
			}
			if apperr.Is(ferr, apperr.Auth) {
				if serr := s.store.SuspendGroup(ctx, g.ID, model.SuspendPermissionRevoked); serr != nil {
					log.Error("suspend group", "error", serr)
				} else {
					log.Warn("group suspended, access revoked")
				}
			}
			return fmt.Errorf("fetch posts: %w", ferr)
		}
		posts = append(posts, p)
	}
	// Oldest first, so earlier posts are indexed before their copies.
	slices.Reverse(posts)

	rec.enter(StateExtracting)
	rules := filter.ForGroup(g)
	var ingested []*model.StoredPost
	for _, p := range posts {
		sp, ierr := s.ingest(ctx, p, rules)
		if ierr != nil {
			return fmt.Errorf("ingest %s: %w", p.Key, ierr)
		}
		if sp != nil {
			ingested = append(ingested, sp)
		}
	}

	rec.enter(StateMatching)
	for _, sp := range ingested {
		if err := s.match(ctx, sp, matcher.ChannelsFor(g)); err != nil {
			return fmt.Errorf("match %s: %w", sp.Key, err)
		}
	}

	if truncated != nil {
		return fmt.Errorf("fetch posts: %w", truncated)
	}
	if err := s.store.FinishGroupCheck(ctx, g.ID, len(posts), start); err != nil {
		return fmt.Errorf("finish group check: %w", err)
	}
	log.Info("group checked", "posts", len(posts), "indexed", len(ingested))
	return nil
}

// RunUser processes the user's monitored groups. It reports how many groups
// were processed without error.
func (s *Scheduler) RunUser(ctx context.Context, userID int64) (int, error) {
	groups, err := s.store.ListGroups(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list groups: %w", err)
	}
	groups = slices.DeleteFunc(groups, func(g model.Group) bool { return !g.Monitored() })
	failed := s.runGroups(ctx, groups)
	return len(groups) - failed, nil
}

// TriggerUser starts a run of the user's monitored groups in the
// background and returns how many groups it covers.
func (s *Scheduler) TriggerUser(ctx context.Context, userID int64) (int, error) {
	groups, err := s.store.ListGroups(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list groups: %w", err)
	}
	n := 0
	for _, g := range groups {
		if g.Monitored() {
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	s.manual.Add(1)
	go func() {
		defer s.manual.Done()
		s.running.Add(1)
		defer s.running.Add(-1)
		if _, err := s.RunUser(s.ctx, userID); err != nil {
			s.log.Error("user run", "user_id", userID, "error", err)
		}
		metrics.Passes.WithLabelValues("manual", "ok").Inc()
	}()
	return n, nil
}

// Status is the monitoring state reported to a user.
type Status struct {
	IsRunning    bool          `json:"is_running"`
	LastRun      *time.Time    `json:"last_run"`
	NextRun      *time.Time    `json:"next_run"`
	IndexedPosts int           `json:"indexed_posts"`
	ActiveGroups int           `json:"active_groups"`
	Groups       []GroupStatus `json:"groups"`
}

// Status reports the scheduler state for the given groups.
func (s *Scheduler) Status(groups []model.Group) Status {
	st := Status{IsRunning: s.running.Load() > 0, IndexedPosts: s.index.Len(), Groups: []GroupStatus{}}

	s.mu.Lock()
	if !s.lastPass.IsZero() {
		t := s.lastPass
		st.LastRun = &t
	}
	s.mu.Unlock()

	if s.cron != nil {
		if next := s.cron.Entry(s.passEntry).Next; !next.IsZero() {
			st.NextRun = &next
		}
	}
	for _, g := range groups {
		if g.Monitored() {
			st.ActiveGroups++
		}
		gs := s.record(g.ID).snapshot(g.ID)
		if gs.State != StateIdle {
			st.IsRunning = st.IsRunning || gs.State != StateFailed
		}
		st.Groups = append(st.Groups, gs)
	}
	return st
}
