package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"plagiarism_monitor/internal/model"
)

var ignoreGroupTS = cmpopts.IgnoreFields(model.Group{}, "ID", "UserID", "CreatedAt", "LastCheck")

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestUser(t *testing.T, s *SQLite, vkID int64) *model.User {
	t.Helper()
	u := &model.User{VKID: vkID, FirstName: "Ivan", LastName: "Petrov"}
	if _, err := s.UpsertUser(context.Background(), u); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	return u
}

func newTestGroup(t *testing.T, s *SQLite, userID, vkGroupID int64) *model.Group {
	t.Helper()
	g := &model.Group{
		UserID: userID, VKGroupID: vkGroupID, Name: fmt.Sprintf("group %d", vkGroupID),
		IsActive: true, CheckText: true, CheckImages: true, ExcludeReposts: true,
	}
	if err := s.CreateGroup(context.Background(), g, 100); err != nil {
		t.Fatalf("create group: %v", err)
	}
	return g
}

func testCase(g *model.Group, suspect string) *model.Case {
	return &model.Case{
		GroupID:            g.ID,
		UserID:             g.UserID,
		OriginalKey:        model.PostKey(g.OwnerID(), 1),
		OriginalOwnerID:    g.OwnerID(),
		OriginalPostID:     1,
		OriginalURL:        model.WallURL(g.OwnerID(), 1),
		PlagiarizedKey:     suspect,
		PlagiarizedOwnerID: -999,
		PlagiarizedPostID:  7,
		TextSimilarity:     0.9,
		ImageSimilarity:    0.75,
		OverallSimilarity:  0.84,
		Risk:               model.RiskHigh,
	}
}

func TestUpsertUser(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	u := &model.User{VKID: 42, FirstName: "Anna"}
	created, err := s.UpsertUser(ctx, u)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !created {
		t.Error("expected first login to create the user")
	}
	if diff := cmp.Diff(model.TierFree, u.SubscriptionType); diff != "" {
		t.Errorf("tier mismatch (-want +got):\n%s", diff)
	}
	if !u.NotificationsEnabled {
		t.Error("notifications should default to enabled")
	}

	again := &model.User{VKID: 42, FirstName: "Anna", LastName: "K"}
	created, err = s.UpsertUser(ctx, again)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Error("second login must not create a new user")
	}
	if diff := cmp.Diff(u.ID, again.ID); diff != "" {
		t.Errorf("id mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("K", again.LastName); diff != "" {
		t.Errorf("last name mismatch (-want +got):\n%s", diff)
	}
}

func TestListUsers(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	owner := newTestUser(t, s, 1)
	newTestGroup(t, s, owner.ID, 10)
	lone := newTestUser(t, s, 2)

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	var ids []int64
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	if diff := cmp.Diff([]int64{owner.ID, lone.ID}, ids); diff != "" {
		t.Errorf("users mismatch (-want +got):\n%s", diff)
	}

	owners, err := s.ListGroupOwners(ctx)
	if err != nil {
		t.Fatalf("list owners: %v", err)
	}
	if len(owners) != 1 || owners[0].ID != owner.ID {
		t.Errorf("owners = %+v", owners)
	}
}

func TestWindowAt(t *testing.T) {
	moscow := time.FixedZone("MSK", 3*60*60)
	// 01:30 in Moscow is still the previous day in UTC.
	now := time.Date(2026, 3, 19, 22, 30, 0, 0, time.UTC)
	want := StatsWindow{
		Today: time.Date(2026, 3, 19, 21, 0, 0, 0, time.UTC),
		Week:  time.Date(2026, 3, 12, 22, 30, 0, 0, time.UTC),
		Month: time.Date(2026, 2, 17, 22, 30, 0, 0, time.UTC),
	}
	if diff := cmp.Diff(want, WindowAt(now, moscow)); diff != "" {
		t.Errorf("window mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateGroupLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	u := newTestUser(t, s, 1)

	first := &model.Group{UserID: u.ID, VKGroupID: 100, Name: "first", IsActive: true, CheckText: true}
	if err := s.CreateGroup(ctx, first, 1); err != nil {
		t.Fatalf("create first: %v", err)
	}

	second := &model.Group{UserID: u.ID, VKGroupID: 200, Name: "second", IsActive: true}
	if err := s.CreateGroup(ctx, second, 1); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("create second: got %v, want ErrLimitExceeded", err)
	}

	dup := &model.Group{UserID: u.ID, VKGroupID: 100, Name: "dup", IsActive: true}
	if err := s.CreateGroup(ctx, dup, 5); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate: got %v, want ErrConflict", err)
	}

	if err := s.DeleteGroup(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetGroup(ctx, first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get deleted: got %v, want ErrNotFound", err)
	}

	revived := &model.Group{UserID: u.ID, VKGroupID: 100, Name: "again", IsActive: true, CheckImages: true}
	if err := s.CreateGroup(ctx, revived, 1); err != nil {
		t.Fatalf("revive: %v", err)
	}
	if diff := cmp.Diff(first.ID, revived.ID); diff != "" {
		t.Errorf("revived id mismatch (-want +got):\n%s", diff)
	}
	want := model.Group{VKGroupID: 100, Name: "again", IsActive: true, CheckImages: true}
	if diff := cmp.Diff(want, *revived, ignoreGroupTS); diff != "" {
		t.Errorf("revived group mismatch (-want +got):\n%s", diff)
	}
}

func TestEnforceGroupLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	u := newTestUser(t, s, 1)
	g1 := newTestGroup(t, s, u.ID, 1)
	g2 := newTestGroup(t, s, u.ID, 2)
	g3 := newTestGroup(t, s, u.ID, 3)

	suspended, resumed, err := s.EnforceGroupLimit(ctx, u.ID, 1)
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}
	if diff := cmp.Diff([2]int{2, 0}, [2]int{suspended, resumed}); diff != "" {
		t.Errorf("downgrade counts mismatch (-want +got):\n%s", diff)
	}

	monitored, err := s.ListMonitoredGroups(ctx)
	if err != nil {
		t.Fatalf("list monitored: %v", err)
	}
	if diff := cmp.Diff([]int64{g1.ID}, groupIDs(monitored)); diff != "" {
		t.Errorf("oldest group should keep its slot (-want +got):\n%s", diff)
	}

	extra := &model.Group{UserID: u.ID, VKGroupID: 4, IsActive: true}
	if err := s.CreateGroup(ctx, extra, 1); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("create while full: got %v, want ErrLimitExceeded", err)
	}

	suspended, resumed, err = s.EnforceGroupLimit(ctx, u.ID, 5)
	if err != nil {
		t.Fatalf("enforce upgrade: %v", err)
	}
	if diff := cmp.Diff([2]int{0, 2}, [2]int{suspended, resumed}); diff != "" {
		t.Errorf("upgrade counts mismatch (-want +got):\n%s", diff)
	}
	monitored, _ = s.ListMonitoredGroups(ctx)
	if diff := cmp.Diff([]int64{g1.ID, g2.ID, g3.ID}, groupIDs(monitored)); diff != "" {
		t.Errorf("all groups should be monitored again (-want +got):\n%s", diff)
	}
}

func TestEnforceGroupLimitCountsRevokedGroups(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	u := newTestUser(t, s, 1)
	g1 := newTestGroup(t, s, u.ID, 1)
	g2 := newTestGroup(t, s, u.ID, 2)

	if err := s.SuspendGroup(ctx, g1.ID, model.SuspendPermissionRevoked); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if _, _, err := s.EnforceGroupLimit(ctx, u.ID, 1); err != nil {
		t.Fatalf("enforce: %v", err)
	}
	got, err := s.GetGroup(ctx, g2.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(model.SuspendCapacity, got.SuspendReason); diff != "" {
		t.Errorf("reason mismatch (-want +got):\n%s", diff)
	}

	n, err := s.ResumeGroups(ctx, u.ID, model.SuspendPermissionRevoked)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if diff := cmp.Diff(1, n); diff != "" {
		t.Errorf("resumed mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordCaseCounters(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	u := newTestUser(t, s, 1)
	g := newTestGroup(t, s, u.ID, 10)

	created, err := s.RecordCase(ctx, testCase(g, "vk:-999_7"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !created {
		t.Fatal("expected case to be created")
	}
	created, err = s.RecordCase(ctx, testCase(g, "vk:-999_7"))
	if err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
	if created {
		t.Error("duplicate case must be ignored")
	}

	gotGroup, _ := s.GetGroup(ctx, g.ID)
	gotUser, _ := s.GetUser(ctx, u.ID)
	if diff := cmp.Diff([2]int{1, 1}, [2]int{gotGroup.PlagiarismFound, gotUser.TotalPlagiarismFound}); diff != "" {
		t.Errorf("counters mismatch (-want +got):\n%s", diff)
	}

	cases, total, err := s.ListCases(ctx, CaseFilter{UserID: u.ID, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff(1, total); diff != "" {
		t.Errorf("total mismatch (-want +got):\n%s", diff)
	}
	want := *testCase(g, "vk:-999_7")
	want.ID = cases[0].ID
	want.GroupName = g.Name
	if diff := cmp.Diff(want, cases[0], cmpopts.IgnoreFields(model.Case{}, "CreatedAt")); diff != "" {
		t.Errorf("case mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordCaseConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	u := newTestUser(t, s, 1)
	g := newTestGroup(t, s, u.ID, 10)

	const workers = 25
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.RecordCase(ctx, testCase(g, model.PostKey(-999, int64(i)))); err != nil {
				t.Errorf("record %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	gotGroup, _ := s.GetGroup(ctx, g.ID)
	gotUser, _ := s.GetUser(ctx, u.ID)
	if diff := cmp.Diff([2]int{workers, workers}, [2]int{gotGroup.PlagiarismFound, gotUser.TotalPlagiarismFound}); diff != "" {
		t.Errorf("counters mismatch (-want +got):\n%s", diff)
	}
}

func TestReserveNotificationCap(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	u := newTestUser(t, s, 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	var mu sync.Mutex
	reserved := 0
	for range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ReserveNotification(ctx, u.ID, "2026-03-01", now, 10)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if ok {
				mu.Lock()
				reserved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if diff := cmp.Diff(10, reserved); diff != "" {
		t.Errorf("reserved mismatch (-want +got):\n%s", diff)
	}

	if err := s.ReleaseNotification(ctx, u.ID, "2026-03-01"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ := s.ReserveNotification(ctx, u.ID, "2026-03-01", now, 10)
	if !ok {
		t.Error("released slot should be reusable")
	}

	ok, _ = s.ReserveNotification(ctx, u.ID, "2026-03-02", now.Add(24*time.Hour), 10)
	if !ok {
		t.Fatal("counter should reset on a new day")
	}
	got, _ := s.GetUser(ctx, u.ID)
	if diff := cmp.Diff([2]any{1, "2026-03-02"}, [2]any{got.NotificationsSentToday, got.NotificationDay}); diff != "" {
		t.Errorf("reset mismatch (-want +got):\n%s", diff)
	}

	if err := s.SetNotificationsEnabled(ctx, u.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	ok, _ = s.ReserveNotification(ctx, u.ID, "2026-03-02", now, 10)
	if ok {
		t.Error("disabled user must not get a slot")
	}
}

func TestPosts(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	published := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	p := &model.StoredPost{
		Post: model.Post{
			Key: model.PostKey(-1, 5), Source: model.SourceVK, OwnerID: -1, PostID: 5,
			URL: model.WallURL(-1, 5), Text: "hello", ImageURLs: []string{"https://img/1.jpg"},
			PublishedAt: published,
		},
		Fingerprint: model.Fingerprint{ContentHash: "abc", Text: []uint64{1, 2, 3}, Images: []uint64{0xdeadbeef}},
		FetchedAt:   published,
	}
	if err := s.SavePost(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SavePost(ctx, p); err != nil {
		t.Fatalf("save again: %v", err)
	}

	got, err := s.GetPost(ctx, p.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(*p, *got); diff != "" {
		t.Errorf("post mismatch (-want +got):\n%s", diff)
	}

	if err := s.MarkPostMatched(ctx, p.Key); err != nil {
		t.Fatalf("mark matched: %v", err)
	}
	if got, _ = s.GetPost(ctx, p.Key); !got.Matched {
		t.Error("post must be matched")
	}
	if err := s.MarkPostMatched(ctx, "vk:-1_404"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown post: got %v, want ErrNotFound", err)
	}

	fp, err := s.FingerprintByHash(ctx, "abc")
	if err != nil {
		t.Fatalf("fingerprint by hash: %v", err)
	}
	if diff := cmp.Diff(p.Fingerprint, *fp); diff != "" {
		t.Errorf("fingerprint mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.FingerprintByHash(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing hash: got %v, want ErrNotFound", err)
	}

	posts, err := s.ListPostsSince(ctx, published.Add(-time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff(1, len(posts)); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}

	n, err := s.PrunePosts(ctx, published.Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if diff := cmp.Diff(int64(1), n); diff != "" {
		t.Errorf("pruned mismatch (-want +got):\n%s", diff)
	}
	exists, _ := s.PostExists(ctx, p.Key)
	if exists {
		t.Error("post should be pruned")
	}
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	u := newTestUser(t, s, 1)
	g := newTestGroup(t, s, u.ID, 10)
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)

	for i, age := range []time.Duration{time.Hour, 3 * 24 * time.Hour, 20 * 24 * time.Hour, 60 * 24 * time.Hour} {
		c := testCase(g, model.PostKey(-999, int64(i)))
		c.CreatedAt = now.Add(-age)
		if _, err := s.RecordCase(ctx, c); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := s.FinishGroupCheck(ctx, g.ID, 42, now); err != nil {
		t.Fatalf("finish check: %v", err)
	}

	got, err := s.Statistics(ctx, u.ID, StatsWindow{
		Today: now.Truncate(24 * time.Hour),
		Week:  now.Add(-7 * 24 * time.Hour),
		Month: now.Add(-30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	want := &model.Statistics{
		Today: 1, Week: 2, Month: 3, Total: 4,
		TotalPlagiarismFound: 4, TotalPostsChecked: 42, ActiveGroups: 1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("statistics mismatch (-want +got):\n%s", diff)
	}
}

func TestCaseStatusAndNotified(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	u := newTestUser(t, s, 1)
	other := newTestUser(t, s, 2)
	g := newTestGroup(t, s, u.ID, 10)

	c := testCase(g, "vk:-999_1")
	if _, err := s.RecordCase(ctx, c); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := s.SetCaseStatus(ctx, other.ID, c.ID, model.CaseConfirmed); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign user: got %v, want ErrNotFound", err)
	}
	if err := s.SetCaseStatus(ctx, u.ID, c.ID, model.CaseFalsePositive); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := s.MarkCaseNotified(ctx, c.ID, time.Now()); err != nil {
		t.Fatalf("mark notified: %v", err)
	}

	got, err := s.ListNotifiedCases(ctx, u.ID, 10)
	if err != nil {
		t.Fatalf("list notified: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d notified cases, want 1", len(got))
	}
	if diff := cmp.Diff([3]bool{false, true, true}, [3]bool{got[0].IsConfirmed, got[0].IsFalsePositive, got[0].NotificationSent}); diff != "" {
		t.Errorf("flags mismatch (-want +got):\n%s", diff)
	}
}

func TestPayments(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	u := newTestUser(t, s, 1)

	p := &model.Payment{OrderID: "order-1", UserID: u.ID, Tier: model.TierStandard, Amount: 79900}
	if err := s.CreatePayment(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i, want := range []bool{true, false} {
		got, err := s.MarkPaymentPaid(ctx, "order-1", time.Now())
		if err != nil {
			t.Fatalf("mark paid %d: %v", i, err)
		}
		if got != want {
			t.Errorf("mark paid %d = %v, want %v", i, got, want)
		}
	}

	got, err := s.GetPayment(ctx, "order-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(model.PaymentPaid, got.Status); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestTelegramLink(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	u := newTestUser(t, s, 1)
	now := time.Now()

	if err := s.CreateTelegramLink(ctx, "code1", u.ID, now.Add(time.Hour)); err != nil {
		t.Fatalf("create link: %v", err)
	}
	if err := s.CreateTelegramLink(ctx, "stale", u.ID, now.Add(-time.Hour)); err != nil {
		t.Fatalf("create stale link: %v", err)
	}

	if _, err := s.ConsumeTelegramLink(ctx, "stale", 555, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale code: got %v, want ErrNotFound", err)
	}

	linked, err := s.ConsumeTelegramLink(ctx, "code1", 555, now)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !linked.TelegramLinked || linked.TelegramChatID != 555 {
		t.Errorf("user not linked: %+v", linked)
	}
	if _, err := s.ConsumeTelegramLink(ctx, "code1", 555, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("reused code: got %v, want ErrNotFound", err)
	}

	byChat, err := s.UserByTelegramChat(ctx, 555)
	if err != nil {
		t.Fatalf("by chat: %v", err)
	}
	if diff := cmp.Diff(u.ID, byChat.ID); diff != "" {
		t.Errorf("user mismatch (-want +got):\n%s", diff)
	}

	if err := s.SetTelegramChat(ctx, u.ID, 0); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := s.UserByTelegramChat(ctx, 555); !errors.Is(err, ErrNotFound) {
		t.Errorf("after unlink: got %v, want ErrNotFound", err)
	}
}

func TestSourceCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	got, err := s.SourceCheckpoint(ctx, "rss:https://example.com/feed")
	if err != nil || got != nil {
		t.Fatalf("missing checkpoint = %v, %v; want nil, nil", got, err)
	}

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for _, ts := range []time.Time{at.Add(-time.Hour), at} {
		if err := s.SetSourceCheckpoint(ctx, "rss:https://example.com/feed", ts); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	got, err = s.SourceCheckpoint(ctx, "rss:https://example.com/feed")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(at, *got); diff != "" {
		t.Errorf("checkpoint mismatch (-want +got):\n%s", diff)
	}
}

func groupIDs(groups []model.Group) []int64 {
	var ids []int64
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	return ids
}
