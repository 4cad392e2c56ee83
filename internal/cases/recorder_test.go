package cases

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"

	"plagiarism_monitor/internal/cache"
	"plagiarism_monitor/internal/matcher"
	"plagiarism_monitor/internal/model"
	"plagiarism_monitor/internal/storage"
)

type countingNotifier struct {
	calls []int64
}

func (n *countingNotifier) NotifyCase(_ context.Context, c *model.Case) (bool, error) {
	n.calls = append(n.calls, c.ID)
	return true, nil
}

func TestRecordOnce(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	client, err := cache.Connect("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	jc := cache.NewRedis(client, "pm")

	u := &model.User{VKID: 1}
	if _, err := db.UpsertUser(ctx, u); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	g := &model.Group{UserID: u.ID, VKGroupID: 10, Name: "Котики", IsActive: true}
	if err := db.CreateGroup(ctx, g, 1); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := jc.SetJSON(ctx, StatsKey(u.ID), map[string]int{"total": 0}, time.Minute); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	original := model.Post{Key: "vk:-10_1", OwnerID: -10, PostID: 1, URL: model.WallURL(-10, 1), Text: "orig"}
	copyPost := model.Post{Key: "vk:-20_5", OwnerID: -20, PostID: 5, URL: model.WallURL(-20, 5), Text: "copy"}
	m := &matcher.Match{
		Scores:  matcher.Scores{Text: 0.9, Image: 0.75, HasText: true, HasImage: true},
		Overall: 0.84,
		Risk:    model.RiskHigh,
	}

	n := &countingNotifier{}
	r := NewRecorder(db, n, jc, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var created []bool
	for range 2 {
		ok, err := r.Record(ctx, Build(*g, original, copyPost, m))
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		created = append(created, ok)
	}
	if diff := cmp.Diff([]bool{true, false}, created); diff != "" {
		t.Errorf("created mismatch (-want +got):\n%s", diff)
	}
	if len(n.calls) != 1 {
		t.Errorf("notified %d times, want 1", len(n.calls))
	}
	if mr.Exists("pm:" + StatsKey(u.ID)) {
		t.Error("statistics cache must be invalidated")
	}

	stored, err := db.GetGroup(ctx, g.ID)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if stored.PlagiarismFound != 1 {
		t.Errorf("plagiarism_found = %d, want 1", stored.PlagiarismFound)
	}

	got, err := db.GetCase(ctx, u.ID, n.calls[0])
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	want := []any{"Котики", int64(-10), int64(-20), 0.9, 0.75, 0.84, model.RiskHigh}
	gotFields := []any{got.GroupName, got.OriginalOwnerID, got.PlagiarizedOwnerID,
		got.TextSimilarity, got.ImageSimilarity, got.OverallSimilarity, got.Risk}
	if diff := cmp.Diff(want, gotFields); diff != "" {
		t.Errorf("case mismatch (-want +got):\n%s", diff)
	}
}
