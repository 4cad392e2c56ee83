package matcher

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"plagiarism_monitor/internal/fingerprint"
	"plagiarism_monitor/internal/model"
)

func TestCombine(t *testing.T) {
	tests := []struct {
		name     string
		scores   Scores
		channels Channels
		want     float64
		wantRisk model.Risk
	}{
		{
			name:     "both channels",
			scores:   Scores{Text: 0.9, Image: 0.75, HasText: true, HasImage: true},
			channels: AllChannels,
			want:     0.84,
			wantRisk: model.RiskHigh,
		},
		{
			name:     "text only present",
			scores:   Scores{Text: 0.65, HasText: true},
			channels: AllChannels,
			want:     0.65,
			wantRisk: model.RiskMedium,
		},
		{
			name:     "image channel disabled",
			scores:   Scores{Text: 0.5, Image: 1, HasText: true, HasImage: true},
			channels: Channels{Text: true},
			want:     0.5,
			wantRisk: model.RiskLow,
		},
		{
			name:     "no channels",
			scores:   Scores{},
			channels: AllChannels,
			want:     0,
			wantRisk: model.RiskLow,
		},
		{
			name:     "out of range clamped",
			scores:   Scores{Text: 1.3, HasText: true},
			channels: AllChannels,
			want:     1,
			wantRisk: model.RiskHigh,
		},
		{
			name:     "rounded",
			scores:   Scores{Text: 2.0 / 3, HasText: true},
			channels: AllChannels,
			want:     0.6667,
			wantRisk: model.RiskMedium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Combine(tt.scores, tt.channels, DefaultWeights)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Combine mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantRisk, Classify(got)); diff != "" {
				t.Errorf("Classify mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClassifyBoundaries(t *testing.T) {
	tests := []struct {
		score float64
		want  model.Risk
	}{
		{0.8, model.RiskHigh},
		{0.7999, model.RiskMedium},
		{0.6, model.RiskMedium},
		{0.5999, model.RiskLow},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, Classify(tt.score)); diff != "" {
			t.Errorf("Classify(%v) mismatch (-want +got):\n%s", tt.score, diff)
		}
	}
}

func TestSimilaritySymmetric(t *testing.T) {
	a := model.Fingerprint{
		Text:   fingerprint.TextSignature("Большая прогулка по набережной реки в солнечный осенний день"),
		Images: []uint64{0xff00ff00ff00ff00, 0x1},
	}
	b := model.Fingerprint{
		Text:   fingerprint.TextSignature("Большая прогулка по набережной реки в пасмурный осенний день"),
		Images: []uint64{0xff00ff00ff00ff01},
	}
	if diff := cmp.Diff(Compare(a, b), Compare(b, a)); diff != "" {
		t.Errorf("Compare not symmetric (-ab +ba):\n%s", diff)
	}
	if got := Compare(a, a); got.Text != 1 || got.Image != 1 {
		t.Errorf("self similarity = %+v, want 1 on both channels", got)
	}
}

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

const story = "Сегодня мы расскажем о самых красивых местах нашего города и о том, как туда добраться без машины."

func entry(key string, owner int64, offset time.Duration, text string, images ...uint64) Entry {
	return Entry{
		Key:         key,
		OwnerID:     owner,
		PublishedAt: base.Add(offset),
		Fingerprint: model.Fingerprint{Text: fingerprint.TextSignature(text), Images: images},
	}
}

func TestIndexBest(t *testing.T) {
	ix := NewIndex()
	if _, ok := ix.Best(model.Fingerprint{Text: fingerprint.TextSignature(story)}, Options{Channels: AllChannels}); ok {
		t.Fatal("empty index must not match")
	}

	ix.Add(entry("vk:-1_1", -1, 0, story))
	ix.Add(entry("vk:-2_1", -2, time.Hour, "Рецепт борща: свекла, капуста, картофель, морковь, лук и немного чеснока."))
	ix.Add(entry("vk:-3_1", -3, 2*time.Hour, "", 0xdeadbeefcafef00d))
	ix.Add(entry("vk:-1_1", -9, 0, "duplicate key is ignored"))

	if ix.Len() != 3 {
		t.Fatalf("Len = %d, want 3", ix.Len())
	}

	query := model.Fingerprint{Text: fingerprint.TextSignature(story)}
	m, ok := ix.Best(query, Options{ExcludeOwner: -5, Channels: AllChannels})
	if !ok {
		t.Fatal("expected a match")
	}
	if diff := cmp.Diff([]any{"vk:-1_1", 1.0, model.RiskHigh}, []any{m.Entry.Key, m.Overall, m.Risk}); diff != "" {
		t.Errorf("match mismatch (-want +got):\n%s", diff)
	}

	if _, ok := ix.Best(query, Options{ExcludeOwner: -1, Channels: AllChannels}); ok {
		t.Error("own wall must be excluded")
	}
	if _, ok := ix.Best(query, Options{ExcludeKey: "vk:-1_1", Channels: AllChannels}); ok {
		t.Error("query key must be excluded")
	}
	if _, ok := ix.Best(query, Options{Channels: Channels{Images: true}}); ok {
		t.Error("disabled text channel must not match on text")
	}

	img, ok := ix.Best(model.Fingerprint{Images: []uint64{0xdeadbeefcafef00f}}, Options{Channels: AllChannels})
	if !ok || img.Entry.Key != "vk:-3_1" {
		t.Fatalf("image lookup = %+v, %v", img, ok)
	}
	if img.Scores.Image != 1-1.0/64 {
		t.Errorf("image score = %v", img.Scores.Image)
	}
}

func TestIndexTieBreak(t *testing.T) {
	ix := NewIndex()
	ix.Add(entry("vk:-3_9", -3, 2*time.Hour, story))
	ix.Add(entry("vk:-2_9", -2, time.Hour, story))
	ix.Add(entry("vk:-4_1", -4, time.Hour, story))

	m, ok := ix.Best(model.Fingerprint{Text: fingerprint.TextSignature(story)}, Options{Channels: AllChannels})
	if !ok {
		t.Fatal("expected a match")
	}
	if diff := cmp.Diff("vk:-2_9", m.Entry.Key); diff != "" {
		t.Errorf("tie break mismatch (-want +got):\n%s", diff)
	}
}

func TestIndexPrune(t *testing.T) {
	ix := NewIndex()
	ix.Add(entry("old", -1, -48*time.Hour, story))
	ix.Add(entry("new", -2, 0, story))

	if n := ix.Prune(base.Add(-24 * time.Hour)); n != 1 {
		t.Errorf("Prune = %d, want 1", n)
	}
	m, ok := ix.Best(model.Fingerprint{Text: fingerprint.TextSignature(story)}, Options{Channels: AllChannels})
	if !ok || m.Entry.Key != "new" {
		t.Errorf("after prune got %+v, %v", m, ok)
	}
}

func TestIndexConcurrent(t *testing.T) {
	ix := NewIndex()
	query := model.Fingerprint{Text: fingerprint.TextSignature(story)}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ix.Add(entry(string(rune('a'+i)), int64(-i-1), time.Duration(i)*time.Minute, story))
		}()
		go func() {
			defer wg.Done()
			ix.Best(query, Options{Channels: AllChannels})
		}()
	}
	wg.Wait()

	if ix.Len() != 8 {
		t.Errorf("Len = %d, want 8", ix.Len())
	}
}

func TestIndexImageCandidatesStayFew(t *testing.T) {
	ix := NewIndex()
	rng := rand.New(rand.NewPCG(7, 11))
	for i := range 5000 {
		ix.Add(entry(fmt.Sprintf("vk:-%d_1", i+10), int64(-i-10), 0, "", rng.Uint64()))
	}

	query := rng.Uint64()
	ix.mu.RLock()
	n := len(ix.candidates(nil, imageQueryKeys([]uint64{query})))
	ix.mu.RUnlock()
	if n > 50 {
		t.Errorf("random query has %d candidates in a corpus of %d", n, ix.Len())
	}

	// Seven flipped bits spread over every band is the widest guaranteed
	// distance.
	near := query ^ (1 | 1<<1 | 1<<16 | 1<<17 | 1<<32 | 1<<33 | 1<<48)
	ix.Add(entry("vk:-2_1", -2, time.Hour, "", near))
	m, ok := ix.Best(model.Fingerprint{Images: []uint64{query}}, Options{Channels: Channels{Images: true}})
	if !ok || m.Entry.Key != "vk:-2_1" {
		t.Fatalf("near copy not found: %+v, %v", m, ok)
	}
	if diff := cmp.Diff(1-7.0/64, m.Scores.Image); diff != "" {
		t.Errorf("image score mismatch (-want +got):\n%s", diff)
	}
}
