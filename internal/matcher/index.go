package matcher

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"plagiarism_monitor/internal/model"
)

// LSH parameters. bands*rows must equal the signature size. Image hashes
// are cut into imageBands bands of imageBandBits bits each.
const (
	textBands     = 32
	textRows      = 4
	imageBands    = 4
	imageBandBits = 16
)

// Entry is an indexed post.
type Entry struct {
	Key         string
	OwnerID     int64
	PublishedAt time.Time
	Fingerprint model.Fingerprint
}

// Match is the best candidate found for a query.
type Match struct {
	Entry   Entry
	Scores  Scores
	Overall float64
	Risk    model.Risk
}

// Options control a lookup.
type Options struct {
	// ExcludeOwner drops candidates from the same wall as the query.
	ExcludeOwner int64
	// ExcludeKey drops the query post itself.
	ExcludeKey string
	Channels   Channels
	Weights    Weights
}

type bucketKey struct {
	band int
	sum  uint64
}

// Index is an in-memory similarity index over the corpus. Lookups run
// concurrently, inserts take a short exclusive lock.
type Index struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	text    map[bucketKey]map[string]struct{}
	images  map[bucketKey]map[string]struct{}
}

// NewIndex creates an empty Index.
func NewIndex() *Index {
	return &Index{
		entries: make(map[string]*Entry),
		text:    make(map[bucketKey]map[string]struct{}),
		images:  make(map[bucketKey]map[string]struct{}),
	}
}

// Len returns the number of indexed posts.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Add indexes e. Adding a key twice keeps the first entry.
func (ix *Index) Add(e Entry) {
	if e.Fingerprint.Empty() {
		return
	}
	tk, ik := textKeys(e.Fingerprint.Text), imageKeys(e.Fingerprint.Images)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.entries[e.Key]; ok {
		return
	}
	ix.entries[e.Key] = &e
	insert(ix.text, tk, e.Key)
	insert(ix.images, ik, e.Key)
}

// Prune drops entries published before the cutoff and returns how many were
// removed.
func (ix *Index) Prune(before time.Time) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	n := 0
	for key, e := range ix.entries {
		if !e.PublishedAt.Before(before) {
			continue
		}
		remove(ix.text, textKeys(e.Fingerprint.Text), key)
		remove(ix.images, imageKeys(e.Fingerprint.Images), key)
		delete(ix.entries, key)
		n++
	}
	return n
}

// Best returns the most similar indexed post. Ties are broken by the
// earliest publication time, then by key. An empty index yields no match.
func (ix *Index) Best(fp model.Fingerprint, opts Options) (*Match, bool) {
	w := opts.Weights
	if w == (Weights{}) {
		w = DefaultWeights
	}
	var tk, ik []bucketKey
	if opts.Channels.Text {
		tk = textKeys(fp.Text)
	}
	if opts.Channels.Images {
		ik = imageQueryKeys(fp.Images)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var best *Match
	for key := range ix.candidates(tk, ik) {
		e := ix.entries[key]
		if e == nil || key == opts.ExcludeKey || (opts.ExcludeOwner != 0 && e.OwnerID == opts.ExcludeOwner) {
			continue
		}
		s := Compare(fp, e.Fingerprint)
		overall := Combine(s, opts.Channels, w)
		if overall == 0 {
			continue
		}
		if best == nil || better(overall, e, best) {
			best = &Match{Entry: *e, Scores: s, Overall: overall, Risk: Classify(overall)}
		}
	}
	return best, best != nil
}

// candidates returns the keys sharing at least one bucket with the query
// keys. The caller holds ix.mu.
func (ix *Index) candidates(tk, ik []bucketKey) map[string]struct{} {
	out := make(map[string]struct{})
	for _, k := range tk {
		for key := range ix.text[k] {
			out[key] = struct{}{}
		}
	}
	for _, k := range ik {
		for key := range ix.images[k] {
			out[key] = struct{}{}
		}
	}
	return out
}

func better(overall float64, e *Entry, cur *Match) bool {
	if overall != cur.Overall {
		return overall > cur.Overall
	}
	if !e.PublishedAt.Equal(cur.Entry.PublishedAt) {
		return e.PublishedAt.Before(cur.Entry.PublishedAt)
	}
	return e.Key < cur.Entry.Key
}

// textKeys splits a MinHash signature into LSH bands.
func textKeys(sig []uint64) []bucketKey {
	if len(sig) != textBands*textRows {
		return nil
	}
	keys := make([]bucketKey, textBands)
	buf := make([]byte, 8*textRows)
	for b := range textBands {
		for r := range textRows {
			binary.LittleEndian.PutUint64(buf[r*8:], sig[b*textRows+r])
		}
		keys[b] = bucketKey{band: b, sum: xxhash.Sum64(buf)}
	}
	return keys
}

const imageBandMask = 1<<imageBandBits - 1

// imageKeys splits each hash into imageBands bands, the keys a hash is
// stored under.
func imageKeys(hashes []uint64) []bucketKey {
	keys := make([]bucketKey, 0, len(hashes)*imageBands)
	for _, h := range hashes {
		for b := range imageBands {
			keys = append(keys, bucketKey{band: b, sum: (h >> (imageBandBits * b)) & imageBandMask})
		}
	}
	return keys
}

// imageQueryKeys returns the stored keys of each hash plus every key one bit
// away within a band. Two hashes within Hamming distance 2*imageBands-1 have
// a band differing in at most one bit, so they always meet. Each band value
// is one of 2^imageBandBits, which keeps buckets small as the corpus grows.
func imageQueryKeys(hashes []uint64) []bucketKey {
	keys := make([]bucketKey, 0, len(hashes)*imageBands*(imageBandBits+1))
	for _, k := range imageKeys(hashes) {
		keys = append(keys, k)
		for bit := range imageBandBits {
			keys = append(keys, bucketKey{band: k.band, sum: k.sum ^ 1<<bit})
		}
	}
	return keys
}

func insert(m map[bucketKey]map[string]struct{}, keys []bucketKey, key string) {
	for _, k := range keys {
		set := m[k]
		if set == nil {
			set = make(map[string]struct{})
			m[k] = set
		}
		set[key] = struct{}{}
	}
}

func remove(m map[bucketKey]map[string]struct{}, keys []bucketKey, key string) {
	for _, k := range keys {
		if set := m[k]; set != nil {
			delete(set, key)
			if len(set) == 0 {
				delete(m, k)
			}
		}
	}
}
