package progress

import (
	"math"
	"sort"
	"sync"
)

// DefaultBucketSeconds is the width of one watched segment
const DefaultBucketSeconds = 5.0

// Tracker records which fixed-width time buckets of each video have been played.
type Tracker struct {
	mu          sync.Mutex
	bucketWidth float64
	items       map[string]*segmentSet
}

type segmentSet struct {
	total   int // bucket count, fixed by the first positive duration seen
	visited map[int]struct{}
}

// NewTracker creates a tracker. A non-positive width falls back to DefaultBucketSeconds.
func NewTracker(bucketSeconds float64) *Tracker {
	if bucketSeconds <= 0 || math.IsNaN(bucketSeconds) {
		bucketSeconds = DefaultBucketSeconds
	}
	return &Tracker{
		bucketWidth: bucketSeconds,
		items:       make(map[string]*segmentSet),
	}
}

// Observe marks the bucket containing currentTime as visited. Revisiting a
// bucket is a no-op.
func (t *Tracker) Observe(contentID string, currentTime, duration float64) {
	if contentID == "" || !finite(currentTime) || currentTime < 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.items[contentID]
	if !ok {
		set = &segmentSet{visited: make(map[int]struct{})}
		t.items[contentID] = set
	}
	if set.total == 0 && finite(duration) && duration > 0 {
		set.total = int(math.Ceil(duration / t.bucketWidth))
	}

	bucket := int(math.Floor(currentTime / t.bucketWidth))
	if set.total > 0 && bucket >= set.total {
		// playback elements report a position slightly past the end on "ended"
		bucket = set.total - 1
	}
	set.visited[bucket] = struct{}{}
}

// WatchedFraction returns distinct visited buckets over the bucket count, in [0, 1].
func (t *Tracker) WatchedFraction(contentID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.items[contentID]
	if !ok || set.total == 0 {
		return 0
	}
	visited := 0
	for b := range set.visited {
		if b < set.total {
			visited++
		}
	}
	fraction := float64(visited) / float64(set.total)
	if fraction > 1 {
		return 1
	}
	return fraction
}

// Buckets returns the visited buckets in ascending order
func (t *Tracker) Buckets(contentID string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.items[contentID]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(set.visited))
	for b := range set.visited {
		out = append(out, b)
	}
	sort.Ints(out)
	return out
}

// BucketCount returns the number of buckets of an item, 0 when unknown
func (t *Tracker) BucketCount(contentID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if set, ok := t.items[contentID]; ok {
		return set.total
	}
	return 0
}

// Reset forgets everything recorded for an item
func (t *Tracker) Reset(contentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, contentID)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
