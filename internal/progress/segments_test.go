package progress

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_Observe(t *testing.T) {
	tr := NewTracker(5)

	tr.Observe("v1", 0, 100)
	tr.Observe("v1", 4.9, 100)
	tr.Observe("v1", 5, 100)
	tr.Observe("v1", 5.1, 100)

	assert.Equal(t, []int{0, 1}, tr.Buckets("v1"))
	assert.Equal(t, 20, tr.BucketCount("v1"))
	assert.InDelta(t, 0.1, tr.WatchedFraction("v1"), 1e-9)
}

func TestTracker_IgnoresInvalidInput(t *testing.T) {
	tr := NewTracker(5)

	tr.Observe("", 10, 100)
	tr.Observe("v1", -3, 100)
	assert.Empty(t, tr.Buckets("v1"))
	assert.Zero(t, tr.WatchedFraction("v1"))

	tr.Observe("v1", 10, 0)
	assert.Equal(t, []int{2}, tr.Buckets("v1"))
	assert.Zero(t, tr.WatchedFraction("v1"), "unknown duration has no fraction")

	tr.Observe("v1", 12, 20)
	assert.InDelta(t, 0.25, tr.WatchedFraction("v1"), 1e-9)
}

func TestTracker_EndPositionClampsToLastBucket(t *testing.T) {
	tr := NewTracker(5)
	tr.Observe("v1", 100, 100)
	assert.Equal(t, []int{19}, tr.Buckets("v1"))
}

func TestTracker_StraightPlaythrough(t *testing.T) {
	tr := NewTracker(5)
	for pos := 0.0; pos <= 96; pos += 0.25 {
		tr.Observe("v1", pos, 100)
	}

	buckets := tr.Buckets("v1")
	require.Len(t, buckets, 20)
	assert.Equal(t, 0, buckets[0])
	assert.Equal(t, 19, buckets[19])
	assert.Equal(t, 1.0, tr.WatchedFraction("v1"))
}

func TestTracker_SeekToEnd(t *testing.T) {
	tr := NewTracker(5)
	tr.Observe("v1", 99, 100)

	assert.Equal(t, []int{19}, tr.Buckets("v1"))
	assert.InDelta(t, 0.05, tr.WatchedFraction("v1"), 1e-9)
}

func TestTracker_FractionIsMonotonicAndBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 50; run++ {
		tr := NewTracker(5)
		duration := 1 + rng.Float64()*600
		last := 0.0

		for i := 0; i < 500; i++ {
			// include positions past the end and changing durations
			pos := rng.Float64() * duration * 1.2
			tr.Observe("v", pos, duration*(0.5+rng.Float64()))

			f := tr.WatchedFraction("v")
			require.GreaterOrEqual(t, f, last)
			require.GreaterOrEqual(t, f, 0.0)
			require.LessOrEqual(t, f, 1.0)
			last = f
		}
	}
}

func TestTracker_Reset(t *testing.T) {
	tr := NewTracker(0)
	tr.Observe("v1", 10, 100)
	tr.Reset("v1")
	assert.Nil(t, tr.Buckets("v1"))
	assert.Zero(t, tr.BucketCount("v1"))
}
