package sim

import (
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

type tagged struct {
	t      float64
	stream int
}

func tagTime(e tagged) float64 { return e.t }

func TestMergeByTime_OrdersAcrossStreams(t *testing.T) {
	a := []tagged{{1, 0}, {4, 0}, {9, 0}}
	b := []tagged{{2, 1}, {3, 1}, {10, 1}}

	got := MergeByTime([][]tagged{a, b}, tagTime)

	want := []float64{1, 2, 3, 4, 9, 10}
	for i, e := range got {
		assert.Equal(t, want[i], e.t)
	}
}

func TestMergeByTime_TiesFavorEarlierStream(t *testing.T) {
	// GIVEN equal times in both streams
	a := []tagged{{5, 0}, {5, 0}}
	b := []tagged{{5, 1}}

	// WHEN merged in either argument order
	got := MergeByTime([][]tagged{b, a}, tagTime)

	// THEN the first argument's events come first
	assert.Equal(t, []tagged{{5, 1}, {5, 0}, {5, 0}}, got)
}

func TestMergeByTime_EmptyStreams(t *testing.T) {
	assert.Empty(t, MergeByTime[tagged](nil, tagTime))
	got := MergeByTime([][]tagged{nil, {{1, 1}}, {}}, tagTime)
	assert.Equal(t, []tagged{{1, 1}}, got)
}

func TestMergeByTime_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	sorted := func(vals []float64) []float64 {
		out := append([]float64(nil), vals...)
		sort.Float64s(out)
		return out
	}
	streamGen := gen.SliceOf(gen.Float64Range(0, 100)).Map(sorted)

	properties.Property("merge is sorted and keeps every event", prop.ForAll(
		func(a, b, c []float64) bool {
			got := MergeByTime([][]float64{a, b, c}, func(v float64) float64 { return v })
			if len(got) != len(a)+len(b)+len(c) {
				return false
			}
			return sort.Float64sAreSorted(got)
		},
		streamGen, streamGen, streamGen,
	))

	properties.TestingRun(t)
}
