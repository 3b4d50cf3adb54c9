package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestFlagSetDedupPreservesOrder(t *testing.T) {
	f := newFlagSet()
	f.Add("A", "B")
	f.Add("A", "C")
	assert.Equal(t, []string{"A", "B", "C"}, f.Summary(20))
}

func TestFlagSetTruncates(t *testing.T) {
	f := newFlagSet()
	for _, fl := range []string{"1", "2", "3", "4"} {
		f.Add(fl)
	}
	assert.Equal(t, []string{"1", "2"}, f.Summary(2))
	assert.NotNil(t, newFlagSet().Summary(20))
}

func TestFlagSetSummaryProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		input := rapid.SliceOf(rapid.SampledFrom([]string{"A", "B", "C", "D", "E", "F"})).Draw(t, "flags")
		max := rapid.IntRange(1, 10).Draw(t, "max")

		f := newFlagSet()
		f.Add(input...)
		got := f.Summary(max)

		if len(got) > max {
			t.Fatalf("summary longer than %d: %v", max, got)
		}
		seen := map[string]bool{}
		for _, fl := range got {
			if seen[fl] {
				t.Fatalf("duplicate %q in %v", fl, got)
			}
			seen[fl] = true
		}
		// порядок первого появления
		var want []string
		wantSeen := map[string]bool{}
		for _, fl := range input {
			if !wantSeen[fl] {
				wantSeen[fl] = true
				want = append(want, fl)
			}
		}
		if len(want) > max {
			want = want[:max]
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("order mismatch: got %v want %v", got, want)
			}
		}
	})
}
