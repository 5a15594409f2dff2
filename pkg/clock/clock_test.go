package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrement(t *testing.T) {
	vc := New()
	require.EqualValues(t, 1, vc.Increment("a"))
	require.EqualValues(t, 2, vc.Increment("a"))
	require.EqualValues(t, 2, vc["a"])
}

func TestLessOrEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b VectorClock
		want bool
	}{
		{"empty both", VectorClock{}, VectorClock{}, true},
		{"a behind b", VectorClock{"a": 1, "b": 2}, VectorClock{"a": 2, "b": 3}, true},
		{"a ahead of b", VectorClock{"a": 5, "b": 5}, VectorClock{"a": 3, "b": 4}, false},
		{"concurrent", VectorClock{"a": 5, "b": 2}, VectorClock{"a": 3, "b": 7}, false},
		{"equal", VectorClock{"a": 3, "b": 4}, VectorClock{"a": 3, "b": 4}, true},
		{"a has extra key absent from b treated as zero", VectorClock{"a": 0, "c": 1}, VectorClock{"a": 5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LessOrEqual(tt.a, tt.b))
		})
	}
}

func TestEqualAndConcurrent(t *testing.T) {
	a := VectorClock{"a": 5, "b": 2}
	b := VectorClock{"a": 3, "b": 7}
	assert.True(t, Concurrent(a, b))
	assert.False(t, Equal(a, b))

	c := VectorClock{"a": 1, "b": 1}
	d := VectorClock{"a": 1, "b": 1}
	assert.True(t, Equal(c, d))
	assert.False(t, Concurrent(c, d))
}

func TestMergeIsCommutativeAssociativeAndDominates(t *testing.T) {
	a := VectorClock{"a": 5, "b": 2}
	b := VectorClock{"a": 3, "b": 7, "c": 1}
	c := VectorClock{"c": 9}

	assert.Equal(t, Merge(a, b), Merge(b, a))
	assert.Equal(t, Merge(Merge(a, b), c), Merge(a, Merge(b, c)))
	assert.True(t, LessOrEqual(a, Merge(a, b)))
	assert.True(t, LessOrEqual(b, Merge(a, b)))
}

func TestCopyIsIndependent(t *testing.T) {
	vc := VectorClock{"a": 5}
	cp := vc.Copy()
	cp["a"] = 10
	assert.EqualValues(t, 5, vc["a"])
	assert.EqualValues(t, 10, cp["a"])
}

func TestSortedEntriesDeterministic(t *testing.T) {
	vc := VectorClock{"zoe": 1, "amy": 2, "bob": 3}
	entries := vc.SortedEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, "amy", entries[0].Actor)
	assert.Equal(t, "bob", entries[1].Actor)
	assert.Equal(t, "zoe", entries[2].Actor)
}
