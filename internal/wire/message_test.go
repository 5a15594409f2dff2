package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local-first-web/cevitxe/pkg/clock"
	"github.com/local-first-web/cevitxe/pkg/crdt"
)

func TestEncodeIsDeterministicRegardlessOfMapOrder(t *testing.T) {
	m1 := Message{Clock: clock.VectorClock{"z": 1, "a": 2, "m": 3}}
	m2 := Message{Clock: clock.VectorClock{"a": 2, "m": 3, "z": 1}}

	b1, err := Encode(m1)
	require.NoError(t, err)
	b2, err := Encode(m2)
	require.NoError(t, err)

	assert.Equal(t, string(b1), string(b2))
	assert.Contains(t, string(b1), `"clock":[{"actor":"a"`)
}

func TestPullRequestOmitsChanges(t *testing.T) {
	m := Message{Clock: clock.VectorClock{"a": 1}}
	require.True(t, m.IsPull())

	data, err := Encode(m)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "changes")
}

func TestRoundTrip(t *testing.T) {
	m := Message{
		Clock: clock.VectorClock{"a": 2},
		Changes: []crdt.Change{
			{ID: "a-1", Actor: "a", Seq: 1, Clock: clock.VectorClock{"a": 1}, Type: crdt.Insert, Content: "x"},
		},
	}
	data, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, clock.Equal(m.Clock, decoded.Clock))
	require.Len(t, decoded.Changes, 1)
	assert.Equal(t, "a-1", decoded.Changes[0].ID)
}
