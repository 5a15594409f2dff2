package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnAndEmit(t *testing.T) {
	bus := New[int](0)
	var got []int
	bus.On(func(v int) { got = append(got, v) })
	bus.On(func(v int) { got = append(got, v*10) })

	bus.Emit(1)
	assert.ElementsMatch(t, []int{1, 10}, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New[string](0)
	var got []string
	unsub := bus.On(func(v string) { got = append(got, v) })

	bus.Emit("a")
	unsub()
	bus.Emit("b")

	assert.Equal(t, []string{"a"}, got)
}

func TestEmitSnapshotsBeforeDispatchReentrant(t *testing.T) {
	bus := New[int](0)
	calls := 0
	bus.On(func(v int) {
		calls++
		// Subscribing during dispatch must not affect this Emit.
		bus.On(func(int) { calls += 100 })
	})

	bus.Emit(1)
	assert.Equal(t, 1, calls)

	bus.Emit(2)
	assert.Equal(t, 102, calls)
}

func TestLen(t *testing.T) {
	bus := New[int](0)
	require.Equal(t, 0, bus.Len())
	unsub := bus.On(func(int) {})
	assert.Equal(t, 1, bus.Len())
	unsub()
	assert.Equal(t, 0, bus.Len())
}
