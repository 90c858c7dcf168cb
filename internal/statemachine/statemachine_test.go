package statemachine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplySet(t *testing.T) {
	m := New()
	m.Apply("SET name Alice")
	m.Apply("SET age 30")

	v, ok := m.Get("name")
	require.True(t, ok)
	require.Equal(t, "Alice", v)

	require.Equal(t, map[string]string{"name": "Alice", "age": "30"}, m.Snapshot())
}

func TestApplyGetIsNoopOnState(t *testing.T) {
	m := New()
	m.Apply("SET name Alice")
	result := m.Apply("GET name")
	require.Equal(t, "Alice", result)
	require.Equal(t, map[string]string{"name": "Alice"}, m.Snapshot())
}

func TestApplyUnknownCommandIsNoop(t *testing.T) {
	m := New()
	m.Apply("DELETE name")
	require.Empty(t, m.Snapshot())
}

func TestApplySameCommittedPrefixTwiceIsIdempotent(t *testing.T) {
	m1 := New()
	m2 := New()

	commands := []string{"SET a 1", "SET b 2", "GET a"}
	for _, c := range commands {
		m1.Apply(c)
	}
	for _, c := range commands {
		m1.Apply(c)
	}
	for _, c := range commands {
		m2.Apply(c)
	}

	require.Equal(t, m2.Snapshot(), m1.Snapshot())
}

func TestRestore(t *testing.T) {
	m := New()
	m.Restore(map[string]string{"x": "1"})
	v, ok := m.Get("x")
	require.True(t, ok)
	require.Equal(t, "1", v)
}
