package fifo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFIFO_PopOrderAndLength(t *testing.T) {
	require := require.New(t)

	f := New[int](3)
	pushed, popped := 0, 0

	for round := 0; round < 10; round++ {
		for i := 0; i < round%4+1; i++ {
			f.Push(pushed)
			pushed++
			require.Equal(pushed-popped, f.Len())
		}
		for i := 0; i < round%3+1; i++ {
			v, ok := f.Pop()
			if !ok {
				require.Equal(pushed, popped)
				break
			}
			require.Equal(popped, v)
			popped++
			require.Equal(pushed-popped, f.Len())
		}
	}

	for {
		v, ok := f.Pop()
		if !ok {
			break
		}
		require.Equal(popped, v)
		popped++
	}
	require.Equal(pushed, popped)
	require.Zero(f.Len())
}

func TestFIFO_PopEmpty(t *testing.T) {
	f := New[string](0)

	v, ok := f.Pop()
	require.False(t, ok)
	require.Empty(t, v)
	require.Equal(t, DefaultCompactThreshold, f.threshold)
}

func TestFIFO_CompactionKeepsUnreadItems(t *testing.T) {
	require := require.New(t)

	f := New[string](1)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		f.Push(s)
	}

	v, _ := f.Pop()
	require.Equal("a", v)
	require.Equal(1, f.offset)

	v, _ = f.Pop()
	require.Equal("b", v)
	require.Zero(f.offset)
	require.Len(f.items, 3)

	for _, want := range []string{"c", "d", "e"} {
		v, ok := f.Pop()
		require.True(ok)
		require.Equal(want, v)
	}
}

func TestReset(t *testing.T) {
	require := require.New(t)

	f := New[int](0)
	for i := 1; i <= 4; i++ {
		f.Push(i)
	}
	f.Pop()

	got := Reset(f, func(i int) string { return string(rune('a' + i - 1)) })
	require.Equal([]string{"b", "c", "d"}, got)
	require.Zero(f.Len())

	f.Push(7)
	require.Empty(Reset[int, int](f, nil))
	require.Zero(f.Len())
	_, ok := f.Pop()
	require.False(ok)
}
