package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdering(t *testing.T) {
	require := require.New(t)

	q := New()
	q.Enqueue(30, "third")
	q.Enqueue(10, "first")
	q.Enqueue(20, "second")

	require.Equal(3, q.Len())
	require.Equal("first", q.Pop().Value)
	require.Equal("second", q.Pop().Value)
	require.Equal("third", q.Pop().Value)
	require.Equal(0, q.Len())
	require.Nil(q.Pop())
}

func TestPriorityQueuePeekLeavesQueueUnaltered(t *testing.T) {
	require := require.New(t)

	q := New()
	q.Enqueue(2, "b")
	q.Enqueue(1, "a")

	require.Equal("a", q.Peek().Value)
	require.Equal(2, q.Len())
	require.Equal("a", q.Pop().Value)
	require.Equal("b", q.Pop().Value)
}
