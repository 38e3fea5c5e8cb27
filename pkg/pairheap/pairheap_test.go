// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pairheap_test

import (
	"testing"

	"github.com/charmos-go/kcore/pkg/pairheap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopReturnsHighestPriorityFirst(t *testing.T) {
	h := pairheap.New[int](func(a, b int) bool { return a < b })
	for _, v := range []int{3, 1, 4, 1, 5, 9, 2, 6} {
		h.Push(v)
	}
	var popped []int
	for h.Len() > 0 {
		v, ok := h.Pop()
		require.True(t, ok)
		popped = append(popped, v)
	}
	assert.Equal(t, []int{9, 6, 5, 4, 3, 2, 1, 1}, popped)
}

func TestRemoveMatching(t *testing.T) {
	h := pairheap.New[int](func(a, b int) bool { return a < b })
	for _, v := range []int{10, 20, 30} {
		h.Push(v)
	}
	removed, ok := h.RemoveMatching(func(v int) bool { return v == 20 })
	require.True(t, ok)
	assert.Equal(t, 20, removed)
	assert.Equal(t, 2, h.Len())

	_, ok = h.RemoveMatching(func(v int) bool { return v == 999 })
	assert.False(t, ok)
}

func TestPeekDoesNotRemove(t *testing.T) {
	h := pairheap.New[int](func(a, b int) bool { return a < b })
	h.Push(5)
	h.Push(1)
	v, ok := h.Peek()
	require.True(t, ok)
	assert.Equal(t, 5, v)
	assert.Equal(t, 2, h.Len())
}
