// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package idalloc_test

import (
	"testing"

	"github.com/charmos-go/kcore/pkg/idalloc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocIsSequentialWhenNothingFreed(t *testing.T) {
	a := idalloc.New(8)
	for i := uint64(0); i < 8; i++ {
		id, err := a.Alloc()
		require.NoError(t, err)
		assert.Equal(t, i, id)
	}
	_, err := a.Alloc()
	assert.Error(t, err)
}

func TestReleaseReusesID(t *testing.T) {
	a := idalloc.New(4)
	ids := make([]uint64, 4)
	for i := range ids {
		id, err := a.Alloc()
		require.NoError(t, err)
		ids[i] = id
	}

	require.NoError(t, a.Release(ids[1]))
	assert.Equal(t, uint64(1), a.NumFree())

	reused, err := a.Alloc()
	require.NoError(t, err)
	assert.Equal(t, ids[1], reused)
}

func TestReleaseCoalescesAdjacentIntervals(t *testing.T) {
	a := idalloc.New(10)
	a.Alloc() // 0..9 consumed one at a time below instead
	for i := 0; i < 9; i++ {
		a.Alloc()
	}
	// all 10 ids allocated now
	require.NoError(t, a.Release(5))
	require.NoError(t, a.Release(6))
	require.NoError(t, a.Release(7))
	assert.Equal(t, uint64(3), a.NumFree())

	id, err := a.Alloc()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), id)
}

func TestReleaseOutOfRange(t *testing.T) {
	a := idalloc.New(2)
	assert.Error(t, a.Release(99))
}
