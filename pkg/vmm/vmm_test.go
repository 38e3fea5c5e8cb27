// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vmm_test

import (
	"testing"

	"github.com/charmos-go/kcore/pkg/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocRespectsAlignment(t *testing.T) {
	a := vmm.New(0x1000, 0x10000)
	addr, err := a.Alloc(64, 4096)
	require.NoError(t, err)
	assert.Zero(t, addr%4096)
}

func TestAllocIsFirstFitAndFreeCoalesces(t *testing.T) {
	a := vmm.New(0, 0x3000)
	a1, err := a.Alloc(0x1000, 1)
	require.NoError(t, err)
	a2, err := a.Alloc(0x1000, 1)
	require.NoError(t, err)
	assert.NotEqual(t, a1, a2)
	assert.Equal(t, uintptr(0), a1)
	assert.Equal(t, uintptr(0x1000), a2)

	before := a.FreeBytes()
	require.NoError(t, a.Free(a1))
	require.NoError(t, a.Free(a2))
	assert.Equal(t, before+0x2000, a.FreeBytes())
	assert.Equal(t, uintptr(0x3000), a.FreeBytes())
}

func TestAllocFailsWhenExhausted(t *testing.T) {
	a := vmm.New(0, 0x1000)
	_, err := a.Alloc(0x1000, 1)
	require.NoError(t, err)
	_, err = a.Alloc(1, 1)
	assert.Error(t, err)
}

func TestFreeOfUnknownAddressErrors(t *testing.T) {
	a := vmm.New(0, 0x1000)
	assert.Error(t, a.Free(0x800))
}

func TestContainsBoundsCheck(t *testing.T) {
	a := vmm.New(0x4000, 0x1000)
	assert.True(t, a.Contains(0x4000))
	assert.True(t, a.Contains(0x4fff))
	assert.False(t, a.Contains(0x5000))
	assert.False(t, a.Contains(0x3fff))
}
