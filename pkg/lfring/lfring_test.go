// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package lfring_test

import (
	"sync"
	"testing"

	"github.com/charmos-go/kcore/pkg/kerrors"
	"github.com/charmos-go/kcore/pkg/lfring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	r := lfring.New[int](4)
	for i := 0; i < 4; i++ {
		require.NoError(t, r.Enqueue(i))
	}
	assert.ErrorIs(t, r.Enqueue(99), kerrors.Sentinel(kerrors.WouldBlock))

	for i := 0; i < 4; i++ {
		v, err := r.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, err := r.Dequeue()
	assert.ErrorIs(t, err, kerrors.Sentinel(kerrors.WouldBlock))
}

func TestConcurrentProducersConsumersConserveCount(t *testing.T) {
	r := lfring.New[int](64)
	const n = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			for r.Enqueue(i) != nil {
			}
		}
	}()

	got := 0
	for got < n {
		if _, err := r.Dequeue(); err == nil {
			got++
		}
	}
	wg.Wait()
	assert.Equal(t, n, got)
}

func TestCapRoundsUpToPowerOfTwo(t *testing.T) {
	r := lfring.New[int](5)
	assert.Equal(t, 8, r.Cap())
}
