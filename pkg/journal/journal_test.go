// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package journal_test

import (
	"testing"
	"time"

	"github.com/charmos-go/kcore/pkg/journal"
	"github.com/charmos-go/kcore/pkg/kerrors"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func TestRecordAndRecent(t *testing.T) {
	j, err := journal.New(logr.Discard())
	require.NoError(t, err)
	defer j.Close()

	j.Record(journal.KindMigrate, 1, 0, "migrated thread", map[string]any{"thread": 42})
	j.Record(journal.KindSteal, 2, 1, "stole thread", nil)

	var entries []journal.Entry
	require.Eventually(t, func() bool {
		entries, err = j.Recent(10)
		return err == nil && len(entries) == 2
	}, time.Second, time.Millisecond)

	require.Equal(t, journal.KindSteal, entries[0].Kind) // newest first
	require.Equal(t, journal.KindMigrate, entries[1].Kind)
}

func TestSubscribeReceivesMatchingKindOnly(t *testing.T) {
	j, err := journal.New(logr.Discard())
	require.NoError(t, err)
	defer j.Close()

	want := journal.KindSlabRecycle
	ch := j.Subscribe(&want)

	j.Record(journal.KindSlabDestroy, 0, 0, "destroyed", nil)
	j.Record(journal.KindSlabRecycle, 0, 0, "recycled", nil)

	select {
	case e := <-ch:
		require.Equal(t, journal.KindSlabRecycle, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received its matching kind")
	}
}

func TestSubscribeNilKindReceivesEverything(t *testing.T) {
	j, err := journal.New(logr.Discard())
	require.NoError(t, err)
	defer j.Close()

	ch := j.Subscribe(nil)
	j.Record(journal.KindMigrate, 0, 0, "a", nil)
	j.Record(journal.KindSteal, 0, 0, "b", nil)

	kinds := map[journal.Kind]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			kinds[e.Kind] = true
		case <-time.After(time.Second):
			t.Fatal("wildcard subscriber missed an entry")
		}
	}
	require.True(t, kinds[journal.KindMigrate])
	require.True(t, kinds[journal.KindSteal])
}

func TestCloseClosesSubscriberChannels(t *testing.T) {
	j, err := journal.New(logr.Discard())
	require.NoError(t, err)

	ch := j.Subscribe(nil)
	require.NoError(t, j.Close())

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel never closed")
	}
}

func TestFatalRecordsThenPanics(t *testing.T) {
	j, err := journal.New(logr.Discard())
	require.NoError(t, err)
	defer j.Close()

	require.Panics(t, func() {
		j.Fatal(logr.Discard(), kerrors.Corruption, "invariant broken: %d", 7)
	})

	entries, err := j.Recent(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, journal.KindFatal, entries[0].Kind)
}
