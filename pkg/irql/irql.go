// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package irql models the interrupt request level axis of spec §5:
// PASSIVE < DISPATCH < DEVICE-IRQ < HIGH, raised and lowered as a strict
// stack discipline rather than carried through context.Context, since a
// goroutine's own call stack already gives it the "per-goroutine value"
// the original model wants.
package irql

import (
	"github.com/charmos-go/kcore/pkg/kerrors"
	"github.com/go-logr/logr"
)

// Level is one point on the ordered IRQL axis.
type Level int

const (
	Passive Level = iota
	Dispatch
	DeviceIRQ
	High
)

func (l Level) String() string {
	switch l {
	case Passive:
		return "PASSIVE"
	case Dispatch:
		return "DISPATCH"
	case DeviceIRQ:
		return "DEVICE-IRQ"
	case High:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// Token tracks one goroutine's current IRQL. Each simulated thread owns
// exactly one Token for its lifetime (spec §5 "an ordered axis controlling
// what operations are permissible" — scoped to the calling execution
// context, not shared state).
type Token struct {
	log     logr.Logger
	current Level
}

// New creates a Token starting at PASSIVE, the level every thread begins
// and returns to between suspension points.
func New(log logr.Logger) *Token {
	return &Token{log: log.WithName("irql"), current: Passive}
}

func (t *Token) Current() Level { return t.current }

// Raise moves to a strictly-higher-or-equal level and returns the prior
// level, which the caller must pass to a matching Lower — the scope-guard
// discipline spec §5 describes ("most core hotpaths temporarily raise to
// DISPATCH").
func (t *Token) Raise(to Level) Level {
	if to < t.current {
		kerrors.Fatal(t.log, kerrors.Corruption, "irql: Raise(%s) below current %s", to, t.current)
	}
	prev := t.current
	t.current = to
	return prev
}

// Lower restores a previously-raised level. Lowering above the current
// level is a caller bug (it would skip resetting an intermediate raise).
func (t *Token) Lower(to Level) {
	if to > t.current {
		kerrors.Fatal(t.log, kerrors.Corruption, "irql: Lower(%s) above current %s", to, t.current)
	}
	t.current = to
}

// AssertBelow halts if the current level is not strictly below max,
// matching spec §5's suspension-point entry rule ("require IRQL <
// DISPATCH on entry").
func (t *Token) AssertBelow(max Level) {
	if t.current >= max {
		kerrors.Fatal(t.log, kerrors.Corruption, "irql: suspension point entered at %s, require < %s", t.current, max)
	}
}
