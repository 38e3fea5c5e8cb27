// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kerrors defines the error kinds surfaced by the kernel core and
// the fatal-halt path for protocol violations that indicate a bug rather
// than a recoverable runtime condition.
package kerrors

import (
	stdliberrors "errors"
	"fmt"

	"github.com/go-logr/logr"
)

var (
	Is     = stdliberrors.Is
	As     = stdliberrors.As
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// Kind identifies one of the error categories the core raises. Kind values
// below FatalThreshold are recoverable; the rest halt the system.
type Kind int

const (
	OutOfMemory Kind = iota
	InvalidArgument
	Busy
	Timeout
	WouldBlock

	// FatalThreshold marks the boundary: kinds at or above it are bugs,
	// not recoverable runtime faults.
	FatalThreshold

	NotOwner
	DoubleFree
	CycleDetected
	Corruption
)

func (k Kind) String() string {
	switch k {
	case OutOfMemory:
		return "OutOfMemory"
	case InvalidArgument:
		return "InvalidArgument"
	case Busy:
		return "Busy"
	case Timeout:
		return "Timeout"
	case WouldBlock:
		return "WouldBlock"
	case NotOwner:
		return "NotOwner"
	case DoubleFree:
		return "DoubleFree"
	case CycleDetected:
		return "CycleDetected"
	case Corruption:
		return "Corruption"
	default:
		return "Unknown"
	}
}

func (k Kind) Fatal() bool {
	return k >= FatalThreshold
}

// Error is a kernel-core error carrying a Kind for errors.Is-style matching.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, kerrors.Sentinel(kerrors.OutOfMemory)) style
// comparisons work by comparing Kind when the target is an *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Errorf constructs a recoverable *Error. Passing a Fatal kind panics immediately
// since fatal kinds must go through Fatal so the halt is always logged.
func Errorf(kind Kind, format string, args ...any) *Error {
	if kind.Fatal() {
		panic(fmt.Sprintf("kerrors: fatal kind %s used with Errorf; use Fatal", kind))
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Sentinel returns a comparison target for errors.Is, e.g.
// errors.Is(err, kerrors.Sentinel(kerrors.Busy)).
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// Fatal logs the diagnostic via log (if non-nil) and halts the process.
// It is the simulated analogue of halting with diagnostics: NotOwner,
// DoubleFree, CycleDetected, and Corruption indicate a bug in a caller's
// use of the kernel core, not a recoverable runtime fault.
func Fatal(log logr.Logger, kind Kind, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if log.GetSink() != nil {
		log.Error(New(msg), "fatal kernel-core invariant violation", "kind", kind.String())
	}
	panic(fmt.Sprintf("kcore: fatal %s: %s", kind, msg))
}
