// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package buddy

import "errors"

var (
	errNoUsableMemory  = errors.New("buddy: no usable memory ranges supplied")
	errDescriptorCarve = errors.New("buddy: no usable range large enough to carve the page descriptor array")
)
