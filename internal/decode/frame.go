// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package decode

import "sync/atomic"

// FrameRef is a refcounted handle around one WAL XLogData frame's
// backing byte array. TupleValue.Data slices borrow directly from a
// frame's bytes instead of being copied, so the frame must outlive
// every event decoded from it. Acquire/Release keep that lifetime
// honest: the frame is only eligible for reuse once every event that
// borrowed from it has released its hold.
type FrameRef struct {
	bytes    []byte
	refCount atomic.Int32
	onZero   func([]byte)
}

// NewFrameRef wraps raw in a FrameRef with an initial reference count
// of one, held by the caller. onZero, if non-nil, is invoked exactly
// once, when the reference count returns to zero, and receives the
// original byte slice so it can be returned to a pool.
func NewFrameRef(raw []byte, onZero func([]byte)) *FrameRef {
	f := &FrameRef{bytes: raw, onZero: onZero}
	f.refCount.Store(1)
	return f
}

// Bytes returns the frame's backing array. Callers must not retain the
// returned slice beyond a matching Release.
func (f *FrameRef) Bytes() []byte {
	return f.bytes
}

// Acquire increments the reference count and returns a release
// function that decrements it exactly once. Acquire must be called
// once per ChangeEvent that borrows from this frame, in addition to
// the caller's own initial reference.
func (f *FrameRef) Acquire() (release func()) {
	f.refCount.Add(1)
	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		if f.refCount.Add(-1) == 0 && f.onZero != nil {
			f.onZero(f.bytes)
		}
	}
}

// Done releases the caller's own initial reference, taken implicitly by
// NewFrameRef. It must be called exactly once, after every Acquire'd
// release has also fired, i.e. once the decoder itself is finished
// deriving events from the frame.
func (f *FrameRef) Done() {
	if f.refCount.Add(-1) == 0 && f.onZero != nil {
		f.onZero(f.bytes)
	}
}
