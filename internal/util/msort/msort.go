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

// Package msort contains utility functions for reducing batches of
// change events before they are serialized and flushed.
package msort

import "github.com/dbmazz/dbmazz/internal/types"

// UniqueByRelationKey implements a "last one wins" reduction over
// events that share the same relation id and key values, so that a
// sub-batch sent to the sink never contains more than one row for the
// same primary key. If two events share a key, the one with the
// greater CommitMarker is kept. keyFn extracts a comparable key string
// for an event; events for which keyFn returns an empty string are
// never deduplicated (e.g. truncate markers with no row identity).
//
// The modified slice is returned.
func UniqueByRelationKey(x []types.ChangeEvent, keyFn func(types.ChangeEvent) string) []types.ChangeEvent {
	seenIdx := make(map[string]int, len(x))

	dest := len(x)
	for src := len(x) - 1; src >= 0; src-- {
		key := keyFn(x[src])
		if key == "" {
			dest--
			x[dest] = x[src]
			continue
		}

		if curIdx, found := seenIdx[key]; found {
			if x[src].CommitMarker > x[curIdx].CommitMarker {
				x[curIdx] = x[src]
			}
		} else {
			dest--
			seenIdx[key] = dest
			x[dest] = x[src]
		}
	}

	return x[dest:]
}
