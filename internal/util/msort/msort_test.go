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

package msort

import (
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"

	"github.com/dbmazz/dbmazz/internal/types"
)

// keyByFirstValue extracts the first column's text value as the row
// identity, matching how the sink keys single-column primary keys.
func keyByFirstValue(e types.ChangeEvent) string {
	if e.NewTuple == nil || len(e.NewTuple.Values) == 0 {
		return ""
	}
	return string(e.NewTuple.Values[0].Data)
}

func event(key string, marker uint64) types.ChangeEvent {
	ev := types.ChangeEvent{
		Kind:         types.EventUpdate,
		CommitMarker: pglogrepl.LSN(marker),
	}
	if key != "" {
		ev.NewTuple = &types.TupleData{
			Values: []types.TupleValue{{Kind: types.ValueText, Data: []byte(key)}},
		}
	}
	return ev
}

func markers(events []types.ChangeEvent) []uint64 {
	out := make([]uint64, len(events))
	for i, e := range events {
		out[i] = uint64(e.CommitMarker)
	}
	return out
}

func TestUniqueByRelationKeyKeepsLatestMarkerPerKey(t *testing.T) {
	in := []types.ChangeEvent{
		event("1", 10),
		event("2", 11),
		event("1", 12),
	}

	out := UniqueByRelationKey(in, keyByFirstValue)
	assert.Equal(t, []uint64{11, 12}, markers(out), "the winning event keeps its last occurrence's position")
}

func TestUniqueByRelationKeyPreservesOrderOfDistinctKeys(t *testing.T) {
	in := []types.ChangeEvent{
		event("a", 1),
		event("b", 2),
		event("c", 3),
	}

	out := UniqueByRelationKey(in, keyByFirstValue)
	assert.Equal(t, []uint64{1, 2, 3}, markers(out))
}

func TestUniqueByRelationKeyNeverDropsKeylessEvents(t *testing.T) {
	in := []types.ChangeEvent{
		event("", 1),
		event("", 2),
		event("x", 3),
		event("x", 4),
	}

	out := UniqueByRelationKey(in, keyByFirstValue)
	assert.Equal(t, []uint64{1, 2, 4}, markers(out))
}

func TestUniqueByRelationKeyEmptyInput(t *testing.T) {
	assert.Empty(t, UniqueByRelationKey(nil, keyByFirstValue))
}
