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

import (
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbmazz/dbmazz/internal/types"
)

func testRelation() types.Relation {
	return types.Relation{
		RelationID: 1,
		Namespace:  "public",
		Name:       "widgets",
		Columns: []types.Column{
			{Name: "id", TypeOID: 23, IsKey: true},
			{Name: "name", TypeOID: 25},
			{Name: "blob", TypeOID: 17},
		},
	}
}

func TestBuildTupleDecodesEachColumnKind(t *testing.T) {
	rel := testRelation()
	tuple := &pglogrepl.TupleData{
		Columns: []*pglogrepl.TupleDataColumn{
			{DataType: 't', Data: []byte("7")},
			{DataType: 'n'},
			{DataType: 'u'},
		},
	}

	td, err := buildTuple(rel, tuple)
	require.NoError(t, err)
	require.Len(t, td.Values, 3)
	assert.Equal(t, types.ValueText, td.Values[0].Kind)
	assert.Equal(t, []byte("7"), td.Values[0].Data)
	assert.Equal(t, types.ValueNull, td.Values[1].Kind)
	assert.Equal(t, types.ValueUnchanged, td.Values[2].Kind)
	assert.Equal(t, uint64(0b100), td.ToastBitmap, "column 2 (blob) is the only Unchanged column")
}

func TestBuildTupleNilIsZeroValue(t *testing.T) {
	td, err := buildTuple(testRelation(), nil)
	require.NoError(t, err)
	assert.Zero(t, td)
}

func TestBuildTupleColumnCountMismatch(t *testing.T) {
	tuple := &pglogrepl.TupleData{
		Columns: []*pglogrepl.TupleDataColumn{{DataType: 't', Data: []byte("1")}},
	}
	_, err := buildTuple(testRelation(), tuple)
	assert.Error(t, err, "wire tuple column count must match the cached relation")
}

func TestBuildTupleRejectsUnknownTag(t *testing.T) {
	tuple := &pglogrepl.TupleData{
		Columns: []*pglogrepl.TupleDataColumn{
			{DataType: 'x'},
			{DataType: 'n'},
			{DataType: 'n'},
		},
	}
	_, err := buildTuple(testRelation(), tuple)
	assert.Error(t, err)
}

func TestRelationFromMessageMarksKeyColumns(t *testing.T) {
	msg := &pglogrepl.RelationMessage{
		RelationID:      42,
		Namespace:       "public",
		RelationName:    "orders",
		ReplicaIdentity: 'f',
		Columns: []*pglogrepl.RelationMessageColumn{
			{Name: "id", DataType: 23, Flags: 1},
			{Name: "total", DataType: 701, Flags: 0},
		},
	}

	rel := relationFromMessage(msg)
	assert.Equal(t, uint32(42), rel.RelationID)
	assert.Equal(t, "public.orders", rel.QualifiedName())
	assert.Equal(t, types.ReplicaIdentityFull, rel.ReplicaIdentity)
	require.Len(t, rel.Columns, 2)
	assert.True(t, rel.Columns[0].IsKey)
	assert.False(t, rel.Columns[1].IsKey)
	assert.Len(t, rel.KeyColumns(), 1)
}
