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

	"github.com/dbmazz/dbmazz/internal/faults"
	"github.com/dbmazz/dbmazz/internal/schema"
	"github.com/dbmazz/dbmazz/internal/types"
)

func newTestDecoder() (*Decoder, *schema.Cache) {
	cache := schema.New()
	cache.Upsert(testRelation())
	return New(cache), cache
}

func insertMessage(id, name string) *pglogrepl.InsertMessage {
	return &pglogrepl.InsertMessage{
		RelationID: 1,
		Tuple: &pglogrepl.TupleData{
			Columns: []*pglogrepl.TupleDataColumn{
				{DataType: 't', Data: []byte(id)},
				{DataType: 't', Data: []byte(name)},
				{DataType: 'n'},
			},
		},
	}
}

func TestDecoderStampsTransactionEventsWithCommitMarker(t *testing.T) {
	d, _ := newTestDecoder()
	frame := NewFrameRef([]byte("frame"), nil)
	defer frame.Done()

	d.beginTxn(pglogrepl.LSN(500))
	require.NoError(t, d.handleInsert(insertMessage("1", "a"), frame))
	require.NoError(t, d.handleInsert(insertMessage("2", "b"), frame))

	res, err := d.commitTxn(&pglogrepl.CommitMessage{CommitLSN: 500})
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	assert.Equal(t, pglogrepl.LSN(500), res.CommitMarker)
	for _, e := range res.Events {
		assert.Equal(t, pglogrepl.LSN(500), e.CommitMarker)
	}

	assert.False(t, d.inTxn, "commit must close the transaction")
	assert.Empty(t, d.pending)
}

func TestDecoderCommitWithoutBeginIsFatal(t *testing.T) {
	d, _ := newTestDecoder()
	_, err := d.commitTxn(&pglogrepl.CommitMessage{CommitLSN: 9})
	assert.ErrorIs(t, err, faults.ErrDecodeFatal)
}

func TestDecoderInsertForUnknownRelationIsFatal(t *testing.T) {
	d, _ := newTestDecoder()
	frame := NewFrameRef([]byte("frame"), nil)
	defer frame.Done()

	d.beginTxn(1)
	msg := insertMessage("1", "a")
	msg.RelationID = 999
	err := d.handleInsert(msg, frame)
	assert.ErrorIs(t, err, faults.ErrDecodeFatal)
}

func TestDecoderInsertWithUnchangedColumnIsFatal(t *testing.T) {
	d, _ := newTestDecoder()
	frame := NewFrameRef([]byte("frame"), nil)
	defer frame.Done()

	d.beginTxn(1)
	msg := insertMessage("1", "a")
	msg.Tuple.Columns[2].DataType = 'u'
	err := d.handleInsert(msg, frame)
	assert.ErrorIs(t, err, faults.ErrDecodeFatal)
	assert.Empty(t, d.pending, "a malformed insert must not enqueue an event")
}

func TestDecoderUpdateRequiresOldTupleUnderReplicaIdentityFull(t *testing.T) {
	d, cache := newTestDecoder()
	rel := testRelation()
	rel.ReplicaIdentity = types.ReplicaIdentityFull
	cache.Upsert(rel)

	frame := NewFrameRef([]byte("frame"), nil)
	defer frame.Done()

	d.beginTxn(1)
	err := d.handleUpdate(&pglogrepl.UpdateMessage{
		RelationID: 1,
		NewTuple:   insertMessage("1", "a").Tuple,
	}, frame)
	assert.ErrorIs(t, err, faults.ErrDecodeFatal)
}

func TestDecoderDeleteRequiresOldTuple(t *testing.T) {
	d, _ := newTestDecoder()
	frame := NewFrameRef([]byte("frame"), nil)
	defer frame.Done()

	d.beginTxn(1)
	err := d.handleDelete(&pglogrepl.DeleteMessage{RelationID: 1}, frame)
	assert.ErrorIs(t, err, faults.ErrDecodeFatal)
}

func TestDecoderWithholdsChangedRelationUntilApplied(t *testing.T) {
	d, cache := newTestDecoder()

	msg := &pglogrepl.RelationMessage{
		RelationID:   1,
		Namespace:    "public",
		RelationName: "widgets",
		Columns: []*pglogrepl.RelationMessageColumn{
			{Name: "id", DataType: 23, Flags: 1},
			{Name: "name", DataType: 25},
			{Name: "blob", DataType: 17},
			{Name: "added", DataType: 25},
		},
	}

	res, err := d.handleRelation(msg)
	require.NoError(t, err)
	assert.True(t, res.SchemaChanged)

	cached, ok := cache.Get(1)
	require.True(t, ok)
	assert.Len(t, cached.Columns, 3, "the changed layout must not take effect before the drain")

	d.ApplyPendingRelations()
	cached, ok = cache.Get(1)
	require.True(t, ok)
	assert.Len(t, cached.Columns, 4)
	assert.Empty(t, d.pendingRelations)
}

func TestDecoderUpsertsNewRelationImmediately(t *testing.T) {
	d, cache := newTestDecoder()

	msg := &pglogrepl.RelationMessage{
		RelationID:   2,
		Namespace:    "public",
		RelationName: "gadgets",
		Columns: []*pglogrepl.RelationMessageColumn{
			{Name: "id", DataType: 23, Flags: 1},
		},
	}

	res, err := d.handleRelation(msg)
	require.NoError(t, err)
	assert.False(t, res.SchemaChanged)

	_, ok := cache.Get(2)
	assert.True(t, ok, "a first-seen relation registers without a drain")
}

func TestDecoderTruncateSynthesizesWipeMarkers(t *testing.T) {
	d, _ := newTestDecoder()

	d.beginTxn(77)
	require.NoError(t, d.handleTruncate(&pglogrepl.TruncateMessage{RelationIDs: []uint32{1}}))

	res, err := d.commitTxn(&pglogrepl.CommitMessage{CommitLSN: 77})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.Equal(t, types.EventDelete, ev.Kind)
	assert.Nil(t, ev.NewTuple)
	assert.Nil(t, ev.OldTuple, "a wipe marker carries no row identity")
	assert.Equal(t, pglogrepl.LSN(77), ev.CommitMarker)
}
