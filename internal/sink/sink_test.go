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

package sink

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbmazz/dbmazz/internal/schema"
	"github.com/dbmazz/dbmazz/internal/types"
)

func testRelation() types.Relation {
	return types.Relation{
		RelationID: 7,
		Namespace:  "public",
		Name:       "widgets",
		Columns: []types.Column{
			{Name: "id", TypeOID: 23, IsKey: true},
			{Name: "name", TypeOID: 25},
			{Name: "blob", TypeOID: 17},
		},
	}
}

type capturedRequest struct {
	path    string
	headers http.Header
	body    []byte
}

func newRecordingServer(t *testing.T, status string) (*httptest.Server, *[]capturedRequest, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var requests []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, capturedRequest{path: r.URL.Path, headers: r.Header.Clone(), body: body})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(streamLoadResponse{Status: status})
	}))
	return srv, &requests, &mu
}

func TestSinkLoadSeparatesUpsertsAndDeletesIntoDistinctRequests(t *testing.T) {
	srv, requests, mu := newRecordingServer(t, "Success")
	defer srv.Close()

	rel := testRelation()
	schemaCache := schema.New()
	schemaCache.Upsert(rel)

	s := New(Config{BaseURL: srv.URL, Database: "analytics", User: "u", Pass: "p", OnTruncate: FlushAndWipe}, schemaCache)

	newTuple, err := types.NewTupleData([]types.TupleValue{
		{Kind: types.ValueText, Data: []byte("1")},
		{Kind: types.ValueText, Data: []byte("widget")},
		{Kind: types.ValueUnchanged},
	})
	require.NoError(t, err)
	oldTuple, err := types.NewTupleData([]types.TupleValue{
		{Kind: types.ValueText, Data: []byte("2")},
		{Kind: types.ValueText, Data: []byte("x")},
		{Kind: types.ValueNull},
	})
	require.NoError(t, err)

	batch := &types.Batch{}
	batch.Add(types.ChangeEvent{Kind: types.EventInsert, RelationID: rel.RelationID, NewTuple: &newTuple, CommitMarker: 10})
	batch.Add(types.ChangeEvent{Kind: types.EventDelete, RelationID: rel.RelationID, OldTuple: &oldTuple, CommitMarker: 11})

	confirmed, err := s.Load(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, pglogrepl.LSN(11), confirmed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *requests, 2, "insert and delete sub-batches must produce separate Stream Load requests")

	var upsertReq, deleteReq *capturedRequest
	for i := range *requests {
		req := &(*requests)[i]
		if strings.Contains(req.headers.Get("columns"), "name") {
			upsertReq = req
		} else {
			deleteReq = req
		}
	}
	require.NotNil(t, upsertReq, "the upsert sub-batch projects the non-key, non-toasted column 'name'")
	require.NotNil(t, deleteReq)
	assert.Contains(t, upsertReq.headers.Get("columns"), "id")
	assert.NotContains(t, upsertReq.headers.Get("columns"), "blob", "the toasted-and-omitted column must not be projected")
	assert.Equal(t, "id", strings.Split(deleteReq.headers.Get("columns"), ",")[0], "a delete row projects only the key columns")
	assert.Equal(t, "true", upsertReq.headers.Get("partial_update"), "a sub-batch with a nonzero toast bitmap must use partial update")
}

func TestSinkLoadEmptyBatchIsNoop(t *testing.T) {
	srv, requests, mu := newRecordingServer(t, "Success")
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL, Database: "analytics", OnTruncate: FlushAndWipe}, schema.New())
	confirmed, err := s.Load(context.Background(), &types.Batch{})
	require.NoError(t, err)
	assert.Zero(t, confirmed)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, *requests)
}

func TestSinkLoadTruncateWipesWithoutRowPayload(t *testing.T) {
	srv, requests, mu := newRecordingServer(t, "Success")
	defer srv.Close()

	rel := testRelation()
	schemaCache := schema.New()
	schemaCache.Upsert(rel)
	s := New(Config{BaseURL: srv.URL, Database: "analytics", OnTruncate: FlushAndWipe}, schemaCache)

	batch := &types.Batch{}
	batch.Add(types.ChangeEvent{Kind: types.EventDelete, RelationID: rel.RelationID, CommitMarker: 5})

	confirmed, err := s.Load(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, pglogrepl.LSN(5), confirmed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *requests, 1)
	assert.Equal(t, "false", (*requests)[0].headers.Get("partial_update"))
}

func TestPartitionDeletesSplitsRowsFromWipeMarkers(t *testing.T) {
	oldTuple := types.TupleData{}
	rows, wipeCount := partitionDeletes([]types.ChangeEvent{
		{Kind: types.EventDelete, OldTuple: &oldTuple},
		{Kind: types.EventDelete},
		{Kind: types.EventDelete},
	})
	assert.Len(t, rows, 1)
	assert.Equal(t, 2, wipeCount)
}

func TestReconcileMarkersAllSucceed(t *testing.T) {
	confirmed, err := reconcileMarkers([]subResult{
		{minMark: 1, maxMark: 5},
		{minMark: 6, maxMark: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, pglogrepl.LSN(10), confirmed)
}

func TestReconcileMarkersOneFailureCapsConfirmedBelowIt(t *testing.T) {
	confirmed, err := reconcileMarkers([]subResult{
		{minMark: 1, maxMark: 5},
		{minMark: 6, maxMark: 10, err: assert.AnError},
		{minMark: 11, maxMark: 15},
	})
	require.Error(t, err)
	assert.Equal(t, pglogrepl.LSN(5), confirmed, "a sub-batch at or after the failed one's min marker must not confirm")
}

func TestReconcileMarkersAllFail(t *testing.T) {
	confirmed, err := reconcileMarkers([]subResult{
		{minMark: 1, maxMark: 5, err: assert.AnError},
	})
	require.Error(t, err)
	assert.Zero(t, confirmed)
}

func TestIsSchemaMismatch(t *testing.T) {
	assert.True(t, isSchemaMismatch("Column count mismatch"))
	assert.True(t, isSchemaMismatch("unknown column 'foo'"))
	assert.False(t, isSchemaMismatch("internal server error"))
}

func TestSinkLoadDedupsRepeatedPrimaryKeyWithinSubBatch(t *testing.T) {
	srv, requests, mu := newRecordingServer(t, "Success")
	defer srv.Close()

	rel := testRelation()
	schemaCache := schema.New()
	schemaCache.Upsert(rel)
	s := New(Config{BaseURL: srv.URL, Database: "analytics", OnTruncate: FlushAndWipe}, schemaCache)

	first, err := types.NewTupleData([]types.TupleValue{
		{Kind: types.ValueText, Data: []byte("1")},
		{Kind: types.ValueText, Data: []byte("stale")},
		{Kind: types.ValueNull},
	})
	require.NoError(t, err)
	second, err := types.NewTupleData([]types.TupleValue{
		{Kind: types.ValueText, Data: []byte("1")},
		{Kind: types.ValueText, Data: []byte("fresh")},
		{Kind: types.ValueNull},
	})
	require.NoError(t, err)

	batch := &types.Batch{}
	batch.Add(types.ChangeEvent{Kind: types.EventInsert, RelationID: rel.RelationID, NewTuple: &first, CommitMarker: 20})
	batch.Add(types.ChangeEvent{Kind: types.EventUpdate, RelationID: rel.RelationID, NewTuple: &second, CommitMarker: 21})

	confirmed, err := s.Load(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, pglogrepl.LSN(21), confirmed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *requests, 1, "both events share a projection and a primary key")

	lines := strings.Split(strings.TrimSpace(string((*requests)[0].body)), "\n")
	require.Len(t, lines, 1, "the superseded row must not be shipped")

	var row map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &row))
	assert.Equal(t, "fresh", row["name"])
	assert.EqualValues(t, 21, row["dbmazz_cdc_version"])
}
