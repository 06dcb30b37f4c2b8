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

// Package schema caches the column layout of every relation the
// decoder has seen a Relation message for, keyed by the source's
// relation id.
package schema

import (
	"sync"

	"github.com/dbmazz/dbmazz/internal/types"
)

// Cache is a relation-id-keyed store of Relation metadata. The decoder
// is the sole writer; the sink reads concurrently.
type Cache struct {
	mu   sync.RWMutex
	rels map[uint32]types.Relation
}

var _ types.SchemaCache = (*Cache)(nil)

// New returns an empty Cache.
func New() *Cache {
	return &Cache{rels: make(map[uint32]types.Relation)}
}

// Upsert replaces or inserts the Relation under its RelationID.
func (c *Cache) Upsert(rel types.Relation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rels[rel.RelationID] = rel
}

// Get returns the cached Relation and true, or a zero Relation and
// false if relationID has not been registered.
func (c *Cache) Get(relationID uint32) (types.Relation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rel, ok := c.rels[relationID]
	return rel, ok
}

// ListColumns returns the column slice for relationID, or
// ErrUnknownRelation if it has not been registered.
func (c *Cache) ListColumns(relationID uint32) ([]types.Column, error) {
	rel, ok := c.Get(relationID)
	if !ok {
		return nil, types.ErrUnknownRelation
	}
	return rel.Columns, nil
}

// Changed reports whether candidate's column layout differs from the
// currently cached Relation for the same id. It returns false if the
// relation has not been seen before, since that is a new registration,
// not a change.
func (c *Cache) Changed(candidate types.Relation) bool {
	existing, ok := c.Get(candidate.RelationID)
	if !ok {
		return false
	}
	if len(existing.Columns) != len(candidate.Columns) {
		return true
	}
	for i := range existing.Columns {
		if existing.Columns[i] != candidate.Columns[i] {
			return true
		}
	}
	return existing.ReplicaIdentity != candidate.ReplicaIdentity
}
