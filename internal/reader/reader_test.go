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

// The receive loop itself requires a live replication connection and is
// left to the integration suite; this file covers the logic that does
// not depend on one.
package reader

import (
	"context"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/dbmazz/dbmazz/internal/types"
)

func newTestReader() *Reader {
	return New(Config{}, nil, func(context.Context, []types.ChangeEvent, pglogrepl.LSN) error {
		return nil
	})
}

func TestConfirmFlushAdvancesMonotonically(t *testing.T) {
	r := newTestReader()
	r.ConfirmFlush(10)
	assert.Equal(t, pglogrepl.LSN(10), r.FlushLSN())

	r.ConfirmFlush(25)
	assert.Equal(t, pglogrepl.LSN(25), r.FlushLSN())
}

func TestConfirmFlushNeverRegresses(t *testing.T) {
	r := newTestReader()
	r.ConfirmFlush(100)
	r.ConfirmFlush(40)
	assert.Equal(t, pglogrepl.LSN(100), r.FlushLSN(), "a smaller marker must never roll the flush position back")
}

func TestConfirmFlushIgnoresEqualMarker(t *testing.T) {
	r := newTestReader()
	r.ConfirmFlush(50)
	r.ConfirmFlush(50)
	assert.Equal(t, pglogrepl.LSN(50), r.FlushLSN())
}

func TestIsAlreadyExistsErrorMatches(t *testing.T) {
	assert.True(t, isAlreadyExistsError(errors.New(`ERROR: replication slot "dbmazz_slot" already exists (SQLSTATE 42710)`)))
	assert.True(t, isAlreadyExistsError(errors.New(`ERROR: publication "dbmazz_pub" already exists (SQLSTATE 42710)`)))
	assert.False(t, isAlreadyExistsError(errors.New("connection refused")))
}

func TestQuoteTableRef(t *testing.T) {
	assert.Equal(t, `"public"."orders"`, quoteTableRef("public.orders"))
	assert.Equal(t, `"orders"`, quoteTableRef("orders"))
}
