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

// Bootstrap itself needs a live StarRocks query port and is covered by
// the integration suite; this file covers the pieces that do not.
package sink

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestSinkTableNameStripsSchemaQualifier(t *testing.T) {
	assert.Equal(t, "orders", sinkTableName("public.orders"))
	assert.Equal(t, "orders", sinkTableName("orders"))
}

func TestIsDuplicateColumnError(t *testing.T) {
	assert.True(t, isDuplicateColumnError(errors.New("Duplicate column name 'dbmazz_op_type'")))
	assert.True(t, isDuplicateColumnError(errors.New("Error: column dbmazz_op_type already exists")))
	assert.False(t, isDuplicateColumnError(errors.New("Unknown table 'orders'")))
}

func TestAuditColumnDDLMatchesAuditColumns(t *testing.T) {
	names := make([]string, len(auditColumnDDL))
	for i, c := range auditColumnDDL {
		names[i] = c.name
	}
	assert.Equal(t, auditColumns, names, "the bootstrapped columns must match the serialized ones, in order")
}
