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

// Package ident provides minimal SQL identifier quoting, used by the
// reader to quote the publication name and the namespace-qualified
// table names in its CREATE PUBLICATION bootstrap.
package ident

import "strings"

// Ident is a single, unquoted SQL identifier.
type Ident string

// Quote returns i wrapped in double quotes, with any embedded double
// quote doubled per the SQL standard.
func (i Ident) Quote() string {
	return `"` + strings.ReplaceAll(string(i), `"`, `""`) + `"`
}

func (i Ident) String() string {
	return string(i)
}

// Table is a namespace-qualified table name.
type Table struct {
	Schema Ident
	Name   Ident
}

// NewTable builds a Table from raw schema and name strings.
func NewTable(schema, name string) Table {
	return Table{Schema: Ident(schema), Name: Ident(name)}
}

// Quote returns the table name as a schema-qualified, quoted
// identifier: "schema"."name".
func (t Table) Quote() string {
	return t.Schema.Quote() + "." + t.Name.Quote()
}

func (t Table) String() string {
	return t.Schema.String() + "." + t.Name.String()
}
