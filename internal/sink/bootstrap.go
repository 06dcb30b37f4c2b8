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
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql" // StarRocks speaks the MySQL protocol on its query port
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dbmazz/dbmazz/internal/faults"
)

// auditColumnDDL maps each synthesized audit column to its StarRocks
// type, in the order they are appended to the target tables.
var auditColumnDDL = []struct{ name, typ string }{
	{colOpType, "TINYINT"},
	{colIsDeleted, "BOOLEAN"},
	{colSyncedAt, "DATETIME"},
	{colCDCVer, "BIGINT"},
}

// Bootstrap appends the four audit columns to every target table,
// issuing one ALTER TABLE per column over the StarRocks MySQL-protocol
// query port and tolerating columns that already exist, so a restart
// is idempotent. tables holds the source-side references from the
// TABLES setting; only the table part of a schema-qualified reference
// names the StarRocks table. An empty queryAddr skips the bootstrap
// entirely, for deployments whose tables are provisioned out of band.
func (s *Sink) Bootstrap(ctx context.Context, queryAddr string, tables []string) error {
	if queryAddr == "" {
		log.Info("no StarRocks query address configured, skipping audit-column bootstrap")
		return nil
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?timeout=5s", s.cfg.User, s.cfg.Pass, queryAddr, s.cfg.Database)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return errors.Wrapf(faults.ErrSinkFatal, "open StarRocks query connection: %v", err)
	}
	defer db.Close()

	for _, ref := range tables {
		table := sinkTableName(ref)
		for _, col := range auditColumnDDL {
			stmt := fmt.Sprintf("ALTER TABLE `%s`.`%s` ADD COLUMN `%s` %s",
				s.cfg.Database, table, col.name, col.typ)
			if _, err := db.ExecContext(ctx, stmt); err != nil && !isDuplicateColumnError(err) {
				return errors.Wrapf(faults.ErrSinkFatal,
					"append audit column %s to %s: %v", col.name, table, err)
			}
		}
		log.WithField("table", table).Debug("audit columns present")
	}
	return nil
}

// sinkTableName strips the source-side schema qualifier from a table
// reference: the StarRocks target is flat within its database.
func sinkTableName(ref string) string {
	if _, name, ok := strings.Cut(ref, "."); ok {
		return name
	}
	return ref
}

func isDuplicateColumnError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
