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

// Package config loads dbmazz's runtime configuration from
// environment variables, bound through pflag so the same values can
// be overridden on the command line, and validated in Preflight
// before the daemon starts any long-running task.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/dbmazz/dbmazz/internal/faults"
	"github.com/dbmazz/dbmazz/internal/sink"
)

// Config is the user-visible configuration for running the dbmazz
// daemon, sourced from the environment variables named in §6.
type Config struct {
	// DatabaseURL is a Postgres connection string for the source,
	// suitable for pgconn.Connect with replication=database appended.
	DatabaseURL string
	// SlotName is the logical replication slot to bootstrap/consume.
	SlotName string
	// PublicationName is the publication the slot is bound to.
	PublicationName string
	// Tables is the comma-separated TABLES env var, split and trimmed.
	Tables []string

	// StarRocksURL is the StarRocks FE HTTP endpoint.
	StarRocksURL string
	// StarRocksDB is the target StarRocks database.
	StarRocksDB string
	// StarRocksUser and StarRocksPass authenticate Stream Load.
	StarRocksUser, StarRocksPass string
	// StarRocksQueryAddr is the host:port of the StarRocks
	// MySQL-protocol query port, used by the audit-column bootstrap.
	// Empty skips the bootstrap (tables provisioned out of band).
	StarRocksQueryAddr string

	// FlushSize is the pipeline's event-count flush trigger.
	FlushSize int
	// FlushIntervalMS is the pipeline's elapsed-time flush trigger, in
	// milliseconds.
	FlushIntervalMS int

	// SinkParallelism bounds concurrent sub-batch requests; default 1.
	SinkParallelism int
	// OnTruncate selects the synthetic-truncate-marker policy (see
	// DESIGN.md's Open Question resolution). Only "flush_and_wipe" is
	// currently supported.
	OnTruncate string

	// rawTables holds the unsplit --tables flag value between Bind and
	// Preflight; it is not part of the user-visible configuration.
	rawTables *string
}

// Bind registers flags for every configuration field, defaulted from
// the corresponding environment variable.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.DatabaseURL, "databaseURL", os.Getenv("DATABASE_URL"),
		"Postgres connection string for the source (env DATABASE_URL)")
	flags.StringVar(&c.SlotName, "slotName", os.Getenv("SLOT_NAME"),
		"logical replication slot name (env SLOT_NAME)")
	flags.StringVar(&c.PublicationName, "publicationName", os.Getenv("PUBLICATION_NAME"),
		"publication name the slot is bound to (env PUBLICATION_NAME)")

	var tables string
	flags.StringVar(&tables, "tables", os.Getenv("TABLES"),
		"comma-separated list of tables to replicate (env TABLES)")

	flags.StringVar(&c.StarRocksURL, "starrocksURL", os.Getenv("STARROCKS_URL"),
		"StarRocks FE HTTP endpoint (env STARROCKS_URL)")
	flags.StringVar(&c.StarRocksDB, "starrocksDB", os.Getenv("STARROCKS_DB"),
		"target StarRocks database (env STARROCKS_DB)")
	flags.StringVar(&c.StarRocksUser, "starrocksUser", os.Getenv("STARROCKS_USER"),
		"StarRocks Stream Load user (env STARROCKS_USER)")
	flags.StringVar(&c.StarRocksPass, "starrocksPass", os.Getenv("STARROCKS_PASS"),
		"StarRocks Stream Load password (env STARROCKS_PASS)")
	flags.StringVar(&c.StarRocksQueryAddr, "starrocksQueryAddr", os.Getenv("STARROCKS_QUERY_ADDR"),
		"host:port of the StarRocks MySQL-protocol query port, for the audit-column bootstrap; empty skips it (env STARROCKS_QUERY_ADDR)")

	flags.IntVar(&c.FlushSize, "flushSize", envInt("FLUSH_SIZE", 1500),
		"pipeline flush trigger: accumulated event count (env FLUSH_SIZE)")
	flags.IntVar(&c.FlushIntervalMS, "flushIntervalMs", envInt("FLUSH_INTERVAL_MS", 5000),
		"pipeline flush trigger: elapsed milliseconds since the oldest queued event (env FLUSH_INTERVAL_MS)")

	flags.IntVar(&c.SinkParallelism, "sinkParallelism", envInt("SINK_PARALLELISM", 1),
		"maximum concurrent Stream Load sub-batch requests")
	flags.StringVar(&c.OnTruncate, "onTruncate", envString("ON_TRUNCATE", string(sink.FlushAndWipe)),
		"policy for handling Truncate messages")

	// tables is parsed into c.Tables by Preflight, once flag parsing has
	// populated it from either the flag or its env-var default.
	c.rawTables = &tables
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Preflight validates that every required value is present and
// splits the raw tables flag. It returns a faults.ErrConfigFatal-
// wrapped error naming the missing setting on failure.
func (c *Config) Preflight() error {
	required := map[string]string{
		"DATABASE_URL/--databaseURL":         c.DatabaseURL,
		"SLOT_NAME/--slotName":               c.SlotName,
		"PUBLICATION_NAME/--publicationName": c.PublicationName,
		"STARROCKS_URL/--starrocksURL":       c.StarRocksURL,
		"STARROCKS_DB/--starrocksDB":         c.StarRocksDB,
		"STARROCKS_USER/--starrocksUser":     c.StarRocksUser,
		"STARROCKS_PASS/--starrocksPass":     c.StarRocksPass,
	}
	for name, v := range required {
		if v == "" {
			return errors.Wrapf(faults.ErrConfigFatal, "%s is required", name)
		}
	}

	if c.rawTables != nil {
		c.Tables = splitTables(*c.rawTables)
	}
	if len(c.Tables) == 0 {
		return errors.Wrap(faults.ErrConfigFatal, "TABLES/--tables must name at least one table")
	}

	if c.FlushSize <= 0 {
		return errors.Wrap(faults.ErrConfigFatal, "FLUSH_SIZE/--flushSize must be positive")
	}
	if c.FlushIntervalMS <= 0 {
		return errors.Wrap(faults.ErrConfigFatal, "FLUSH_INTERVAL_MS/--flushIntervalMs must be positive")
	}
	if c.SinkParallelism <= 0 {
		c.SinkParallelism = 1
	}
	if sink.OnTruncate(c.OnTruncate) != sink.FlushAndWipe {
		return errors.Wrapf(faults.ErrConfigFatal, "onTruncate: unsupported policy %q", c.OnTruncate)
	}

	return nil
}

func splitTables(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
