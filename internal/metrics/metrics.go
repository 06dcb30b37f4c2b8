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

// Package metrics declares the prometheus instruments shared by the
// decode, pipeline, sink, and checkpoint packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets covers sub-millisecond to multi-minute operations,
// wide enough for everything from a single decode call to a Stream
// Load PUT under retry.
var LatencyBuckets = []float64{
	.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120,
}

// RelationLabel names the relation a metric applies to.
const RelationLabel = "relation"

var relationLabels = []string{RelationLabel}

var (
	// DecodeEventsTotal counts decoded change events by relation.
	DecodeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbmazz_decode_events_total",
		Help: "the number of change events decoded, by relation",
	}, relationLabels)
	// DecodeErrorsTotal counts fatal decode failures.
	DecodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbmazz_decode_errors_total",
		Help: "the number of fatal errors encountered while decoding wire messages",
	})

	// PipelineFlushDurations tracks how long a flush's sink call
	// (encode + Stream Load) takes; the checkpoint store that follows
	// is not included.
	PipelineFlushDurations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dbmazz_pipeline_flush_duration_seconds",
		Help:    "the length of time a pipeline flush took, including the sink call",
		Buckets: LatencyBuckets,
	})
	// PipelineFlushEvents tracks how many events each flush carried.
	PipelineFlushEvents = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dbmazz_pipeline_flush_events",
		Help:    "the number of change events carried by each pipeline flush",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	})

	// SinkRequestDurations tracks the duration of individual Stream
	// Load HTTP calls, including retries within the same logical call.
	SinkRequestDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbmazz_sink_request_duration_seconds",
		Help:    "the length of time a Stream Load request took, by relation",
		Buckets: LatencyBuckets,
	}, relationLabels)
	// SinkRetriesTotal counts retried Stream Load attempts.
	SinkRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbmazz_sink_retries_total",
		Help: "the number of Stream Load attempts retried, by relation",
	}, relationLabels)
	// SinkErrorsTotal counts fatal sink failures.
	SinkErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbmazz_sink_errors_total",
		Help: "the number of fatal Stream Load failures, by relation",
	}, relationLabels)

	// CheckpointStoreDurations tracks checkpoint write latency.
	CheckpointStoreDurations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dbmazz_checkpoint_store_duration_seconds",
		Help:    "the length of time it took to persist a checkpoint",
		Buckets: LatencyBuckets,
	})
	// CheckpointErrorsTotal counts checkpoint write failures.
	CheckpointErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbmazz_checkpoint_errors_total",
		Help: "the number of errors encountered while persisting a checkpoint",
	})
)
