// Copyright 2021 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package data

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SearchSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flavor",
		Subsystem: "database",
		Name:      "search_seconds",
	}, []string{"database"})
	ScrollSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flavor",
		Subsystem: "database",
		Name:      "scroll_seconds",
	}, []string{"database"})

	ScanSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "flavor",
		Subsystem: "scan",
		Name:      "scan_seconds",
	})
	ScanPagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flavor",
		Subsystem: "scan",
		Name:      "pages_total",
	})
	ScanHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flavor",
		Subsystem: "scan",
		Name:      "hits_total",
	})
	ScanRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flavor",
		Subsystem: "scan",
		Name:      "retries_total",
	})
	ScanFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flavor",
		Subsystem: "scan",
		Name:      "failures_total",
	})
)
