// Copyright 2026 gorse Project Authors
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
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorse-io/flavor/base/log"
	"github.com/gorse-io/flavor/common/parallel"
	"github.com/juju/errors"
	"github.com/spf13/cast"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultPageSize  = 2000
	DefaultKeepAlive = 10 * time.Second
	DefaultMaxTerms  = 65536
)

var tracer = otel.Tracer("github.com/gorse-io/flavor/storage/data")

// ScanError reports a scan that could not be completed. No partial result
// accompanies it and the scan must be restarted from scratch.
type ScanError struct {
	Source Source
	Filter Filter
	Err    error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("failed to scan %s where %s: %v", e.Source, e.Filter, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// Scanner drives the scroll protocol of a database to completion.
type Scanner struct {
	Database   Database
	PageSize   int
	KeepAlive  time.Duration
	MaxTerms   int
	MaxRetries int
}

func NewScanner(database Database) *Scanner {
	return &Scanner{
		Database:  database,
		PageSize:  DefaultPageSize,
		KeepAlive: DefaultKeepAlive,
		MaxTerms:  DefaultMaxTerms,
	}
}

// Scroller iterates the pages of one scan. Pages are fetched one at a time
// since each request consumes the cursor returned by the previous one. A
// scroller can't be restarted and any error is returned by all later calls.
type Scroller struct {
	scanner  *Scanner
	source   Source
	filter   Filter
	fields   []string
	scrollId string
	started  bool
	total    int64
	err      error
}

// Open starts a lazy scan. Nothing is requested until the first call to Next.
func (s *Scanner) Open(source Source, filter Filter, fields ...string) *Scroller {
	return &Scroller{
		scanner: s,
		source:  source,
		filter:  filter,
		fields:  fields,
		total:   -1,
	}
}

// Next returns the next page of hits, or io.EOF once the backend returns an
// empty page.
func (it *Scroller) Next(ctx context.Context) ([]Hit, error) {
	if it.err != nil {
		return nil, it.err
	}
	var (
		page Page
		err  error
	)
	if !it.started {
		it.started = true
		page, err = it.scanner.Database.Search(ctx, SearchRequest{
			Source:    it.source,
			Filter:    it.filter,
			Fields:    it.fields,
			Size:      it.scanner.PageSize,
			KeepAlive: it.scanner.KeepAlive,
		})
		it.total = page.Total
	} else {
		page, err = it.scanner.Database.Scroll(ctx, it.scrollId, it.scanner.KeepAlive)
	}
	if err != nil {
		it.err = errors.Trace(err)
		it.release(ctx)
		return nil, it.err
	}
	if page.ScrollId != "" {
		it.scrollId = page.ScrollId
	}
	ScanPagesTotal.Inc()
	if len(page.Hits) == 0 {
		it.err = io.EOF
		it.release(ctx)
		return nil, io.EOF
	}
	ScanHitsTotal.Add(float64(len(page.Hits)))
	return page.Hits, nil
}

// Total returns the number of matched records reported by the backend, or a
// negative number if it is unknown.
func (it *Scroller) Total() int64 {
	return it.total
}

// Close releases the scroll. Later calls to Next return io.EOF.
func (it *Scroller) Close(ctx context.Context) {
	if it.err == nil {
		it.err = io.EOF
	}
	it.release(ctx)
}

func (it *Scroller) release(ctx context.Context) {
	if it.scrollId == "" {
		return
	}
	if err := it.scanner.Database.ClearScroll(context.WithoutCancel(ctx), it.scrollId); err != nil {
		log.Logger().Warn("failed to clear scroll", zap.String("scroll_id", it.scrollId), zap.Error(err))
	}
	it.scrollId = ""
}

// Merge collects every hit matching the filter. A terms filter with more ids
// than MaxTerms is split into chunks scanned one after another. A failed scan
// is restarted up to MaxRetries times.
func (s *Scanner) Merge(ctx context.Context, source Source, filter Filter, fields ...string) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "Scanner.Merge", trace.WithAttributes(
		attribute.String("source", source.String()),
		attribute.String("filter", filter.String()),
	))
	defer span.End()
	start := time.Now()
	var hits []Hit
	for _, chunk := range s.split(filter) {
		chunkHits, err := s.mergeWithRetry(ctx, source, chunk, fields)
		if err != nil {
			ScanFailuresTotal.Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, &ScanError{Source: source, Filter: filter, Err: err}
		}
		hits = append(hits, chunkHits...)
	}
	ScanSeconds.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return hits, nil
}

// CollectIDs returns the distinct ids of a field among hits matching the
// filter, in ascending order.
func (s *Scanner) CollectIDs(ctx context.Context, source Source, filter Filter, field string) ([]int64, error) {
	hits, err := s.Merge(ctx, source, filter, field)
	if err != nil {
		return nil, err
	}
	set := mapset.NewThreadUnsafeSet[int64]()
	for _, hit := range hits {
		set.Add(cast.ToInt64(hit[field]))
	}
	ids := set.ToSlice()
	slices.Sort(ids)
	return ids, nil
}

func (s *Scanner) split(filter Filter) []Filter {
	if filter.Kind != TermsFilter || s.MaxTerms <= 0 || len(filter.Values) <= s.MaxTerms {
		return []Filter{filter}
	}
	chunks := parallel.Chunk(filter.Values, s.MaxTerms)
	filters := make([]Filter, len(chunks))
	for i, chunk := range chunks {
		filters[i] = Terms(filter.Field, chunk...)
	}
	return filters
}

func (s *Scanner) mergeWithRetry(ctx context.Context, source Source, filter Filter, fields []string) ([]Hit, error) {
	attempt := 0
	return backoff.Retry(ctx, func() ([]Hit, error) {
		if attempt > 0 {
			ScanRetriesTotal.Inc()
			log.Logger().Warn("restart scan", zap.String("source", source.String()),
				zap.String("filter", filter.String()), zap.Int("attempt", attempt))
		}
		attempt++
		hits, err := s.merge(ctx, source, filter, fields)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return hits, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(uint(s.MaxRetries+1)))
}

func (s *Scanner) merge(ctx context.Context, source Source, filter Filter, fields []string) ([]Hit, error) {
	it := s.Open(source, filter, fields...)
	defer it.Close(ctx)
	var hits []Hit
	for {
		page, err := it.Next(ctx)
		if err == io.EOF {
			return hits, nil
		} else if err != nil {
			return nil, err
		}
		hits = append(hits, page...)
	}
}
