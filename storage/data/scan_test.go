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
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// faultyDatabase fails the next scroll requests.
type faultyDatabase struct {
	*Memory
	scrollFailures atomic.Int32
	searches       atomic.Int32
	scrolls        atomic.Int32
}

func (db *faultyDatabase) Search(ctx context.Context, request SearchRequest) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	db.searches.Inc()
	return db.Memory.Search(ctx, request)
}

func (db *faultyDatabase) Scroll(ctx context.Context, scrollId string, keepAlive time.Duration) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	db.scrolls.Inc()
	if db.scrollFailures.Load() > 0 {
		db.scrollFailures.Dec()
		return Page{}, fmt.Errorf("connection reset")
	}
	return db.Memory.Scroll(ctx, scrollId, keepAlive)
}

func newFaultyDatabase(t *testing.T, numUsers, numItems int) *faultyDatabase {
	db := &faultyDatabase{Memory: NewMemory()}
	t.Cleanup(func() { _ = db.Close() })
	var hits []Hit
	for u := 1; u <= numUsers; u++ {
		for i := 1; i <= numItems; i++ {
			hits = append(hits, Hit{UserIdField: int64(u), ItemIdField: int64(i * 10), ValueField: float32(u)})
		}
	}
	require.NoError(t, db.BatchInsertPreferences(context.Background(), testSource, hits))
	return db
}

func TestScrollerNext(t *testing.T) {
	db := newFaultyDatabase(t, 5, 1)
	scanner := NewScanner(db)
	scanner.PageSize = 2
	it := scanner.Open(testSource, MatchAll(), PreferenceFields...)
	assert.Equal(t, int32(0), db.searches.Load())

	var sizes []int
	for {
		page, err := it.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, len(page))
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, int64(5), it.Total())
	assert.Equal(t, int32(1), db.searches.Load())
	assert.Equal(t, int32(3), db.scrolls.Load())
	// the scroll is released at the end
	assert.Zero(t, db.OpenScrolls())
	// not restartable
	_, err := it.Next(context.Background())
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, int32(1), db.searches.Load())
}

func TestScrollerStickyError(t *testing.T) {
	db := newFaultyDatabase(t, 5, 1)
	db.scrollFailures.Store(1)
	scanner := NewScanner(db)
	scanner.PageSize = 2
	it := scanner.Open(testSource, MatchAll(), PreferenceFields...)
	page, err := it.Next(context.Background())
	assert.NoError(t, err)
	assert.Len(t, page, 2)
	_, err = it.Next(context.Background())
	assert.ErrorContains(t, err, "connection reset")
	_, err2 := it.Next(context.Background())
	assert.Equal(t, err, err2)
	assert.Equal(t, int32(1), db.scrolls.Load())
	assert.Zero(t, db.OpenScrolls())
}

func TestScrollerClose(t *testing.T) {
	db := newFaultyDatabase(t, 5, 1)
	scanner := NewScanner(db)
	scanner.PageSize = 2
	it := scanner.Open(testSource, MatchAll())
	_, err := it.Next(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, db.OpenScrolls())
	it.Close(context.Background())
	assert.Zero(t, db.OpenScrolls())
	_, err = it.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestScannerMerge(t *testing.T) {
	for _, pageSize := range []int{1, 2, 3, 7, 100} {
		db := newFaultyDatabase(t, 7, 3)
		scanner := NewScanner(db)
		scanner.PageSize = pageSize
		hits, err := scanner.Merge(context.Background(), testSource, MatchAll(), PreferenceFields...)
		assert.NoError(t, err)
		assert.Len(t, hits, 21)
		assert.Equal(t, int32((21+pageSize-1)/pageSize+1), db.searches.Load()+db.scrolls.Load(), "page size %d", pageSize)
	}
}

func TestScannerMergeFailure(t *testing.T) {
	db := newFaultyDatabase(t, 5, 1)
	db.scrollFailures.Store(1)
	scanner := NewScanner(db)
	scanner.PageSize = 2
	hits, err := scanner.Merge(context.Background(), testSource, MatchAll(), PreferenceFields...)
	assert.Nil(t, hits)
	var scanError *ScanError
	assert.ErrorAs(t, err, &scanError)
	assert.Equal(t, testSource, scanError.Source)
	assert.ErrorContains(t, err, "connection reset")
	assert.Zero(t, db.OpenScrolls())
}

func TestScannerMergeRetry(t *testing.T) {
	db := newFaultyDatabase(t, 5, 1)
	db.scrollFailures.Store(1)
	scanner := NewScanner(db)
	scanner.PageSize = 2
	scanner.MaxRetries = 1
	hits, err := scanner.Merge(context.Background(), testSource, MatchAll(), PreferenceFields...)
	assert.NoError(t, err)
	// restarted from scratch, no duplicates
	assert.Len(t, hits, 5)
	assert.Equal(t, int32(2), db.searches.Load())
}

func TestScannerMergeCancel(t *testing.T) {
	db := newFaultyDatabase(t, 5, 1)
	scanner := NewScanner(db)
	scanner.MaxRetries = 3
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := scanner.Merge(ctx, testSource, MatchAll(), PreferenceFields...)
	var scanError *ScanError
	assert.ErrorAs(t, err, &scanError)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, db.searches.Load())
}

func TestScannerMergeExpired(t *testing.T) {
	db := newFaultyDatabase(t, 5, 1)
	scanner := NewScanner(db)
	scanner.PageSize = 2
	scanner.KeepAlive = 10 * time.Millisecond
	it := scanner.Open(testSource, MatchAll(), PreferenceFields...)
	_, err := it.Next(context.Background())
	assert.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = it.Next(context.Background())
	assert.True(t, errors.Is(err, ErrScrollExpired))
}

func TestScannerSplitTerms(t *testing.T) {
	db := newFaultyDatabase(t, 5, 2)
	scanner := NewScanner(db)
	scanner.MaxTerms = 2
	hits, err := scanner.Merge(context.Background(), testSource, Terms(UserIdField, 1, 2, 3, 4, 5), PreferenceFields...)
	assert.NoError(t, err)
	assert.Len(t, hits, 10)
	assert.Equal(t, int32(3), db.searches.Load())
	assert.ElementsMatch(t, []int64{1, 1, 2, 2, 3, 3, 4, 4, 5, 5}, lo.Map(hits, func(hit Hit, _ int) int64 {
		return hit[UserIdField].(int64)
	}))
}

func TestScannerCollectIDs(t *testing.T) {
	db := newFaultyDatabase(t, 4, 3)
	scanner := NewScanner(db)
	scanner.PageSize = 5
	ids, err := scanner.CollectIDs(context.Background(), testSource, MatchAll(), ItemIdField)
	assert.NoError(t, err)
	assert.Equal(t, []int64{10, 20, 30}, ids)
	ids, err = scanner.CollectIDs(context.Background(), testSource, Term(UserIdField, 100), ItemIdField)
	assert.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFilterMatcher(t *testing.T) {
	assert.True(t, MatchAll().Matcher()(Hit{}))
	assert.True(t, Term(UserIdField, 1).Matcher()(Hit{UserIdField: "1"}))
	assert.True(t, Term(UserIdField, 1).Matcher()(Hit{UserIdField: int32(1)}))
	assert.False(t, Term(UserIdField, 1).Matcher()(Hit{UserIdField: "x"}))
	assert.False(t, Term(UserIdField, 1).Matcher()(Hit{ItemIdField: 1}))
	assert.True(t, Terms(ItemIdField, 1, 2).Matcher()(Hit{ItemIdField: 2.0}))
	assert.False(t, Terms(ItemIdField).Matcher()(Hit{ItemIdField: 2}))
	assert.Equal(t, "user_id = 1", Term(UserIdField, 1).String())
	assert.Equal(t, "item_id in (2 ids)", Terms(ItemIdField, 1, 2).String())
	assert.Equal(t, "match_all", MatchAll().String())
}
