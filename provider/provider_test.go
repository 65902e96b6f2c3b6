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

package provider

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorse-io/flavor/dataset"
	"github.com/gorse-io/flavor/storage/data"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

var (
	sourceA = data.Source{Index: "ratings_a", Type: "rating"}
	sourceB = data.Source{Index: "ratings_b", Type: "rating"}
)

// countingDatabase counts searches and optionally holds or fails them.
// Searches are held on gate, only for gatedIndex if it is set.
type countingDatabase struct {
	*data.Memory
	searches   atomic.Int32
	fail       atomic.Bool
	gate       chan struct{}
	gatedIndex string
}

func (db *countingDatabase) Search(ctx context.Context, request data.SearchRequest) (data.Page, error) {
	db.searches.Inc()
	if db.gate != nil && (db.gatedIndex == "" || db.gatedIndex == request.Source.Index) {
		<-db.gate
	}
	if db.fail.Load() {
		return data.Page{}, fmt.Errorf("connection refused")
	}
	return db.Memory.Search(ctx, request)
}

func newCountingDatabase(t *testing.T) *countingDatabase {
	db := &countingDatabase{Memory: data.NewMemory()}
	t.Cleanup(func() { _ = db.Close() })
	insert(t, db, sourceA,
		dataset.Preference{UserId: 1, ItemId: 10, Value: 5},
		dataset.Preference{UserId: 2, ItemId: 10, Value: 3},
		dataset.Preference{UserId: 2, ItemId: 20, Value: 4},
		dataset.Preference{UserId: 3, ItemId: 30, Value: 1},
	)
	insert(t, db, sourceB,
		dataset.Preference{UserId: 4, ItemId: 40, Value: 1},
		dataset.Preference{UserId: 5, ItemId: 40, Value: 2},
		dataset.Preference{UserId: 5, ItemId: 50, Value: 3},
		dataset.Preference{UserId: 6, ItemId: 60, Value: 4},
		dataset.Preference{UserId: 6, ItemId: 40, Value: 5},
	)
	return db
}

func insert(t *testing.T, db data.Database, source data.Source, prefs ...dataset.Preference) {
	hits := make([]data.Hit, len(prefs))
	for i, p := range prefs {
		hits[i] = p.ToHit()
	}
	require.NoError(t, db.BatchInsertPreferences(context.Background(), source, hits))
}

func newTestScanner(db data.Database) *data.Scanner {
	scanner := data.NewScanner(db)
	scanner.PageSize = 2
	return scanner
}

func TestParseSettings(t *testing.T) {
	source, err := ParseSettings([]byte(`{"preference": {"index": "ratings", "type": "rating"}}`))
	assert.NoError(t, err)
	assert.Equal(t, data.Source{Index: "ratings", Type: "rating"}, source)
	source, err = ParseSettings([]byte(`{"preference": {"index": "ratings"}}`))
	assert.NoError(t, err)
	assert.Equal(t, data.Source{Index: "ratings", Type: DefaultType}, source)

	_, err = ParseSettings([]byte(`{"preference": {"type": "rating"}}`))
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = ParseSettings([]byte(`{"preference": {"index": "  "}}`))
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = ParseSettings([]byte(`{}`))
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = ParseSettings([]byte(`{"preference": `))
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestDynamicItemModel(t *testing.T) {
	db := newCountingDatabase(t)
	provider := NewDynamic(newTestScanner(db), dataset.LastWriteWins)

	model, err := provider.ItemModel(context.Background(), sourceA, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, model.UserIDs())
	assert.Equal(t, []int64{10, 20}, model.ItemIDs())
	assert.Equal(t, 3, model.NumPreferences())

	_, err = provider.ItemModel(context.Background(), sourceA, 99)
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestDynamicUserModel(t *testing.T) {
	db := newCountingDatabase(t)
	provider := NewDynamic(newTestScanner(db), dataset.LastWriteWins)

	model, err := provider.UserModel(context.Background(), sourceB, 4)
	require.NoError(t, err)
	assert.True(t, model.HasUser(4))
	assert.Equal(t, []int64{4, 5, 6}, model.UserIDs())
	assert.Equal(t, []int64{40, 50, 60}, model.ItemIDs())

	// a user with a single isolated preference
	model, err = provider.UserModel(context.Background(), sourceA, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, model.UserIDs())
	assert.Equal(t, []int64{30}, model.ItemIDs())

	_, err = provider.UserModel(context.Background(), sourceA, 99)
	assert.True(t, errors.Is(err, errors.NotFound))
	// users of another source are unknown
	_, err = provider.UserModel(context.Background(), sourceA, 4)
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestDynamicScanFailure(t *testing.T) {
	db := newCountingDatabase(t)
	db.fail.Store(true)
	provider := NewDynamic(newTestScanner(db), dataset.LastWriteWins)
	model, err := provider.UserModel(context.Background(), sourceA, 1)
	assert.Nil(t, model)
	var scanErr *data.ScanError
	assert.ErrorAs(t, err, &scanErr)
	assert.False(t, errors.Is(err, errors.NotFound))
}

func TestPreloadModel(t *testing.T) {
	db := newCountingDatabase(t)
	provider := NewPreload(newTestScanner(db), dataset.LastWriteWins, sourceA)
	assert.False(t, provider.Loaded())
	_, ok := provider.Status()
	assert.False(t, ok)

	model, err := provider.ItemModel(context.Background(), sourceA, 999)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, model.UserIDs())
	assert.Equal(t, []int64{10, 20, 30}, model.ItemIDs())
	assert.True(t, provider.Loaded())

	// later calls reuse the model
	again, err := provider.UserModel(context.Background(), sourceA, 1)
	require.NoError(t, err)
	assert.Same(t, model, again)
	assert.Equal(t, int32(1), db.searches.Load())

	status, ok := provider.Status()
	assert.True(t, ok)
	assert.Equal(t, 3, status.NumUsers)
	assert.Equal(t, 3, status.NumItems)
	assert.Equal(t, "ratings_a/rating", status.Source)
	assert.Equal(t, model.String(), status.Description)

	provider.Close()
	assert.False(t, provider.Loaded())
}

func TestPreloadSingleFlight(t *testing.T) {
	db := newCountingDatabase(t)
	db.gate = make(chan struct{})
	provider := NewPreload(newTestScanner(db), dataset.LastWriteWins, sourceA)

	const numCallers = 16
	models := make([]*dataset.DataModel, numCallers)
	var wg sync.WaitGroup
	for i := 0; i < numCallers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			model, err := provider.Model(context.Background())
			assert.NoError(t, err)
			models[i] = model
		}(i)
	}
	assert.Eventually(t, func() bool { return db.searches.Load() == 1 }, time.Second, time.Millisecond)
	close(db.gate)
	wg.Wait()

	assert.Equal(t, int32(1), db.searches.Load())
	for _, model := range models {
		assert.Same(t, models[0], model)
	}
}

func TestPreloadCancelWaiting(t *testing.T) {
	db := newCountingDatabase(t)
	db.gate = make(chan struct{})
	provider := NewPreload(newTestScanner(db), dataset.LastWriteWins, sourceA)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		_, err := provider.Model(ctx)
		done <- err
	}()
	assert.Eventually(t, func() bool { return db.searches.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// the shared build is not cancelled with its first caller
	close(db.gate)
	assert.Eventually(t, provider.Loaded, time.Second, time.Millisecond)
}

func TestPreloadFailure(t *testing.T) {
	db := newCountingDatabase(t)
	db.fail.Store(true)
	provider := NewPreload(newTestScanner(db), dataset.LastWriteWins, sourceA)
	_, err := provider.Model(context.Background())
	var scanErr *data.ScanError
	assert.ErrorAs(t, err, &scanErr)
	assert.False(t, provider.Loaded())

	// a failed reload keeps the previous model
	db.fail.Store(false)
	model, err := provider.Model(context.Background())
	require.NoError(t, err)
	db.fail.Store(true)
	_, err = provider.Reload(context.Background(), sourceB)
	assert.ErrorAs(t, err, &scanErr)
	current, err := provider.Model(context.Background())
	require.NoError(t, err)
	assert.Same(t, model, current)
	assert.Equal(t, sourceA, provider.Source())
}

func TestPreloadReload(t *testing.T) {
	db := newCountingDatabase(t)
	provider := NewPreload(newTestScanner(db), dataset.Append, sourceA)
	_, err := provider.Model(context.Background())
	require.NoError(t, err)

	status, err := provider.Reload(context.Background(), sourceB)
	require.NoError(t, err)
	assert.Equal(t, 3, status.NumUsers)
	assert.Equal(t, 3, status.NumItems)
	assert.Equal(t, sourceB, provider.Source())
	model, err := provider.Model(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5, 6}, model.UserIDs())
}

func TestPreloadLazyBuildAfterReload(t *testing.T) {
	db := newCountingDatabase(t)
	db.gate = make(chan struct{})
	db.gatedIndex = sourceA.Index
	provider := NewPreload(newTestScanner(db), dataset.LastWriteWins, sourceA)

	done := make(chan *dataset.DataModel)
	go func() {
		model, err := provider.Model(context.Background())
		assert.NoError(t, err)
		done <- model
	}()
	assert.Eventually(t, func() bool { return db.searches.Load() == 1 }, time.Second, time.Millisecond)
	_, err := provider.Reload(context.Background(), sourceB)
	require.NoError(t, err)
	close(db.gate)

	// the lazy build finishing late does not replace the reloaded model
	assert.Equal(t, []int64{4, 5, 6}, (<-done).UserIDs())
	model, err := provider.Model(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5, 6}, model.UserIDs())
	assert.Equal(t, sourceB, provider.Source())
}

func TestPreloadReloadOrder(t *testing.T) {
	db := newCountingDatabase(t)
	db.gate = make(chan struct{})
	db.gatedIndex = sourceA.Index
	provider := NewPreload(newTestScanner(db), dataset.LastWriteWins, sourceA)

	done := make(chan error)
	go func() {
		_, err := provider.Reload(context.Background(), sourceA)
		done <- err
	}()
	assert.Eventually(t, func() bool { return db.searches.Load() == 1 }, time.Second, time.Millisecond)
	status, err := provider.Reload(context.Background(), sourceB)
	require.NoError(t, err)
	assert.Equal(t, sourceB.String(), status.Source)
	close(db.gate)
	assert.NoError(t, <-done)

	// the reload requested last stays published
	model, err := provider.Model(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5, 6}, model.UserIDs())
	current, ok := provider.Status()
	assert.True(t, ok)
	assert.Equal(t, sourceB.String(), current.Source)
}

func TestPreloadReloadCancelWaiting(t *testing.T) {
	db := newCountingDatabase(t)
	db.gate = make(chan struct{})
	provider := NewPreload(newTestScanner(db), dataset.LastWriteWins, sourceA)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error)
	go func() {
		_, err := provider.Reload(ctx, sourceB)
		first <- err
	}()
	assert.Eventually(t, func() bool { return db.searches.Load() == 1 }, time.Second, time.Millisecond)
	second := make(chan error)
	go func() {
		_, err := provider.Reload(context.Background(), sourceB)
		second <- err
	}()
	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)
	close(db.gate)

	// a caller sharing the build is not failed by another caller's cancellation
	assert.NoError(t, <-second)
	assert.Equal(t, sourceB, provider.Source())
}

func TestPreloadReloadConcurrentReads(t *testing.T) {
	db := newCountingDatabase(t)
	provider := NewPreload(newTestScanner(db), dataset.LastWriteWins, sourceA)
	_, err := provider.Model(context.Background())
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				model, err := provider.Model(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				users, items := model.UserIDs(), model.ItemIDs()
				if users[0] < 4 {
					assert.Equal(t, []int64{1, 2, 3}, users)
					assert.Equal(t, []int64{10, 20, 30}, items)
				} else {
					assert.Equal(t, []int64{4, 5, 6}, users)
					assert.Equal(t, []int64{40, 50, 60}, items)
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		source := sourceA
		if i%2 == 0 {
			source = sourceB
		}
		_, err := provider.Reload(context.Background(), source)
		assert.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}
