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
	"context"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/gorse-io/flavor/storage"
	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"github.com/spf13/cast"
)

// redisScroll walks the keys of a source with SCAN. A key returned twice by
// SCAN is only emitted once.
type redisScroll struct {
	match   string
	matcher func(Hit) bool
	fields  []string
	load    []string
	size    int
	cursor  uint64
	done    bool
	seen    mapset.Set[string]
	pending []Hit
}

// Redis stores each record as a hash. The store can't evaluate filters, so
// records are filtered on the client.
type Redis struct {
	storage.TablePrefix
	client  *redis.Client
	scrolls *scrollContexts[redisScroll]
}

func (r *Redis) keyPattern(source Source) string {
	return r.Key(source.Index) + ":*"
}

func (r *Redis) Init() error {
	return r.Ping()
}

func (r *Redis) Ping() error {
	return r.client.Ping(context.Background()).Err()
}

func (r *Redis) Close() error {
	r.scrolls.close()
	return r.client.Close()
}

// Purge deletes all records of a source.
func (r *Redis) Purge(ctx context.Context, source Source) error {
	var (
		cursor uint64
		keys   []string
		err    error
	)
	for {
		keys, cursor, err = r.client.Scan(ctx, cursor, r.keyPattern(source), 1000).Result()
		if err != nil {
			return errors.Trace(err)
		}
		if len(keys) > 0 {
			if err = r.client.Del(ctx, keys...).Err(); err != nil {
				return errors.Trace(err)
			}
		}
		if cursor == 0 {
			return nil
		}
	}
}

func (r *Redis) BatchInsertPreferences(ctx context.Context, source Source, hits []Hit) error {
	if len(hits) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, hit := range hits {
		values := make(map[string]any, len(hit))
		for field, value := range hit {
			values[field] = cast.ToString(value)
		}
		pipe.HSet(ctx, r.Key(source.Index)+":"+uuid.NewString(), values)
	}
	_, err := pipe.Exec(ctx)
	return errors.Trace(err)
}

func (r *Redis) Search(ctx context.Context, request SearchRequest) (Page, error) {
	start := time.Now()
	defer func() { SearchSeconds.WithLabelValues("redis").Observe(time.Since(start).Seconds()) }()
	if request.Size <= 0 {
		return Page{}, errors.NotValidf("page size %d", request.Size)
	}
	state := &redisScroll{
		match:   r.keyPattern(request.Source),
		matcher: request.Filter.Matcher(),
		fields:  request.Fields,
		size:    request.Size,
		seen:    mapset.NewThreadUnsafeSet[string](),
	}
	if len(request.Fields) > 0 {
		state.load = lo.Uniq(append(append([]string{}, request.Fields...), filterFields(request.Filter)...))
	}
	hits, err := r.fetch(ctx, state)
	if err != nil {
		return Page{}, errors.Trace(err)
	}
	return Page{
		ScrollId: r.scrolls.open(state, request.KeepAlive),
		Total:    -1,
		Hits:     hits,
	}, nil
}

func (r *Redis) Scroll(ctx context.Context, scrollId string, keepAlive time.Duration) (Page, error) {
	start := time.Now()
	defer func() { ScrollSeconds.WithLabelValues("redis").Observe(time.Since(start).Seconds()) }()
	state, err := r.scrolls.get(scrollId, keepAlive)
	if err != nil {
		return Page{}, errors.Trace(err)
	}
	hits, err := r.fetch(ctx, state)
	if err != nil {
		return Page{}, errors.Trace(err)
	}
	return Page{ScrollId: scrollId, Total: -1, Hits: hits}, nil
}

func (r *Redis) ClearScroll(_ context.Context, scrollId string) error {
	r.scrolls.clear(scrollId)
	return nil
}

func filterFields(filter Filter) []string {
	if filter.Kind == MatchAllFilter {
		return nil
	}
	return []string{filter.Field}
}

func (r *Redis) fetch(ctx context.Context, state *redisScroll) ([]Hit, error) {
	for len(state.pending) < state.size && !state.done {
		keys, cursor, err := r.client.Scan(ctx, state.cursor, state.match, int64(state.size)).Result()
		if err != nil {
			return nil, errors.Trace(err)
		}
		state.cursor = cursor
		state.done = cursor == 0
		keys = lo.Filter(keys, func(key string, _ int) bool {
			return state.seen.Add(key)
		})
		if len(keys) == 0 {
			continue
		}
		hits, err := r.load(ctx, keys, state.load)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, hit := range hits {
			if !state.matcher(hit) {
				continue
			}
			if len(state.fields) > 0 {
				hit = lo.PickByKeys(hit, state.fields)
			}
			state.pending = append(state.pending, hit)
		}
	}
	n := min(state.size, len(state.pending))
	hits := state.pending[:n]
	state.pending = state.pending[n:]
	return hits, nil
}

// load reads the hashes of keys. All fields are read if fields is empty.
func (r *Redis) load(ctx context.Context, keys []string, fields []string) ([]Hit, error) {
	pipe := r.client.Pipeline()
	if len(fields) == 0 {
		cmds := make([]*redis.MapStringStringCmd, len(keys))
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, key)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, errors.Trace(err)
		}
		hits := make([]Hit, 0, len(keys))
		for _, cmd := range cmds {
			values := cmd.Val()
			if len(values) == 0 {
				continue
			}
			hit := make(Hit, len(values))
			for field, value := range values {
				hit[field] = value
			}
			hits = append(hits, hit)
		}
		return hits, nil
	}
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HMGet(ctx, key, fields...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	hits := make([]Hit, 0, len(keys))
	for _, cmd := range cmds {
		hit := make(Hit, len(fields))
		for i, value := range cmd.Val() {
			if value != nil {
				hit[fields[i]] = value
			}
		}
		if len(hit) == 0 {
			// deleted after SCAN
			continue
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
