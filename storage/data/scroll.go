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
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// scrollContexts keeps server-side cursor states alive for their keep-alive.
// Each page refreshes the lifetime of its scroll.
type scrollContexts[T any] struct {
	cache *ttlcache.Cache[string, *T]
}

func newScrollContexts[T any]() *scrollContexts[T] {
	cache := ttlcache.New[string, *T](
		ttlcache.WithDisableTouchOnHit[string, *T](),
	)
	go cache.Start()
	return &scrollContexts[T]{cache: cache}
}

// open registers a cursor state and returns its scroll id.
func (s *scrollContexts[T]) open(state *T, keepAlive time.Duration) string {
	scrollId := uuid.NewString()
	s.cache.Set(scrollId, state, keepAlive)
	return scrollId
}

// get returns the state of a live scroll and extends its lifetime.
func (s *scrollContexts[T]) get(scrollId string, keepAlive time.Duration) (*T, error) {
	item := s.cache.Get(scrollId)
	if item == nil {
		return nil, ErrScrollExpired
	}
	state := item.Value()
	s.cache.Set(scrollId, state, keepAlive)
	return state, nil
}

func (s *scrollContexts[T]) clear(scrollId string) {
	s.cache.Delete(scrollId)
}

func (s *scrollContexts[T]) len() int {
	return s.cache.Len()
}

func (s *scrollContexts[T]) close() {
	s.cache.Stop()
	s.cache.DeleteAll()
}
