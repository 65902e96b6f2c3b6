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
	"maps"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/samber/lo"
)

type memoryScroll struct {
	hits   []Hit
	offset int
	size   int
}

// Memory keeps records in process memory. It is used for test only.
type Memory struct {
	mu      sync.RWMutex
	sources map[string][]Hit
	scrolls *scrollContexts[memoryScroll]
}

func NewMemory() *Memory {
	return &Memory{
		sources: make(map[string][]Hit),
		scrolls: newScrollContexts[memoryScroll](),
	}
}

func (m *Memory) Init() error {
	return nil
}

func (m *Memory) Ping() error {
	return nil
}

func (m *Memory) Close() error {
	m.scrolls.close()
	return nil
}

func (m *Memory) Purge(_ context.Context, source Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, source.Index)
	return nil
}

func (m *Memory) BatchInsertPreferences(_ context.Context, source Source, hits []Hit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, hit := range hits {
		m.sources[source.Index] = append(m.sources[source.Index], maps.Clone(hit))
	}
	return nil
}

func (m *Memory) Search(_ context.Context, request SearchRequest) (Page, error) {
	if request.Size <= 0 {
		return Page{}, errors.NotValidf("page size %d", request.Size)
	}
	matcher := request.Filter.Matcher()
	m.mu.RLock()
	var hits []Hit
	for _, hit := range m.sources[request.Source.Index] {
		if !matcher(hit) {
			continue
		}
		if len(request.Fields) > 0 {
			hits = append(hits, lo.PickByKeys(hit, request.Fields))
		} else {
			hits = append(hits, maps.Clone(hit))
		}
	}
	m.mu.RUnlock()
	state := &memoryScroll{hits: hits, size: request.Size}
	return Page{
		ScrollId: m.scrolls.open(state, request.KeepAlive),
		Total:    int64(len(hits)),
		Hits:     state.next(),
	}, nil
}

func (m *Memory) Scroll(_ context.Context, scrollId string, keepAlive time.Duration) (Page, error) {
	state, err := m.scrolls.get(scrollId, keepAlive)
	if err != nil {
		return Page{}, errors.Trace(err)
	}
	return Page{ScrollId: scrollId, Total: int64(len(state.hits)), Hits: state.next()}, nil
}

func (m *Memory) ClearScroll(_ context.Context, scrollId string) error {
	m.scrolls.clear(scrollId)
	return nil
}

// OpenScrolls returns the number of scrolls not yet cleared or expired.
func (m *Memory) OpenScrolls() int {
	return m.scrolls.len()
}

func (s *memoryScroll) next() []Hit {
	end := min(s.offset+s.size, len(s.hits))
	page := s.hits[s.offset:end]
	s.offset = end
	return page
}
