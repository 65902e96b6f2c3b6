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
	"time"

	"github.com/gorse-io/flavor/base/log"
	"github.com/gorse-io/flavor/dataset"
	"github.com/gorse-io/flavor/storage/data"
	"github.com/juju/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type snapshot struct {
	model      *dataset.DataModel
	source     data.Source
	loadedAt   time.Time
	generation uint64
}

// Status describes the model currently held by a Preload provider.
type Status struct {
	Description string    `json:"description"`
	NumUsers    int       `json:"num_users"`
	NumItems    int       `json:"num_items"`
	Source      string    `json:"source"`
	LoadedAt    time.Time `json:"loaded_at"`
}

// Preload holds one model built from the whole source. The first build is
// shared by all callers waiting on it and reloads replace the model
// atomically, so a query sees either the old model or the new one.
type Preload struct {
	scanner    *data.Scanner
	policy     dataset.MergePolicy
	source     data.Source
	current    atomic.Pointer[snapshot]
	generation atomic.Uint64
	group      singleflight.Group
}

func NewPreload(scanner *data.Scanner, policy dataset.MergePolicy, source data.Source) *Preload {
	return &Preload{scanner: scanner, policy: policy, source: source}
}

// Model returns the loaded model, building it on first use. A lazy build
// never replaces a model published by Reload.
func (p *Preload) Model(ctx context.Context) (*dataset.DataModel, error) {
	if s := p.current.Load(); s != nil {
		return s.model, nil
	}
	ch := p.group.DoChan("build", func() (any, error) {
		if s := p.current.Load(); s != nil {
			return s, nil
		}
		s, err := p.load(context.WithoutCancel(ctx), p.source, 0)
		if err != nil {
			return nil, err
		}
		if !p.current.CompareAndSwap(nil, s) {
			if current := p.current.Load(); current != nil {
				return current, nil
			}
			return s, nil
		}
		p.published(s)
		return s, nil
	})
	select {
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*snapshot).model, nil
	}
}

// Reload builds a fresh model from source and swaps it in. Concurrent
// reloads of the same source share one build. The previous model keeps
// serving until the swap and stays in place if the build fails. If a later
// reload has been published first, the built model is dropped.
func (p *Preload) Reload(ctx context.Context, source data.Source) (Status, error) {
	ch := p.group.DoChan("reload:"+source.String(), func() (any, error) {
		generation := p.generation.Inc()
		s, err := p.load(context.WithoutCancel(ctx), source, generation)
		if err != nil {
			return nil, err
		}
		for {
			current := p.current.Load()
			if current != nil && current.generation > generation {
				log.Logger().Info("drop preferences superseded by a later reload",
					zap.String("source", source.String()),
					zap.String("current_source", current.source.String()))
				return s, nil
			}
			if p.current.CompareAndSwap(current, s) {
				p.published(s)
				return s, nil
			}
		}
	})
	select {
	case <-ctx.Done():
		return Status{}, errors.Trace(ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return Status{}, r.Err
		}
		return r.Val.(*snapshot).status(), nil
	}
}

func (p *Preload) load(ctx context.Context, source data.Source, generation uint64) (*snapshot, error) {
	ctx, span := tracer.Start(ctx, "Preload.load", trace.WithAttributes(attribute.String("source", source.String())))
	defer span.End()
	start := time.Now()
	log.Logger().Info("start loading preferences", zap.String("source", source.String()))
	hits, err := p.scanner.Merge(ctx, source, data.MatchAll(), data.PreferenceFields...)
	if err != nil {
		log.Logger().Error("failed to load preferences", zap.String("source", source.String()), zap.Error(err))
		return nil, errors.Trace(err)
	}
	builder := dataset.NewBuilder(p.policy)
	builder.AddHits(hits)
	s := &snapshot{model: builder.Build(), source: source, loadedAt: time.Now(), generation: generation}
	BuildSeconds.WithLabelValues("preload").Observe(time.Since(start).Seconds())
	log.Logger().Info("complete loading preferences",
		zap.String("source", source.String()),
		zap.Int("n_users", s.model.NumUsers()),
		zap.Int("n_items", s.model.NumItems()),
		zap.Int("n_preferences", s.model.NumPreferences()),
		zap.Duration("used_time", time.Since(start)))
	return s, nil
}

func (p *Preload) published(s *snapshot) {
	PreloadUsers.Set(float64(s.model.NumUsers()))
	PreloadItems.Set(float64(s.model.NumItems()))
}

func (s *snapshot) status() Status {
	return Status{
		Description: s.model.String(),
		NumUsers:    s.model.NumUsers(),
		NumItems:    s.model.NumItems(),
		Source:      s.source.String(),
		LoadedAt:    s.loadedAt,
	}
}

// Loaded reports whether a model has been built.
func (p *Preload) Loaded() bool {
	return p.current.Load() != nil
}

// Status returns the status of the loaded model. The second value is false
// if nothing has been loaded yet.
func (p *Preload) Status() (Status, bool) {
	s := p.current.Load()
	if s == nil {
		return Status{}, false
	}
	return s.status(), true
}

// Source returns the source of the published model, or the configured
// source if nothing has been published.
func (p *Preload) Source() data.Source {
	if s := p.current.Load(); s != nil {
		return s.source
	}
	return p.source
}

// ItemModel returns the preloaded model. The source and item are not used
// to narrow it.
func (p *Preload) ItemModel(ctx context.Context, _ data.Source, _ int64) (*dataset.DataModel, error) {
	return p.Model(ctx)
}

// UserModel returns the preloaded model.
func (p *Preload) UserModel(ctx context.Context, _ data.Source, _ int64) (*dataset.DataModel, error) {
	return p.Model(ctx)
}

// Close drops the loaded model.
func (p *Preload) Close() {
	p.current.Store(nil)
	PreloadUsers.Set(0)
	PreloadItems.Set(0)
}
