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

package recommend

import (
	"context"
	"time"

	"github.com/gorse-io/flavor/base/log"
	"github.com/gorse-io/flavor/provider"
	"github.com/gorse-io/flavor/similarity"
	"github.com/gorse-io/flavor/storage/data"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	SimilarItems       = "similar_items"
	SimilarUsers       = "similar_users"
	UserBasedRecommend = "user_based_recommend"
	ItemBasedRecommend = "item_based_recommend"
)

var tracer = otel.Tracer("github.com/gorse-io/flavor/recommend")

var QuerySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "flavor",
	Subsystem: "recommend",
	Name:      "query_seconds",
}, []string{"operation"})

// Query is a single recommendation request.
type Query struct {
	Operation    string
	Source       data.Source
	Id           int64
	Size         int
	Similarity   string
	Neighborhood Neighborhood
}

// Result holds ranked items, or ranked user ids for similar_users.
type Result struct {
	Items   []Score
	UserIds []int64
}

// Service answers queries on models produced by the model providers. Once
// the preloaded model is loaded, or preloading is enabled, every query runs
// on it. Otherwise models are built per query.
type Service struct {
	dynamic        *provider.Dynamic
	preload        *provider.Preload
	preloadEnabled bool
	jobs           int
}

func NewService(dynamic *provider.Dynamic, preload *provider.Preload, preloadEnabled bool, jobs int) *Service {
	return &Service{
		dynamic:        dynamic,
		preload:        preload,
		preloadEnabled: preloadEnabled,
		jobs:           jobs,
	}
}

func (s *Service) provider() provider.Provider {
	if s.preload != nil && (s.preloadEnabled || s.preload.Loaded()) {
		return s.preload
	}
	return s.dynamic
}

// Preload rebuilds the preloaded model from source. Later queries run on it.
func (s *Service) Preload(ctx context.Context, source data.Source) (provider.Status, error) {
	if s.preload == nil {
		return provider.Status{}, errors.NotSupportedf("preload")
	}
	return s.preload.Reload(ctx, source)
}

// Query runs a query. Unknown operations fail with errors.NotSupported,
// malformed parameters with errors.NotValid and absent targets with
// errors.NotFound.
func (s *Service) Query(ctx context.Context, q Query) (*Result, error) {
	switch q.Operation {
	case SimilarItems, SimilarUsers, UserBasedRecommend, ItemBasedRecommend:
	default:
		return nil, errors.NotSupportedf("operation %s", q.Operation)
	}
	if q.Size < 0 {
		return nil, errors.NotValidf("size %d", q.Size)
	}
	sim, err := newSimilarity(q.Similarity)
	if err != nil {
		return nil, err
	}
	if q.Operation == UserBasedRecommend {
		if err = q.Neighborhood.Validate(); err != nil {
			return nil, errors.Trace(err)
		}
	}

	ctx, span := tracer.Start(ctx, "Service.Query", trace.WithAttributes(
		attribute.String("operation", q.Operation),
		attribute.String("source", q.Source.String()),
		attribute.Int64("id", q.Id),
	))
	defer span.End()
	start := time.Now()
	result, err := s.query(ctx, q, sim)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	QuerySeconds.WithLabelValues(q.Operation).Observe(time.Since(start).Seconds())
	log.Logger().Debug("complete query",
		zap.String("operation", q.Operation),
		zap.Int64("id", q.Id),
		zap.Int("n_items", len(result.Items)),
		zap.Int("n_users", len(result.UserIds)),
		zap.Duration("used_time", time.Since(start)))
	return result, nil
}

func (s *Service) query(ctx context.Context, q Query, sim similarity.Similarity) (*Result, error) {
	p := s.provider()
	switch q.Operation {
	case SimilarItems:
		model, err := p.ItemModel(ctx, q.Source, q.Id)
		if err != nil {
			return nil, errors.Trace(err)
		}
		items, err := NewItemBased(model, sim).MostSimilarItems(q.Id, q.Size)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return &Result{Items: items}, nil
	case SimilarUsers:
		model, err := p.UserModel(ctx, q.Source, q.Id)
		if err != nil {
			return nil, errors.Trace(err)
		}
		userIds, err := NewUserBased(model, sim, q.Neighborhood, s.jobs).MostSimilarUserIDs(ctx, q.Id, q.Size)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return &Result{UserIds: userIds}, nil
	case UserBasedRecommend:
		model, err := p.UserModel(ctx, q.Source, q.Id)
		if err != nil {
			return nil, errors.Trace(err)
		}
		items, err := NewUserBased(model, sim, q.Neighborhood, s.jobs).Recommend(ctx, q.Id, q.Size)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return &Result{Items: items}, nil
	default:
		model, err := p.UserModel(ctx, q.Source, q.Id)
		if err != nil {
			return nil, errors.Trace(err)
		}
		items, err := NewItemBased(model, sim).Recommend(q.Id, q.Size)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return &Result{Items: items}, nil
	}
}
