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
	"go.uber.org/zap"
)

// Dynamic builds a query-scoped model from the neighborhood of the target.
// It keeps no state between queries.
type Dynamic struct {
	scanner *data.Scanner
	policy  dataset.MergePolicy
}

func NewDynamic(scanner *data.Scanner, policy dataset.MergePolicy) *Dynamic {
	return &Dynamic{scanner: scanner, policy: policy}
}

// ItemModel collects the users who rated the item, then all preferences of
// those users.
func (d *Dynamic) ItemModel(ctx context.Context, source data.Source, itemId int64) (*dataset.DataModel, error) {
	ctx, span := tracer.Start(ctx, "Dynamic.ItemModel", trace.WithAttributes(
		attribute.String("source", source.String()),
		attribute.Int64("item_id", itemId),
	))
	defer span.End()
	userIds, err := d.scanner.CollectIDs(ctx, source, data.Term(data.ItemIdField, itemId), data.UserIdField)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(userIds) == 0 {
		return nil, errors.NotFoundf("item %d", itemId)
	}
	return d.build(ctx, source, userIds)
}

// UserModel collects the items rated by the user, the users who rated any
// of those items, then all preferences of those users.
func (d *Dynamic) UserModel(ctx context.Context, source data.Source, userId int64) (*dataset.DataModel, error) {
	ctx, span := tracer.Start(ctx, "Dynamic.UserModel", trace.WithAttributes(
		attribute.String("source", source.String()),
		attribute.Int64("user_id", userId),
	))
	defer span.End()
	itemIds, err := d.scanner.CollectIDs(ctx, source, data.Term(data.UserIdField, userId), data.ItemIdField)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(itemIds) == 0 {
		return nil, errors.NotFoundf("user %d", userId)
	}
	userIds, err := d.scanner.CollectIDs(ctx, source, data.Terms(data.ItemIdField, itemIds...), data.UserIdField)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return d.build(ctx, source, userIds)
}

func (d *Dynamic) build(ctx context.Context, source data.Source, userIds []int64) (*dataset.DataModel, error) {
	start := time.Now()
	hits, err := d.scanner.Merge(ctx, source, data.Terms(data.UserIdField, userIds...), data.PreferenceFields...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	builder := dataset.NewBuilder(d.policy)
	builder.AddHits(hits)
	model := builder.Build()
	BuildSeconds.WithLabelValues("dynamic").Observe(time.Since(start).Seconds())
	log.Logger().Debug("build dynamic data model",
		zap.String("source", source.String()),
		zap.Int("n_users", model.NumUsers()),
		zap.Int("n_items", model.NumItems()),
		zap.Duration("used_time", time.Since(start)))
	return model, nil
}
