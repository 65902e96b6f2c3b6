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
	"math"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorse-io/flavor/common/parallel"
	"github.com/gorse-io/flavor/dataset"
	"github.com/gorse-io/flavor/similarity"
	"github.com/juju/errors"
	"github.com/samber/lo"
)

// UserBased recommends items rated by the neighbors of a user.
type UserBased struct {
	model        *dataset.DataModel
	similarity   similarity.Similarity
	neighborhood Neighborhood
	jobs         int
}

func NewUserBased(model *dataset.DataModel, sim similarity.Similarity, neighborhood Neighborhood, jobs int) *UserBased {
	return &UserBased{
		model:        model,
		similarity:   sim,
		neighborhood: neighborhood,
		jobs:         jobs,
	}
}

// similarities computes the similarity between the user and every other user.
func (r *UserBased) similarities(ctx context.Context, userId int64) ([]Score, error) {
	if !r.model.HasUser(userId) {
		return nil, errors.NotFoundf("user %d", userId)
	}
	others := lo.Filter(r.model.UserIDs(), func(id int64, _ int) bool { return id != userId })
	scores := make([]Score, len(others))
	err := parallel.Parallel(ctx, len(others), r.jobs, func(_, jobId int) error {
		scores[jobId] = Score{
			Id:    others[jobId],
			Score: r.similarity.UserSimilarity(r.model, userId, others[jobId]),
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return scores, nil
}

// MostSimilarUserIDs returns up to n other users ranked by similarity.
func (r *UserBased) MostSimilarUserIDs(ctx context.Context, userId int64, n int) ([]int64, error) {
	scores, err := r.similarities(ctx, userId)
	if err != nil {
		return nil, err
	}
	return lo.Map(topK(scores, n), func(s Score, _ int) int64 { return s.Id }), nil
}

// Neighbors returns the neighborhood of the user.
func (r *UserBased) Neighbors(ctx context.Context, userId int64) ([]Score, error) {
	scores, err := r.similarities(ctx, userId)
	if err != nil {
		return nil, err
	}
	return r.neighborhood.Neighbors(scores), nil
}

// Recommend estimates preferences of the user for items rated by the
// neighborhood and returns the n highest. Rated items are excluded.
func (r *UserBased) Recommend(ctx context.Context, userId int64, n int) ([]Score, error) {
	neighbors, err := r.Neighbors(ctx, userId)
	if err != nil {
		return nil, err
	}
	rated, _ := r.model.UserVector(userId)
	candidates := mapset.NewThreadUnsafeSet[int64]()
	for _, neighbor := range neighbors {
		vec, _ := r.model.UserVector(neighbor.Id)
		candidates.Append(vec.Ids...)
	}
	candidates.RemoveAll(rated.Ids...)
	scores := make([]Score, 0, candidates.Cardinality())
	for candidate := range candidates.Iter() {
		if estimate := r.estimate(neighbors, candidate); !math.IsNaN(estimate) {
			scores = append(scores, Score{Id: candidate, Score: estimate})
		}
	}
	return topK(scores, n), nil
}

// estimate is the similarity-weighted average of neighbor ratings. It is
// undefined unless at least two neighbors rated the item.
func (r *UserBased) estimate(neighbors []Score, itemId int64) float64 {
	var (
		weighted float64
		total    float64
		count    int
	)
	for _, neighbor := range neighbors {
		value, ok := r.model.PreferenceValue(neighbor.Id, itemId)
		if !ok {
			continue
		}
		weighted += neighbor.Score * float64(value)
		total += neighbor.Score
		count++
	}
	if count <= 1 || total == 0 {
		return math.NaN()
	}
	return capEstimate(r.model, weighted/total)
}
