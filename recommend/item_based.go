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
	"math"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorse-io/flavor/dataset"
	"github.com/gorse-io/flavor/similarity"
	"github.com/juju/errors"
)

// ItemBased recommends items similar to the items a user rated.
type ItemBased struct {
	model      *dataset.DataModel
	similarity similarity.Similarity
}

func NewItemBased(model *dataset.DataModel, sim similarity.Similarity) *ItemBased {
	return &ItemBased{model: model, similarity: sim}
}

// MostSimilarItems ranks the items sharing at least one user with the
// target item. The target itself is never returned.
func (r *ItemBased) MostSimilarItems(itemId int64, n int) ([]Score, error) {
	prefs, err := r.model.PreferencesForItem(itemId)
	if err != nil {
		return nil, errors.Trace(err)
	}
	candidates := mapset.NewThreadUnsafeSet[int64]()
	for _, pref := range prefs {
		vec, _ := r.model.UserVector(pref.UserId)
		candidates.Append(vec.Ids...)
	}
	candidates.Remove(itemId)
	scores := make([]Score, 0, candidates.Cardinality())
	for candidate := range candidates.Iter() {
		scores = append(scores, Score{Id: candidate, Score: r.similarity.ItemSimilarity(r.model, itemId, candidate)})
	}
	return topK(scores, n), nil
}

// Recommend estimates preferences of the user for items reachable through
// the items the user rated, and returns the n highest. Rated items are
// excluded.
func (r *ItemBased) Recommend(userId int64, n int) ([]Score, error) {
	rated, ok := r.model.UserVector(userId)
	if !ok {
		return nil, errors.NotFoundf("user %d", userId)
	}
	candidates := mapset.NewThreadUnsafeSet[int64]()
	for _, itemId := range rated.Ids {
		prefs, _ := r.model.PreferencesForItem(itemId)
		for _, pref := range prefs {
			vec, _ := r.model.UserVector(pref.UserId)
			candidates.Append(vec.Ids...)
		}
	}
	candidates.RemoveAll(rated.Ids...)
	scores := make([]Score, 0, candidates.Cardinality())
	for candidate := range candidates.Iter() {
		if estimate := r.estimate(rated, candidate); !math.IsNaN(estimate) {
			scores = append(scores, Score{Id: candidate, Score: estimate})
		}
	}
	return topK(scores, n), nil
}

// estimate is the similarity-weighted average of the user's ratings. It is
// undefined unless at least two rated items have a defined similarity.
func (r *ItemBased) estimate(rated dataset.Vector, itemId int64) float64 {
	var (
		weighted float64
		total    float64
		count    int
	)
	for i, ratedId := range rated.Ids {
		sim := r.similarity.ItemSimilarity(r.model, itemId, ratedId)
		if math.IsNaN(sim) {
			continue
		}
		weighted += sim * float64(rated.Values[i])
		total += sim
		count++
	}
	if count <= 1 || total == 0 {
		return math.NaN()
	}
	return capEstimate(r.model, weighted/total)
}
