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
	"cmp"
	"math"
	"slices"
	"strings"

	"github.com/gorse-io/flavor/common/heap"
	"github.com/gorse-io/flavor/dataset"
	"github.com/gorse-io/flavor/similarity"
	"github.com/juju/errors"
)

const (
	Nearest   = "nearest"
	Threshold = "threshold"

	DefaultNeighborhoodN         = 10
	DefaultNeighborhoodThreshold = 0.1
)

// Neighborhood selects the users a user-based recommendation is computed
// from. Exactly one mode is active: the N most similar users, or every
// user whose similarity reaches the threshold.
type Neighborhood struct {
	Mode      string
	N         int
	Threshold float64
}

func DefaultNeighborhood() Neighborhood {
	return Neighborhood{
		Mode:      Nearest,
		N:         DefaultNeighborhoodN,
		Threshold: DefaultNeighborhoodThreshold,
	}
}

// SelectMode picks the neighborhood mode of a query. An explicit mode wins.
// Otherwise supplying a threshold selects the threshold mode and anything
// else falls back to fallback.
func SelectMode(explicit string, hasThreshold bool, fallback string) string {
	if explicit = strings.ToLower(strings.TrimSpace(explicit)); explicit != "" {
		return explicit
	}
	if hasThreshold {
		return Threshold
	}
	if fallback == "" {
		return Nearest
	}
	return fallback
}

func (n Neighborhood) Validate() error {
	switch n.Mode {
	case Nearest:
		if n.N <= 0 {
			return errors.NotValidf("neighborhoodN %d", n.N)
		}
	case Threshold:
		if math.IsNaN(n.Threshold) || n.Threshold < -1 || n.Threshold > 1 {
			return errors.NotValidf("neighborhoodThreshold %v", n.Threshold)
		}
	default:
		return errors.NotValidf("neighborhood %s", n.Mode)
	}
	return nil
}

// Neighbors returns the neighbors of a user from precomputed similarities,
// ordered by similarity descending and id ascending. Undefined similarities
// never qualify.
func (n Neighborhood) Neighbors(sims []Score) []Score {
	switch n.Mode {
	case Threshold:
		neighbors := make([]Score, 0, len(sims))
		for _, s := range sims {
			if !math.IsNaN(s.Score) && s.Score >= n.Threshold {
				neighbors = append(neighbors, s)
			}
		}
		sortScores(neighbors)
		return neighbors
	default:
		return topK(sims, n.N)
	}
}

// Score is an id ranked by a similarity or an estimated preference.
type Score struct {
	Id    int64   `json:"id"`
	Score float64 `json:"score"`
}

// topK keeps the k highest defined scores, ties broken by ascending id.
func topK(scores []Score, k int) []Score {
	filter := heap.NewTopKFilter[int64, float64](k)
	for _, s := range scores {
		if !math.IsNaN(s.Score) {
			filter.Push(s.Id, s.Score)
		}
	}
	elems := filter.PopAll()
	result := make([]Score, len(elems))
	for i, elem := range elems {
		result[i] = Score{Id: elem.Value, Score: elem.Weight}
	}
	return result
}

func sortScores(scores []Score) {
	slices.SortFunc(scores, func(a, b Score) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Id, b.Id)
	})
}

// capEstimate restricts an estimate to the preference range of a model.
func capEstimate(model *dataset.DataModel, estimate float64) float64 {
	return max(float64(model.MinPreference()), min(float64(model.MaxPreference()), estimate))
}

func newSimilarity(name string) (similarity.Similarity, error) {
	sim, err := similarity.New(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return sim, nil
}
