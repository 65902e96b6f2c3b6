// Copyright 2020 gorse Project Authors
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

package similarity

import (
	"math"

	"github.com/gorse-io/flavor/dataset"
	"github.com/juju/errors"
)

const (
	Pearson       = "pearson"
	Cosine        = "cosine"
	Euclidean     = "euclidean"
	LogLikelihood = "loglikelihood"
	Tanimoto      = "tanimoto"
)

// Similarity computes pairwise similarities between users or items of a
// model. The result is in [-1, 1], or NaN if the pair shares no entries.
type Similarity interface {
	UserSimilarity(model *dataset.DataModel, userA, userB int64) float64
	ItemSimilarity(model *dataset.DataModel, itemA, itemB int64) float64
}

// New creates a similarity by name. An empty name selects cosine.
func New(name string) (Similarity, error) {
	switch name {
	case Pearson:
		return &vectorSimilarity{name: Pearson, fn: PearsonSimilarity}, nil
	case Cosine, "":
		return &vectorSimilarity{name: Cosine, fn: CosineSimilarity}, nil
	case Euclidean:
		return &vectorSimilarity{name: Euclidean, fn: EuclideanSimilarity}, nil
	case LogLikelihood:
		return &vectorSimilarity{name: LogLikelihood, fn: LogLikelihoodSimilarity}, nil
	case Tanimoto:
		return &vectorSimilarity{name: Tanimoto, fn: TanimotoSimilarity}, nil
	default:
		return nil, errors.NotValidf("similarity %s", name)
	}
}

type vectorSimilarity struct {
	name string
	// universe is the number of possible ids in both vectors
	fn func(a, b dataset.Vector, universe int) float64
}

func (s *vectorSimilarity) String() string {
	return s.name
}

func (s *vectorSimilarity) UserSimilarity(model *dataset.DataModel, userA, userB int64) float64 {
	a, okA := model.UserVector(userA)
	b, okB := model.UserVector(userB)
	if !okA || !okB {
		return math.NaN()
	}
	return s.fn(a, b, model.NumItems())
}

func (s *vectorSimilarity) ItemSimilarity(model *dataset.DataModel, itemA, itemB int64) float64 {
	a, okA := model.ItemVector(itemA)
	b, okB := model.ItemVector(itemB)
	if !okA || !okB {
		return math.NaN()
	}
	return s.fn(a, b, model.NumUsers())
}

// forIntersection calls f on values of ids present in both vectors and
// returns the number of such ids.
func forIntersection(a, b dataset.Vector, f func(x, y float64)) int {
	n := 0
	for i, j := 0, 0; i < len(a.Ids) && j < len(b.Ids); {
		switch {
		case a.Ids[i] < b.Ids[j]:
			i++
		case a.Ids[i] > b.Ids[j]:
			j++
		default:
			if f != nil {
				f(float64(a.Values[i]), float64(b.Values[j]))
			}
			n++
			i++
			j++
		}
	}
	return n
}

func clamp(x float64) float64 {
	return math.Max(-1, math.Min(1, x))
}

// PearsonSimilarity computes the Pearson correlation over co-rated entries.
// It is undefined if either side has no variance on them.
func PearsonSimilarity(a, b dataset.Vector, _ int) float64 {
	var sumX, sumY, sumXY, sumX2, sumY2 float64
	n := forIntersection(a, b, func(x, y float64) {
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
		sumY2 += y * y
	})
	if n == 0 {
		return math.NaN()
	}
	count := float64(n)
	centeredXY := sumXY - sumX*sumY/count
	centeredX2 := sumX2 - sumX*sumX/count
	centeredY2 := sumY2 - sumY*sumY/count
	denominator := math.Sqrt(centeredX2) * math.Sqrt(centeredY2)
	if denominator == 0 || math.IsNaN(denominator) {
		return math.NaN()
	}
	return clamp(centeredXY / denominator)
}

// CosineSimilarity computes the uncentered cosine over co-rated entries.
func CosineSimilarity(a, b dataset.Vector, _ int) float64 {
	var sumXY, sumX2, sumY2 float64
	n := forIntersection(a, b, func(x, y float64) {
		sumXY += x * y
		sumX2 += x * x
		sumY2 += y * y
	})
	if n == 0 || sumX2 == 0 || sumY2 == 0 {
		return math.NaN()
	}
	return clamp(sumXY / (math.Sqrt(sumX2) * math.Sqrt(sumY2)))
}

// EuclideanSimilarity maps the distance over co-rated entries to
//
//	1 / (1 + sqrt(Σ(x-y)²) / sqrt(n))
func EuclideanSimilarity(a, b dataset.Vector, _ int) float64 {
	var sumD2 float64
	n := forIntersection(a, b, func(x, y float64) {
		sumD2 += (x - y) * (x - y)
	})
	if n == 0 {
		return math.NaN()
	}
	return 1 / (1 + math.Sqrt(sumD2)/math.Sqrt(float64(n)))
}

// LogLikelihoodSimilarity maps the log-likelihood ratio of co-occurrence to
// 1 - 1/(1+llr). Values are ignored.
func LogLikelihoodSimilarity(a, b dataset.Vector, universe int) float64 {
	k11 := int64(forIntersection(a, b, nil))
	if k11 == 0 {
		return math.NaN()
	}
	k12 := int64(a.Len()) - k11
	k21 := int64(b.Len()) - k11
	k22 := max(int64(universe)-int64(a.Len())-int64(b.Len())+k11, 0)
	llr := LogLikelihoodRatio(k11, k12, k21, k22)
	return 1 - 1/(1+llr)
}

// LogLikelihoodRatio computes Dunning's G² statistic of a 2x2 contingency table.
func LogLikelihoodRatio(k11, k12, k21, k22 int64) float64 {
	rowEntropy := entropy(k11+k12, k21+k22)
	columnEntropy := entropy(k11+k21, k12+k22)
	matrixEntropy := entropy(k11, k12, k21, k22)
	if rowEntropy+columnEntropy < matrixEntropy {
		// round off error
		return 0
	}
	return 2 * (rowEntropy + columnEntropy - matrixEntropy)
}

func xLogX(x int64) float64 {
	if x == 0 {
		return 0
	}
	return float64(x) * math.Log(float64(x))
}

func entropy(elements ...int64) float64 {
	var sum int64
	var result float64
	for _, x := range elements {
		result += xLogX(x)
		sum += x
	}
	return xLogX(sum) - result
}

// TanimotoSimilarity computes |A∩B| / |A∪B|. Values are ignored.
func TanimotoSimilarity(a, b dataset.Vector, _ int) float64 {
	intersection := forIntersection(a, b, nil)
	if intersection == 0 {
		return math.NaN()
	}
	union := a.Len() + b.Len() - intersection
	return float64(intersection) / float64(union)
}
