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

package data

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"github.com/stretchr/testify/suite"
)

var testSource = Source{Index: "preference", Type: "preference"}

type baseTestSuite struct {
	suite.Suite
	Database Database
}

func (suite *baseTestSuite) SetupTest() {
	err := suite.Database.Purge(context.Background(), testSource)
	suite.NoError(err)
	err = suite.Database.BatchInsertPreferences(context.Background(), testSource, []Hit{
		{UserIdField: int64(1), ItemIdField: int64(10), ValueField: float32(5)},
		{UserIdField: int64(2), ItemIdField: int64(10), ValueField: float32(3)},
		{UserIdField: int64(2), ItemIdField: int64(20), ValueField: float32(4)},
		{UserIdField: int64(3), ItemIdField: int64(30), ValueField: float32(1)},
		{UserIdField: int64(3), ItemIdField: int64(10), ValueField: float32(2)},
	})
	suite.NoError(err)
}

func (suite *baseTestSuite) scrollAll(request SearchRequest) ([]Hit, int) {
	ctx := context.Background()
	page, err := suite.Database.Search(ctx, request)
	suite.Require().NoError(err)
	hits := page.Hits
	pages := 1
	suite.LessOrEqual(len(page.Hits), request.Size)
	for len(page.Hits) > 0 {
		page, err = suite.Database.Scroll(ctx, page.ScrollId, request.KeepAlive)
		suite.Require().NoError(err)
		suite.LessOrEqual(len(page.Hits), request.Size)
		hits = append(hits, page.Hits...)
		pages++
	}
	return hits, pages
}

func pairs(hits []Hit) []lo.Tuple2[int64, int64] {
	return lo.Map(hits, func(hit Hit, _ int) lo.Tuple2[int64, int64] {
		return lo.Tuple2[int64, int64]{A: cast.ToInt64(hit[UserIdField]), B: cast.ToInt64(hit[ItemIdField])}
	})
}

func (suite *baseTestSuite) TestSearchAndScroll() {
	hits, pages := suite.scrollAll(SearchRequest{
		Source:    testSource,
		Filter:    MatchAll(),
		Fields:    PreferenceFields,
		Size:      2,
		KeepAlive: time.Minute,
	})
	suite.GreaterOrEqual(pages, 4)
	suite.ElementsMatch([]lo.Tuple2[int64, int64]{
		{A: 1, B: 10}, {A: 2, B: 10}, {A: 2, B: 20}, {A: 3, B: 30}, {A: 3, B: 10},
	}, pairs(hits))
	for _, hit := range hits {
		if cast.ToInt64(hit[UserIdField]) == 2 && cast.ToInt64(hit[ItemIdField]) == 20 {
			suite.Equal(float32(4), cast.ToFloat32(hit[ValueField]))
		}
	}
}

func (suite *baseTestSuite) TestFilter() {
	// term
	hits, _ := suite.scrollAll(SearchRequest{
		Source:    testSource,
		Filter:    Term(ItemIdField, 10),
		Fields:    []string{UserIdField},
		Size:      2,
		KeepAlive: time.Minute,
	})
	suite.ElementsMatch([]int64{1, 2, 3}, lo.Map(hits, func(hit Hit, _ int) int64 {
		return cast.ToInt64(hit[UserIdField])
	}))
	for _, hit := range hits {
		suite.NotContains(hit, ItemIdField)
		suite.NotContains(hit, ValueField)
	}
	// terms
	hits, _ = suite.scrollAll(SearchRequest{
		Source:    testSource,
		Filter:    Terms(UserIdField, 1, 3),
		Fields:    PreferenceFields,
		Size:      10,
		KeepAlive: time.Minute,
	})
	suite.ElementsMatch([]lo.Tuple2[int64, int64]{{A: 1, B: 10}, {A: 3, B: 30}, {A: 3, B: 10}}, pairs(hits))
	// no match
	hits, _ = suite.scrollAll(SearchRequest{
		Source:    testSource,
		Filter:    Term(UserIdField, 100),
		Fields:    PreferenceFields,
		Size:      10,
		KeepAlive: time.Minute,
	})
	suite.Empty(hits)
}

func (suite *baseTestSuite) TestClearScroll() {
	ctx := context.Background()
	page, err := suite.Database.Search(ctx, SearchRequest{
		Source:    testSource,
		Filter:    MatchAll(),
		Fields:    PreferenceFields,
		Size:      1,
		KeepAlive: time.Minute,
	})
	suite.NoError(err)
	suite.Len(page.Hits, 1)
	err = suite.Database.ClearScroll(ctx, page.ScrollId)
	suite.NoError(err)
	_, err = suite.Database.Scroll(ctx, page.ScrollId, time.Minute)
	suite.True(errors.Is(err, errors.Timeout))
	_, err = suite.Database.Scroll(ctx, "unknown", time.Minute)
	suite.True(errors.Is(err, errors.Timeout))
}

func (suite *baseTestSuite) TestScrollExpired() {
	ctx := context.Background()
	page, err := suite.Database.Search(ctx, SearchRequest{
		Source:    testSource,
		Filter:    MatchAll(),
		Fields:    PreferenceFields,
		Size:      1,
		KeepAlive: 10 * time.Millisecond,
	})
	suite.NoError(err)
	time.Sleep(100 * time.Millisecond)
	_, err = suite.Database.Scroll(ctx, page.ScrollId, time.Minute)
	suite.ErrorIs(err, ErrScrollExpired)
}

func (suite *baseTestSuite) TestScanner() {
	scanner := NewScanner(suite.Database)
	scanner.PageSize = 2
	hits, err := scanner.Merge(context.Background(), testSource, Term(UserIdField, 3), PreferenceFields...)
	suite.NoError(err)
	suite.ElementsMatch([]lo.Tuple2[int64, int64]{{A: 3, B: 30}, {A: 3, B: 10}}, pairs(hits))
	ids, err := scanner.CollectIDs(context.Background(), testSource, Terms(ItemIdField, 10, 20), UserIdField)
	suite.NoError(err)
	suite.Equal([]int64{1, 2, 3}, ids)
}
