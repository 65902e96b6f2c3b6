// Copyright 2025 gorse Project Authors
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

package dataset

import (
	"github.com/gorse-io/flavor/storage/data"
)

type userRow struct {
	prefs []Preference
	// position of the last observation of each item in prefs
	positions map[int64]int
}

// Builder folds preferences into per-user sequences. A Builder is not safe
// for concurrent use.
type Builder struct {
	policy MergePolicy
	rows   map[int64]*userRow
}

func NewBuilder(policy MergePolicy) *Builder {
	if policy == "" {
		policy = LastWriteWins
	}
	return &Builder{
		policy: policy,
		rows:   make(map[int64]*userRow),
	}
}

func (b *Builder) Add(p Preference) {
	row, exist := b.rows[p.UserId]
	if !exist {
		row = &userRow{positions: make(map[int64]int)}
		b.rows[p.UserId] = row
	}
	if pos, seen := row.positions[p.ItemId]; seen && b.policy == LastWriteWins {
		row.prefs[pos].Value = p.Value
		return
	}
	row.positions[p.ItemId] = len(row.prefs)
	row.prefs = append(row.prefs, p)
}

// AddHits decodes and adds scanned records.
func (b *Builder) AddHits(hits []data.Hit) {
	for _, hit := range hits {
		b.Add(FromHit(hit))
	}
}

// Build freezes the folded preferences into a DataModel. The builder must
// not be used afterwards.
func (b *Builder) Build() *DataModel {
	raw := make(map[int64][]Preference, len(b.rows))
	resolved := make(map[int64][]Preference, len(b.rows))
	for userId, row := range b.rows {
		raw[userId] = row.prefs
		if len(row.positions) == len(row.prefs) {
			resolved[userId] = row.prefs
			continue
		}
		distinct := make([]Preference, 0, len(row.positions))
		for i, p := range row.prefs {
			if row.positions[p.ItemId] == i {
				distinct = append(distinct, p)
			}
		}
		resolved[userId] = distinct
	}
	b.rows = nil
	return newDataModel(raw, resolved)
}
