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
	"cmp"
	"fmt"
	"slices"

	"github.com/chewxy/math32"
	"github.com/juju/errors"
)

// Vector is a sparse vector sorted by ascending ids.
type Vector struct {
	Ids    []int64
	Values []float32
}

func (v Vector) Len() int {
	return len(v.Ids)
}

// DataModel is an immutable view of a preference matrix.
type DataModel struct {
	userIds     []int64
	itemIds     []int64
	raw         map[int64][]Preference
	userVectors map[int64]Vector
	itemVectors map[int64]Vector
	numPrefs    int
	minPref     float32
	maxPref     float32
}

func newDataModel(raw, resolved map[int64][]Preference) *DataModel {
	m := &DataModel{
		raw:         raw,
		userVectors: make(map[int64]Vector, len(resolved)),
		itemVectors: make(map[int64]Vector),
		minPref:     math32.Inf(1),
		maxPref:     math32.Inf(-1),
	}
	// build the inverse view
	itemPrefs := make(map[int64][]Preference)
	for userId, prefs := range resolved {
		m.userIds = append(m.userIds, userId)
		m.userVectors[userId] = toVector(prefs, func(p Preference) int64 { return p.ItemId })
		for _, p := range prefs {
			itemPrefs[p.ItemId] = append(itemPrefs[p.ItemId], p)
		}
	}
	for itemId, prefs := range itemPrefs {
		m.itemIds = append(m.itemIds, itemId)
		m.itemVectors[itemId] = toVector(prefs, func(p Preference) int64 { return p.UserId })
	}
	for _, prefs := range raw {
		m.numPrefs += len(prefs)
		for _, p := range prefs {
			m.minPref = min(m.minPref, p.Value)
			m.maxPref = max(m.maxPref, p.Value)
		}
	}
	slices.Sort(m.userIds)
	slices.Sort(m.itemIds)
	return m
}

func toVector(prefs []Preference, key func(Preference) int64) Vector {
	sorted := slices.Clone(prefs)
	slices.SortFunc(sorted, func(a, b Preference) int {
		return cmp.Compare(key(a), key(b))
	})
	v := Vector{Ids: make([]int64, len(sorted)), Values: make([]float32, len(sorted))}
	for i, p := range sorted {
		v.Ids[i], v.Values[i] = key(p), p.Value
	}
	return v
}

func (m *DataModel) NumUsers() int {
	return len(m.userIds)
}

func (m *DataModel) NumItems() int {
	return len(m.itemIds)
}

// NumPreferences returns the number of stored observations.
func (m *DataModel) NumPreferences() int {
	return m.numPrefs
}

// UserIDs returns user ids in ascending order. The slice must not be modified.
func (m *DataModel) UserIDs() []int64 {
	return m.userIds
}

// ItemIDs returns item ids in ascending order. The slice must not be modified.
func (m *DataModel) ItemIDs() []int64 {
	return m.itemIds
}

func (m *DataModel) HasUser(userId int64) bool {
	_, exist := m.userVectors[userId]
	return exist
}

func (m *DataModel) HasItem(itemId int64) bool {
	_, exist := m.itemVectors[itemId]
	return exist
}

// PreferencesFromUser returns the observations of a user in insertion order.
func (m *DataModel) PreferencesFromUser(userId int64) ([]Preference, error) {
	prefs, exist := m.raw[userId]
	if !exist {
		return nil, errors.NotFoundf("user %d", userId)
	}
	return prefs, nil
}

// PreferencesForItem returns the preferences on an item ordered by user id.
func (m *DataModel) PreferencesForItem(itemId int64) ([]Preference, error) {
	v, exist := m.itemVectors[itemId]
	if !exist {
		return nil, errors.NotFoundf("item %d", itemId)
	}
	prefs := make([]Preference, v.Len())
	for i := range v.Ids {
		prefs[i] = Preference{UserId: v.Ids[i], ItemId: itemId, Value: v.Values[i]}
	}
	return prefs, nil
}

// UserVector returns the items rated by a user, one entry per item.
func (m *DataModel) UserVector(userId int64) (Vector, bool) {
	v, exist := m.userVectors[userId]
	return v, exist
}

// ItemVector returns the users who rated an item.
func (m *DataModel) ItemVector(itemId int64) (Vector, bool) {
	v, exist := m.itemVectors[itemId]
	return v, exist
}

// PreferenceValue returns the last observed value of a user on an item.
func (m *DataModel) PreferenceValue(userId, itemId int64) (float32, bool) {
	v, exist := m.userVectors[userId]
	if !exist {
		return 0, false
	}
	if i, found := slices.BinarySearch(v.Ids, itemId); found {
		return v.Values[i], true
	}
	return 0, false
}

// MinPreference returns the smallest observed value, or +Inf if the model is empty.
func (m *DataModel) MinPreference() float32 {
	return m.minPref
}

// MaxPreference returns the largest observed value, or -Inf if the model is empty.
func (m *DataModel) MaxPreference() float32 {
	return m.maxPref
}

func (m *DataModel) String() string {
	return fmt.Sprintf("DataModel[users:%d,items:%d,preferences:%d]", m.NumUsers(), m.NumItems(), m.NumPreferences())
}
