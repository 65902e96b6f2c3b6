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
	"strings"

	"github.com/gorse-io/flavor/storage/data"
	"github.com/juju/errors"
	"github.com/spf13/cast"
)

// Preference is an observed strength of a user on an item.
type Preference struct {
	UserId int64
	ItemId int64
	Value  float32
}

// FromHit converts a scanned record to a preference. Absent or non-numeric
// fields become zero instead of failing the record.
func FromHit(hit data.Hit) Preference {
	return Preference{
		UserId: cast.ToInt64(hit[data.UserIdField]),
		ItemId: cast.ToInt64(hit[data.ItemIdField]),
		Value:  cast.ToFloat32(hit[data.ValueField]),
	}
}

// ToHit converts a preference to a record for insertion.
func (p Preference) ToHit() data.Hit {
	return data.Hit{
		data.UserIdField: p.UserId,
		data.ItemIdField: p.ItemId,
		data.ValueField:  p.Value,
	}
}

// MergePolicy decides how repeated observations of a (user, item) pair are folded.
type MergePolicy string

const (
	// LastWriteWins keeps one entry per (user, item) with the last observed value.
	LastWriteWins MergePolicy = "last_write_wins"
	// Append keeps every observation in the user sequence.
	Append MergePolicy = "append"
)

func ParseMergePolicy(s string) (MergePolicy, error) {
	switch policy := MergePolicy(strings.ToLower(s)); policy {
	case LastWriteWins, Append:
		return policy, nil
	case "":
		return LastWriteWins, nil
	default:
		return "", errors.NotValidf("merge policy %s", s)
	}
}
