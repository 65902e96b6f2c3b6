// Copyright 2024 gorse Project Authors
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

package storage

import (
	"strings"
)

const (
	MongoPrefix    = "mongodb://"
	MongoSrvPrefix = "mongodb+srv://"
	RedisPrefix    = "redis://"
	RedissPrefix   = "rediss://"
)

// IsDataStore checks whether a URL names a supported preference store.
func IsDataStore(rawURL string) bool {
	return strings.HasPrefix(rawURL, MongoPrefix) ||
		strings.HasPrefix(rawURL, MongoSrvPrefix) ||
		strings.HasPrefix(rawURL, RedisPrefix) ||
		strings.HasPrefix(rawURL, RedissPrefix)
}

type TablePrefix string

// Collection returns the prefixed name of a preference collection.
func (tp TablePrefix) Collection(index string) string {
	return string(tp) + index
}

func (tp TablePrefix) Key(key string) string {
	return string(tp) + key
}
