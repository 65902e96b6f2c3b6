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
	"fmt"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorse-io/flavor/storage"
	"github.com/juju/errors"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

const (
	UserIdField = "user_id"
	ItemIdField = "item_id"
	ValueField  = "value"
)

// PreferenceFields are the fields of a preference record.
var PreferenceFields = []string{UserIdField, ItemIdField, ValueField}

// ErrScrollExpired is returned when a scroll id is unknown or its keep-alive has elapsed.
var ErrScrollExpired = errors.Timeoutf("scroll context")

// Source names a collection of preference records.
type Source struct {
	Index string
	Type  string
}

func (s Source) String() string {
	if s.Type == "" {
		return s.Index
	}
	return s.Index + "/" + s.Type
}

// Hit is a record returned by a search, projected on the requested fields.
type Hit map[string]any

type FilterKind int

const (
	MatchAllFilter FilterKind = iota
	TermFilter
	TermsFilter
)

// Filter selects records whose field equals one of the given ids.
type Filter struct {
	Kind   FilterKind
	Field  string
	Values []int64
}

func MatchAll() Filter {
	return Filter{Kind: MatchAllFilter}
}

func Term(field string, value int64) Filter {
	return Filter{Kind: TermFilter, Field: field, Values: []int64{value}}
}

func Terms(field string, values ...int64) Filter {
	return Filter{Kind: TermsFilter, Field: field, Values: values}
}

func (f Filter) String() string {
	switch f.Kind {
	case TermFilter:
		return fmt.Sprintf("%s = %d", f.Field, f.Values[0])
	case TermsFilter:
		return fmt.Sprintf("%s in (%d ids)", f.Field, len(f.Values))
	default:
		return "match_all"
	}
}

// Matcher returns a predicate evaluating the filter on a hit. Ids are compared
// after numeric conversion, so string encoded ids match.
func (f Filter) Matcher() func(Hit) bool {
	if f.Kind == MatchAllFilter {
		return func(Hit) bool { return true }
	}
	values := mapset.NewThreadUnsafeSet(f.Values...)
	return func(hit Hit) bool {
		raw, exist := hit[f.Field]
		if !exist {
			return false
		}
		id, err := cast.ToInt64E(raw)
		if err != nil {
			return false
		}
		return values.Contains(id)
	}
}

// SearchRequest opens a scroll over the records of a source matching a filter.
type SearchRequest struct {
	Source    Source
	Filter    Filter
	Fields    []string
	Size      int
	KeepAlive time.Duration
}

// Page is a batch of hits and the cursor to continue with. Total is the number
// of matched records, or negative if the store can't count it cheaply.
type Page struct {
	ScrollId string
	Total    int64
	Hits     []Hit
}

type Database interface {
	Init() error
	Ping() error
	Close() error
	Purge(ctx context.Context, source Source) error
	BatchInsertPreferences(ctx context.Context, source Source, hits []Hit) error
	// Search runs the initial query and opens a scroll living for keepAlive.
	Search(ctx context.Context, request SearchRequest) (Page, error)
	// Scroll fetches the next page and refreshes the keep-alive of the scroll.
	Scroll(ctx context.Context, scrollId string, keepAlive time.Duration) (Page, error)
	// ClearScroll releases a scroll before it expires.
	ClearScroll(ctx context.Context, scrollId string) error
}

// Open a connection to a database.
func Open(path, tablePrefix string) (Database, error) {
	var err error
	if strings.HasPrefix(path, storage.MongoPrefix) || strings.HasPrefix(path, storage.MongoSrvPrefix) {
		// connect to database
		database := new(MongoDB)
		opts := options.Client()
		opts.Monitor = otelmongo.NewMonitor()
		opts.ApplyURI(path)
		if database.client, err = mongo.Connect(context.Background(), opts); err != nil {
			return nil, errors.Trace(err)
		}
		// parse DSN and extract database name
		if cs, err := connstring.ParseAndValidate(path); err != nil {
			return nil, errors.Trace(err)
		} else {
			database.dbName = cs.Database
			database.TablePrefix = storage.TablePrefix(tablePrefix)
		}
		database.scrolls = newScrollContexts[mongoScroll]()
		return database, nil
	} else if strings.HasPrefix(path, storage.RedisPrefix) || strings.HasPrefix(path, storage.RedissPrefix) {
		opt, err := redis.ParseURL(path)
		if err != nil {
			return nil, errors.Trace(err)
		}
		database := new(Redis)
		database.client = redis.NewClient(opt)
		if err = redisotel.InstrumentTracing(database.client); err != nil {
			return nil, errors.Trace(err)
		}
		database.TablePrefix = storage.TablePrefix(tablePrefix)
		database.scrolls = newScrollContexts[redisScroll]()
		return database, nil
	}
	return nil, errors.NotValidf("data store %s", path)
}
