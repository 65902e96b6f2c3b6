// Copyright 2021 gorse Project Authors
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

	"github.com/gorse-io/flavor/storage"
	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func mongoFilter(filter Filter) bson.M {
	switch filter.Kind {
	case TermFilter:
		return bson.M{filter.Field: filter.Values[0]}
	case TermsFilter:
		return bson.M{filter.Field: bson.M{"$in": filter.Values}}
	default:
		return bson.M{}
	}
}

// mongoScroll pages through a collection by ascending _id.
type mongoScroll struct {
	collection string
	filter     bson.M
	projection bson.M
	size       int
	lastId     any
}

// MongoDB is the data storage based on MongoDB.
type MongoDB struct {
	storage.TablePrefix
	client  *mongo.Client
	dbName  string
	scrolls *scrollContexts[mongoScroll]
}

// Init checks the connection to MongoDB.
func (db *MongoDB) Init() error {
	return db.Ping()
}

func (db *MongoDB) Ping() error {
	return db.client.Ping(context.Background(), nil)
}

// Close connection to MongoDB.
func (db *MongoDB) Close() error {
	db.scrolls.close()
	return db.client.Disconnect(context.Background())
}

// Purge drops the collection of a source.
func (db *MongoDB) Purge(ctx context.Context, source Source) error {
	c := db.client.Database(db.dbName).Collection(db.Collection(source.Index))
	return errors.Trace(c.Drop(ctx))
}

// BatchInsertPreferences inserts records into the collection of a source and
// indexes the id fields.
func (db *MongoDB) BatchInsertPreferences(ctx context.Context, source Source, hits []Hit) error {
	if len(hits) == 0 {
		return nil
	}
	c := db.client.Database(db.dbName).Collection(db.Collection(source.Index))
	_, err := c.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.M{UserIdField: 1}},
		{Keys: bson.M{ItemIdField: 1}},
	})
	if err != nil {
		return errors.Trace(err)
	}
	docs := make([]any, len(hits))
	for i, hit := range hits {
		docs[i] = bson.M(hit)
	}
	_, err = c.InsertMany(ctx, docs)
	return errors.Trace(err)
}

func (db *MongoDB) Search(ctx context.Context, request SearchRequest) (Page, error) {
	start := time.Now()
	defer func() { SearchSeconds.WithLabelValues("mongodb").Observe(time.Since(start).Seconds()) }()
	state := &mongoScroll{
		collection: db.Collection(request.Source.Index),
		filter:     mongoFilter(request.Filter),
		size:       request.Size,
	}
	if len(request.Fields) > 0 {
		state.projection = bson.M{}
		for _, field := range request.Fields {
			state.projection[field] = 1
		}
	}
	c := db.client.Database(db.dbName).Collection(state.collection)
	total, err := c.CountDocuments(ctx, state.filter)
	if err != nil {
		return Page{}, errors.Trace(err)
	}
	hits, err := db.fetch(ctx, state)
	if err != nil {
		return Page{}, errors.Trace(err)
	}
	return Page{
		ScrollId: db.scrolls.open(state, request.KeepAlive),
		Total:    total,
		Hits:     hits,
	}, nil
}

func (db *MongoDB) Scroll(ctx context.Context, scrollId string, keepAlive time.Duration) (Page, error) {
	start := time.Now()
	defer func() { ScrollSeconds.WithLabelValues("mongodb").Observe(time.Since(start).Seconds()) }()
	state, err := db.scrolls.get(scrollId, keepAlive)
	if err != nil {
		return Page{}, errors.Trace(err)
	}
	hits, err := db.fetch(ctx, state)
	if err != nil {
		return Page{}, errors.Trace(err)
	}
	return Page{ScrollId: scrollId, Total: -1, Hits: hits}, nil
}

func (db *MongoDB) ClearScroll(_ context.Context, scrollId string) error {
	db.scrolls.clear(scrollId)
	return nil
}

func (db *MongoDB) fetch(ctx context.Context, state *mongoScroll) ([]Hit, error) {
	c := db.client.Database(db.dbName).Collection(state.collection)
	query := state.filter
	if state.lastId != nil {
		query = bson.M{"$and": bson.A{state.filter, bson.M{"_id": bson.M{"$gt": state.lastId}}}}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(state.size))
	if state.projection != nil {
		opts.SetProjection(state.projection)
	}
	cur, err := c.Find(ctx, query, opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer cur.Close(ctx)
	hits := make([]Hit, 0, state.size)
	for cur.Next(ctx) {
		var doc bson.M
		if err = cur.Decode(&doc); err != nil {
			return nil, errors.Trace(err)
		}
		state.lastId = doc["_id"]
		delete(doc, "_id")
		hits = append(hits, Hit(doc))
	}
	return hits, errors.Trace(cur.Err())
}
