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
package server

import (
	"context"
	"net/http"

	"github.com/emicklei/go-restful/v3"
	"github.com/gorse-io/flavor/base/log"
	"github.com/gorse-io/flavor/config"
	"github.com/gorse-io/flavor/dataset"
	"github.com/gorse-io/flavor/provider"
	"github.com/gorse-io/flavor/recommend"
	"github.com/gorse-io/flavor/storage/data"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// Server manages states of a server node.
type Server struct {
	RestServer
	database data.Database
	preload  *provider.Preload
}

// NewServer connects the data store and assembles the model providers.
func NewServer(cfg *config.Config) (*Server, error) {
	database, err := data.Open(cfg.Database.DataStore, cfg.Database.TablePrefix)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to connect data store %s", log.RedactDBURL(cfg.Database.DataStore))
	}
	if err = database.Init(); err != nil {
		return nil, errors.Annotate(err, "failed to init data store")
	}
	return newServer(cfg, database)
}

func newServer(cfg *config.Config, database data.Database) (*Server, error) {
	policy, err := dataset.ParseMergePolicy(cfg.Preference.MergePolicy)
	if err != nil {
		return nil, errors.Trace(err)
	}
	scanner := data.NewScanner(database)
	scanner.PageSize = cfg.Scroll.PageSize
	scanner.KeepAlive = cfg.Scroll.KeepAlive
	scanner.MaxTerms = cfg.Scroll.MaxTerms
	scanner.MaxRetries = cfg.Scroll.MaxRetries
	preload := provider.NewPreload(scanner, policy, data.Source{
		Index: cfg.Preference.Index,
		Type:  cfg.Preference.Type,
	})
	return &Server{
		database: database,
		preload:  preload,
		RestServer: RestServer{
			Config:     cfg,
			Service:    recommend.NewService(provider.NewDynamic(scanner, policy), preload, cfg.Preload.Enable, cfg.Recommend.NumJobs),
			HttpHost:   cfg.Server.Host,
			HttpPort:   cfg.Server.Port,
			WebService: new(restful.WebService),
			HttpServer: &http.Server{},
		},
	}, nil
}

// Serve loads the preloaded model if enabled and serves until shutdown.
func (s *Server) Serve() error {
	log.Logger().Info("start server",
		zap.String("data_store", log.RedactDBURL(s.Config.Database.DataStore)),
		zap.String("server_host", s.HttpHost),
		zap.Int("server_port", s.HttpPort),
		zap.Bool("preload", s.Config.Preload.Enable))
	if s.Config.Preload.Enable {
		if _, err := s.preload.Model(context.Background()); err != nil {
			return errors.Annotate(err, "failed to preload preferences")
		}
	}
	return s.StartHttpServer(restful.NewContainer())
}

// Shutdown stops the http server and releases the data store.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.HttpServer.Shutdown(ctx); err != nil {
		log.Logger().Error("failed to shutdown http server", zap.Error(err))
	}
	s.preload.Close()
	if err := s.database.Close(); err != nil {
		log.Logger().Error("failed to close data store", zap.Error(err))
	}
}
