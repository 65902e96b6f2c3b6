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
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	restfulspec "github.com/emicklei/go-restful-openapi/v2"
	"github.com/emicklei/go-restful/v3"
	"github.com/google/uuid"
	"github.com/gorse-io/flavor/base/log"
	"github.com/gorse-io/flavor/config"
	"github.com/gorse-io/flavor/provider"
	"github.com/gorse-io/flavor/recommend"
	"github.com/gorse-io/flavor/storage/data"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/swaggest/swgui/v5emb"
	"go.opentelemetry.io/contrib/instrumentation/github.com/emicklei/go-restful/otelrestful"
	"go.uber.org/zap"
)

const apiDocsPath = "/apidocs/"

// RestServer implements a REST-ful API server.
type RestServer struct {
	Config     *config.Config
	Service    *recommend.Service
	HttpHost   string
	HttpPort   int
	WebService *restful.WebService
	HttpServer *http.Server
}

// StartHttpServer starts the REST-ful API server. It returns once the
// server is shut down.
func (s *RestServer) StartHttpServer(container *restful.Container) error {
	s.RegisterHandlers(container)
	if s.HttpServer == nil {
		s.HttpServer = &http.Server{}
	}
	s.HttpServer.Addr = fmt.Sprintf("%s:%d", s.HttpHost, s.HttpPort)
	s.HttpServer.Handler = container
	log.Logger().Info("start http server",
		zap.String("url", fmt.Sprintf("http://%s:%d", s.HttpHost, s.HttpPort)))
	if err := s.HttpServer.ListenAndServe(); err != http.ErrServerClosed {
		return errors.Trace(err)
	}
	return nil
}

// RegisterHandlers adds the REST APIs, API docs and metrics to a container.
func (s *RestServer) RegisterHandlers(container *restful.Container) {
	// register restful APIs
	s.CreateWebService()
	container.Add(s.WebService)
	// register openapi spec
	specConfig := restfulspec.Config{
		WebServices: container.RegisteredWebServices(),
		APIPath:     "/apidocs.json",
	}
	container.Add(restfulspec.NewOpenAPIService(specConfig))
	// register swagger UI
	container.Handle(apiDocsPath, v5emb.New("Flavor", "/apidocs.json", apiDocsPath))
	// register prometheus
	container.Handle("/metrics", promhttp.Handler())
}

// RequestIdFilter tags every response with a request id.
func RequestIdFilter(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
	requestId := req.HeaderParameter("X-Request-ID")
	if requestId == "" {
		requestId = uuid.NewString()
	}
	resp.Header().Set("X-Request-ID", requestId)
	chain.ProcessFilter(req, resp)
}

func LogFilter(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
	start := time.Now()
	chain.ProcessFilter(req, resp)
	RestAPIRequestSeconds.WithLabelValues(req.SelectedRoutePath(), strconv.Itoa(resp.StatusCode())).
		Observe(time.Since(start).Seconds())
	log.ResponseLogger(resp).Info(fmt.Sprintf("%s %s", req.Request.Method, req.Request.URL),
		zap.Int("status_code", resp.StatusCode()),
		zap.Duration("used_time", time.Since(start)))
}

// CreateWebService creates web service.
func (s *RestServer) CreateWebService() {
	ws := s.WebService
	ws.Consumes(restful.MIME_JSON).Produces(restful.MIME_JSON)
	ws.Path("/")
	ws.Filter(otelrestful.OTelFilter("flavor"))
	ws.Filter(RequestIdFilter)
	ws.Filter(LogFilter)

	ws.Route(ws.POST("/_flavor/preload").To(s.preload).
		Doc("Load all preferences of a source into memory.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"preload"}).
		Param(ws.HeaderParameter("X-API-Key", "secret key for RESTful API")).
		Reads(Settings{}).
		Returns(http.StatusOK, "OK", PreloadStatus{}).
		Writes(PreloadStatus{}))
	ws.Route(ws.GET("/_flavor/{operation}/{id}").To(s.query).
		Doc("Query recommendations from the default source.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"recommend"}).
		Param(ws.HeaderParameter("X-API-Key", "secret key for RESTful API")).
		Param(ws.PathParameter("operation", "similar_items, similar_users, user_based_recommend or item_based_recommend").DataType("string")).
		Param(ws.PathParameter("id", "identifier of the item or the user").DataType("integer")).
		Param(ws.QueryParameter("size", "number of returned results").DataType("integer")).
		Param(ws.QueryParameter("similarity", "similarity measure").DataType("string")).
		Param(ws.QueryParameter("neighborhood", "nearest or threshold").DataType("string")).
		Param(ws.QueryParameter("neighborhoodN", "number of nearest neighbors").DataType("integer")).
		Param(ws.QueryParameter("neighborhoodThreshold", "minimal similarity of neighbors").DataType("number")).
		Returns(http.StatusOK, "OK", ItemResponse{}).
		Writes(ItemResponse{}))
	ws.Route(ws.GET("/{index}/{type}/_flavor/{operation}/{id}").To(s.query).
		Doc("Query recommendations from a source.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"recommend"}).
		Param(ws.HeaderParameter("X-API-Key", "secret key for RESTful API")).
		Param(ws.PathParameter("index", "collection of preferences").DataType("string")).
		Param(ws.PathParameter("type", "type of preferences").DataType("string")).
		Param(ws.PathParameter("operation", "similar_items, similar_users, user_based_recommend or item_based_recommend").DataType("string")).
		Param(ws.PathParameter("id", "identifier of the item or the user").DataType("integer")).
		Param(ws.QueryParameter("size", "number of returned results").DataType("integer")).
		Param(ws.QueryParameter("similarity", "similarity measure").DataType("string")).
		Param(ws.QueryParameter("neighborhood", "nearest or threshold").DataType("string")).
		Param(ws.QueryParameter("neighborhoodN", "number of nearest neighbors").DataType("integer")).
		Param(ws.QueryParameter("neighborhoodThreshold", "minimal similarity of neighbors").DataType("number")).
		Returns(http.StatusOK, "OK", ItemResponse{}).
		Writes(ItemResponse{}))
}

// Settings is the body of a preload request.
type Settings struct {
	Preference struct {
		Index string `json:"index"`
		Type  string `json:"type"`
	} `json:"preference"`
}

type PreloadStatus struct {
	PreloadDataModel string `json:"preloadDataModel"`
	TotalUsers       int    `json:"total_users"`
	TotalItems       int    `json:"total_items"`
	Source           string `json:"source"`
}

type ItemHit struct {
	ItemId int64   `json:"item_id"`
	Value  float64 `json:"value"`
}

type ItemHits struct {
	Total int       `json:"total"`
	Hits  []ItemHit `json:"hits"`
}

type ItemResponse struct {
	Took int64    `json:"took"`
	Hits ItemHits `json:"hits"`
}

type UserHit struct {
	UserId int64 `json:"user_id"`
}

type UserHits struct {
	Total int       `json:"total"`
	Hits  []UserHit `json:"hits"`
}

type UserResponse struct {
	Took int64    `json:"took"`
	Hits UserHits `json:"hits"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func (s *RestServer) preload(request *restful.Request, response *restful.Response) {
	if !s.auth(request, response) {
		return
	}
	body, err := io.ReadAll(request.Request.Body)
	if err != nil {
		BadRequest(response, err)
		return
	}
	source, err := provider.ParseSettings(body)
	if err != nil {
		BadRequest(response, err)
		return
	}
	status, err := s.Service.Preload(request.Request.Context(), source)
	if err != nil {
		s.handleError(response, "preload", err)
		return
	}
	Ok(response, PreloadStatus{
		PreloadDataModel: status.Description,
		TotalUsers:       status.NumUsers,
		TotalItems:       status.NumItems,
		Source:           status.Source,
	})
}

func (s *RestServer) query(request *restful.Request, response *restful.Response) {
	if !s.auth(request, response) {
		return
	}
	start := time.Now()
	q, err := s.parseQuery(request)
	if err != nil {
		BadRequest(response, err)
		return
	}
	result, err := s.Service.Query(request.Request.Context(), q)
	if err != nil {
		s.handleError(response, q.Operation, err)
		return
	}
	took := time.Since(start).Milliseconds()
	if q.Operation == recommend.SimilarUsers {
		hits := make([]UserHit, len(result.UserIds))
		for i, userId := range result.UserIds {
			hits[i] = UserHit{UserId: userId}
		}
		Ok(response, UserResponse{Took: took, Hits: UserHits{Total: len(hits), Hits: hits}})
		return
	}
	hits := make([]ItemHit, len(result.Items))
	for i, item := range result.Items {
		hits[i] = ItemHit{ItemId: item.Id, Value: item.Score}
	}
	Ok(response, ItemResponse{Took: took, Hits: ItemHits{Total: len(hits), Hits: hits}})
}

func (s *RestServer) parseQuery(request *restful.Request) (recommend.Query, error) {
	q := recommend.Query{
		Operation: request.PathParameter("operation"),
		Source: data.Source{
			Index: s.Config.Preference.Index,
			Type:  s.Config.Preference.Type,
		},
		Similarity: s.Config.Recommend.Similarity,
	}
	if index := request.PathParameter("index"); index != "" {
		q.Source = data.Source{Index: index, Type: request.PathParameter("type")}
	}
	var err error
	if q.Id, err = strconv.ParseInt(request.PathParameter("id"), 10, 64); err != nil {
		return q, errors.NewNotValid(err, "id")
	}
	if q.Size, err = ParseInt(request, "size", s.Config.Recommend.DefaultN); err != nil {
		return q, errors.NewNotValid(err, "size")
	}
	if similarity := request.QueryParameter("similarity"); similarity != "" {
		q.Similarity = similarity
	}
	q.Neighborhood.Mode = recommend.SelectMode(request.QueryParameter("neighborhood"),
		request.QueryParameter("neighborhoodThreshold") != "", s.Config.Recommend.Neighborhood)
	if q.Neighborhood.N, err = ParseInt(request, "neighborhoodN", s.Config.Recommend.NeighborhoodN); err != nil {
		return q, errors.NewNotValid(err, "neighborhoodN")
	}
	if q.Neighborhood.Threshold, err = ParseFloat(request, "neighborhoodThreshold", s.Config.Recommend.NeighborhoodThreshold); err != nil {
		return q, errors.NewNotValid(err, "neighborhoodThreshold")
	}
	return q, nil
}

// handleError maps service errors to responses.
func (s *RestServer) handleError(response *restful.Response, operation string, err error) {
	var scanErr *data.ScanError
	switch {
	case errors.Is(err, errors.NotSupported):
		PageNotFound(response, fmt.Errorf("Invalid operation: %s", operation))
	case errors.Is(err, errors.NotFound):
		PageNotFound(response, err)
	case errors.Is(err, errors.NotValid):
		BadRequest(response, err)
	case errors.Is(err, context.Canceled):
		log.ResponseLogger(response).Warn("request cancelled", zap.Error(err))
		writeError(response, http.StatusServiceUnavailable, err)
	case errors.As(err, &scanErr):
		InternalServerError(response, err)
	default:
		InternalServerError(response, err)
	}
}

func ParseInt(request *restful.Request, name string, fallback int) (value int, err error) {
	valueString := request.QueryParameter(name)
	value, err = strconv.Atoi(valueString)
	if err != nil && valueString == "" {
		value = fallback
		err = nil
	}
	return
}

func ParseFloat(request *restful.Request, name string, fallback float64) (value float64, err error) {
	valueString := request.QueryParameter(name)
	value, err = strconv.ParseFloat(valueString, 64)
	if err != nil && valueString == "" {
		value = fallback
		err = nil
	}
	return
}

func writeError(response *restful.Response, status int, err error) {
	response.Header().Set("Access-Control-Allow-Origin", "*")
	if err = response.WriteHeaderAndJson(status, ErrorResponse{Error: err.Error(), Status: status}, restful.MIME_JSON); err != nil {
		log.ResponseLogger(response).Error("failed to write error", zap.Error(err))
	}
}

// BadRequest returns a bad request error.
func BadRequest(response *restful.Response, err error) {
	log.ResponseLogger(response).Error("bad request", zap.Error(err))
	writeError(response, http.StatusBadRequest, err)
}

// InternalServerError returns a internal server error.
func InternalServerError(response *restful.Response, err error) {
	log.ResponseLogger(response).Error("internal server error", zap.Error(err))
	writeError(response, http.StatusInternalServerError, err)
}

// PageNotFound returns a not found error.
func PageNotFound(response *restful.Response, err error) {
	writeError(response, http.StatusNotFound, err)
}

// Ok sends the content as JSON to the client.
func Ok(response *restful.Response, content interface{}) {
	response.Header().Set("Access-Control-Allow-Origin", "*")
	if err := response.WriteAsJson(content); err != nil {
		log.ResponseLogger(response).Error("failed to write json", zap.Error(err))
	}
}

func (s *RestServer) auth(request *restful.Request, response *restful.Response) bool {
	if s.Config.Server.APIKey == "" {
		return true
	}
	if request.HeaderParameter("X-API-Key") == s.Config.Server.APIKey {
		return true
	}
	log.ResponseLogger(response).Error("unauthorized", zap.String("path", request.Request.URL.Path))
	writeError(response, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
	return false
}
