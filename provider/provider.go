// Copyright 2026 gorse Project Authors
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

package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gorse-io/flavor/dataset"
	"github.com/gorse-io/flavor/storage/data"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/gorse-io/flavor/provider")

var (
	BuildSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flavor",
		Subsystem: "provider",
		Name:      "build_seconds",
	}, []string{"provider"})
	PreloadUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flavor",
		Subsystem: "provider",
		Name:      "preload_users",
	})
	PreloadItems = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flavor",
		Subsystem: "provider",
		Name:      "preload_items",
	})
)

// Provider produces the data model a query runs on. A returned model is
// complete and never modified afterwards.
type Provider interface {
	// ItemModel returns a model for queries starting from an item.
	ItemModel(ctx context.Context, source data.Source, itemId int64) (*dataset.DataModel, error)
	// UserModel returns a model for queries starting from a user.
	UserModel(ctx context.Context, source data.Source, userId int64) (*dataset.DataModel, error)
}

// DefaultType is the mapping type used when settings don't name one.
const DefaultType = "preference"

type settings struct {
	Preference *struct {
		Index string `json:"index"`
		Type  string `json:"type"`
	} `json:"preference"`
}

// ParseSettings reads the source of preloaded preferences from a settings
// document such as {"preference": {"index": "ratings", "type": "rating"}}.
func ParseSettings(body []byte) (data.Source, error) {
	var s settings
	if err := json.Unmarshal(body, &s); err != nil {
		return data.Source{}, errors.NewNotValid(err, "settings")
	}
	if s.Preference == nil {
		return data.Source{}, errors.NotValidf("preference settings")
	}
	source := data.Source{
		Index: strings.TrimSpace(s.Preference.Index),
		Type:  strings.TrimSpace(s.Preference.Type),
	}
	if source.Index == "" {
		return data.Source{}, errors.NotValidf("preference.index")
	}
	if source.Type == "" {
		source.Type = DefaultType
	}
	return source, nil
}
