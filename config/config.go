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

package config

import (
	"strings"
	"time"

	"github.com/gorse-io/flavor/dataset"
	"github.com/gorse-io/flavor/recommend"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// Config is the configuration for the recommendation server.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Scroll     ScrollConfig     `mapstructure:"scroll"`
	Preference PreferenceConfig `mapstructure:"preference"`
	Recommend  RecommendConfig  `mapstructure:"recommend"`
	Preload    PreloadConfig    `mapstructure:"preload"`
	Server     ServerConfig     `mapstructure:"server"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// DatabaseConfig is the configuration for the backend store.
type DatabaseConfig struct {
	DataStore   string `mapstructure:"data_store" validate:"required,data_store"`
	TablePrefix string `mapstructure:"table_prefix"`
}

// ScrollConfig controls paginated scans against the backend store.
type ScrollConfig struct {
	PageSize   int           `mapstructure:"page_size" validate:"gt=0"`
	KeepAlive  time.Duration `mapstructure:"keep_alive" validate:"gt=0"`
	MaxTerms   int           `mapstructure:"max_terms" validate:"gt=0"`
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0"`
}

// PreferenceConfig names the preference collection and how duplicates are folded.
type PreferenceConfig struct {
	Index       string `mapstructure:"index" validate:"required"`
	Type        string `mapstructure:"type"`
	MergePolicy string `mapstructure:"merge_policy" validate:"oneof=last_write_wins append"`
}

type RecommendConfig struct {
	DefaultN              int     `mapstructure:"default_n" validate:"gt=0"`
	Similarity            string  `mapstructure:"similarity" validate:"oneof=pearson cosine euclidean loglikelihood tanimoto"`
	Neighborhood          string  `mapstructure:"neighborhood" validate:"oneof=nearest threshold"`
	NeighborhoodN         int     `mapstructure:"neighborhood_n" validate:"gt=0"`
	NeighborhoodThreshold float64 `mapstructure:"neighborhood_threshold" validate:"gte=-1,lte=1"`
	NumJobs               int     `mapstructure:"num_jobs" validate:"gt=0"`
}

type PreloadConfig struct {
	Enable bool `mapstructure:"enable"`
}

type ServerConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	APIKey string `mapstructure:"api_key"`
}

func GetDefaultConfig() *Config {
	return &Config{
		Scroll: ScrollConfig{
			PageSize:  2000,
			KeepAlive: 10 * time.Second,
			MaxTerms:  65536,
		},
		Preference: PreferenceConfig{
			Index:       "preference",
			Type:        "preference",
			MergePolicy: string(dataset.LastWriteWins),
		},
		Recommend: RecommendConfig{
			DefaultN:              10,
			Similarity:            "cosine",
			Neighborhood:          recommend.Nearest,
			NeighborhoodN:         recommend.DefaultNeighborhoodN,
			NeighborhoodThreshold: recommend.DefaultNeighborhoodThreshold,
			NumJobs:               1,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8087,
		},
		Tracing: TracingConfig{
			Exporter: ExporterOTLP,
			Sampler:  SamplerAlways,
			Ratio:    1,
		},
	}
}

func setDefault() {
	defaultConfig := GetDefaultConfig()
	// [database]
	viper.SetDefault("database.table_prefix", defaultConfig.Database.TablePrefix)
	// [scroll]
	viper.SetDefault("scroll.page_size", defaultConfig.Scroll.PageSize)
	viper.SetDefault("scroll.keep_alive", defaultConfig.Scroll.KeepAlive)
	viper.SetDefault("scroll.max_terms", defaultConfig.Scroll.MaxTerms)
	viper.SetDefault("scroll.max_retries", defaultConfig.Scroll.MaxRetries)
	// [preference]
	viper.SetDefault("preference.index", defaultConfig.Preference.Index)
	viper.SetDefault("preference.type", defaultConfig.Preference.Type)
	viper.SetDefault("preference.merge_policy", defaultConfig.Preference.MergePolicy)
	// [recommend]
	viper.SetDefault("recommend.default_n", defaultConfig.Recommend.DefaultN)
	viper.SetDefault("recommend.similarity", defaultConfig.Recommend.Similarity)
	viper.SetDefault("recommend.neighborhood", defaultConfig.Recommend.Neighborhood)
	viper.SetDefault("recommend.neighborhood_n", defaultConfig.Recommend.NeighborhoodN)
	viper.SetDefault("recommend.neighborhood_threshold", defaultConfig.Recommend.NeighborhoodThreshold)
	viper.SetDefault("recommend.num_jobs", defaultConfig.Recommend.NumJobs)
	// [preload]
	viper.SetDefault("preload.enable", defaultConfig.Preload.Enable)
	// [server]
	viper.SetDefault("server.host", defaultConfig.Server.Host)
	viper.SetDefault("server.port", defaultConfig.Server.Port)
	viper.SetDefault("server.api_key", defaultConfig.Server.APIKey)
	// [tracing]
	viper.SetDefault("tracing.enable_tracing", defaultConfig.Tracing.EnableTracing)
	viper.SetDefault("tracing.exporter", defaultConfig.Tracing.Exporter)
	viper.SetDefault("tracing.collector_endpoint", defaultConfig.Tracing.CollectorEndpoint)
	viper.SetDefault("tracing.sampler", defaultConfig.Tracing.Sampler)
	viper.SetDefault("tracing.ratio", defaultConfig.Tracing.Ratio)
}

func bindEnv() error {
	bindings := []lo.Tuple2[string, string]{
		{A: "database.data_store", B: "FLAVOR_DATA_STORE"},
		{A: "database.table_prefix", B: "FLAVOR_TABLE_PREFIX"},
		{A: "server.host", B: "FLAVOR_SERVER_HOST"},
		{A: "server.port", B: "FLAVOR_SERVER_PORT"},
		{A: "server.api_key", B: "FLAVOR_SERVER_API_KEY"},
		{A: "preference.index", B: "FLAVOR_PRELOAD_INDEX"},
		{A: "tracing.collector_endpoint", B: "FLAVOR_COLLECTOR_ENDPOINT"},
	}
	for _, binding := range bindings {
		if err := viper.BindEnv(binding.A, binding.B); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// LoadConfig loads configuration from a toml file. Values are overridden by
// environment variables and checked before returning.
func LoadConfig(path string) (*Config, error) {
	setDefault()
	if err := bindEnv(); err != nil {
		return nil, errors.Trace(err)
	}
	viper.SetConfigType("toml")
	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return nil, errors.Annotatef(err, "failed to read config file %s", path)
		}
	}
	var conf Config
	if err := viper.Unmarshal(&conf); err != nil {
		return nil, errors.Trace(err)
	}
	conf.Preference.MergePolicy = strings.ToLower(conf.Preference.MergePolicy)
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &conf, nil
}
