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

package config

import (
	"context"

	"github.com/juju/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
)

const (
	ExporterOTLP     = "otlp"
	ExporterOTLPHTTP = "otlphttp"
	ExporterZipkin   = "zipkin"

	SamplerAlways = "always"
	SamplerNever  = "never"
	SamplerRatio  = "ratio"
)

type TracingConfig struct {
	EnableTracing     bool    `mapstructure:"enable_tracing"`
	Exporter          string  `mapstructure:"exporter" validate:"oneof=otlp otlphttp zipkin"`
	CollectorEndpoint string  `mapstructure:"collector_endpoint"`
	Sampler           string  `mapstructure:"sampler" validate:"oneof=always never ratio"`
	Ratio             float64 `mapstructure:"ratio" validate:"gte=0,lte=1"`
}

// NewTracerProvider creates a tracer provider exporting spans to the configured
// collector. Spans are never sampled if tracing is disabled.
func (config *TracingConfig) NewTracerProvider() (*tracesdk.TracerProvider, error) {
	if !config.EnableTracing {
		return tracesdk.NewTracerProvider(tracesdk.WithSampler(tracesdk.NeverSample())), nil
	}
	exporter, err := config.newExporter()
	if err != nil {
		return nil, errors.Trace(err)
	}
	sampler, err := config.newSampler()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter),
		tracesdk.WithSampler(sampler),
		tracesdk.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "flavor"),
		)),
	), nil
}

func (config *TracingConfig) newExporter() (tracesdk.SpanExporter, error) {
	switch config.Exporter {
	case ExporterOTLP:
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(config.CollectorEndpoint))
		return otlptrace.New(context.Background(), client)
	case ExporterOTLPHTTP:
		client := otlptracehttp.NewClient(
			otlptracehttp.WithInsecure(),
			otlptracehttp.WithEndpoint(config.CollectorEndpoint))
		return otlptrace.New(context.Background(), client)
	case ExporterZipkin:
		return zipkin.New(config.CollectorEndpoint)
	}
	return nil, errors.NotSupportedf("exporter %s", config.Exporter)
}

func (config *TracingConfig) newSampler() (tracesdk.Sampler, error) {
	switch config.Sampler {
	case SamplerAlways:
		return tracesdk.AlwaysSample(), nil
	case SamplerNever:
		return tracesdk.NeverSample(), nil
	case SamplerRatio:
		return tracesdk.TraceIDRatioBased(config.Ratio), nil
	}
	return nil, errors.NotSupportedf("sampler %s", config.Sampler)
}
