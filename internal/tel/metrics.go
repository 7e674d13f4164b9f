// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tel provides telemetry into the broker's internal operations,
// exported to Google Cloud Monitoring via OpenTelemetry when enabled.
package tel

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/api/option"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"cloud.google.com/go/cloudsqlconn/internal/exporter"
)

const (
	dialCount       = "dial_count"
	dialLatency     = "dial_latencies"
	openConnections = "open_connections"
	refreshCount    = "refresh_count"

	instanceName = "instance_connection_name"
	authType     = "auth_type"
	status       = "status"
	refreshType  = "refresh_type"

	// DialSuccess indicates the dial attempt succeeded.
	DialSuccess = "success"
	// DialError indicates the dial attempt failed.
	DialError = "error"
	// RefreshSuccess indicates the refresh operation succeeded.
	RefreshSuccess = "success"
	// RefreshFailure indicates the refresh operation failed.
	RefreshFailure = "failure"
	// RefreshAheadType indicates the background refresh-ahead cache.
	RefreshAheadType = "refresh-ahead"
	// RefreshLazyType indicates the on-demand lazy cache.
	RefreshLazyType = "lazy"
)

// MetricRecorder holds the counters and histograms tracking a Broker's
// internal operations. The zero value is not usable; construct with
// NewMetricRecorder.
type MetricRecorder struct {
	exp           sdkmetric.Exporter
	provider      *sdkmetric.MeterProvider
	mDialCount    metric.Int64Counter
	mDialLatency  metric.Float64Histogram
	mOpenConns    metric.Int64UpDownCounter
	mRefreshCount metric.Int64Counter
}

// Config configures a MetricRecorder. Unlike a single Cloud SQL instance's
// connection name, ProjectID here names the project metrics are written to,
// since one Broker can serve instances spread across many projects.
type Config struct {
	Enabled   bool
	Version   string
	ClientID  string
	ProjectID string
}

// nullExporter discards every metric; it backs a MetricRecorder when metrics
// export is disabled, so the instrumentation call sites never need a nil
// check.
type nullExporter struct{}

func (nullExporter) Temporality(ik sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(ik)
}

func (nullExporter) Aggregation(ik sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(ik)
}

func (nullExporter) Export(context.Context, *metricdata.ResourceMetrics) error { return nil }
func (nullExporter) ForceFlush(context.Context) error                         { return nil }
func (nullExporter) Shutdown(context.Context) error                           { return nil }

// NewMetricRecorder creates a MetricRecorder with a 1:1 correspondence to a
// Broker. When cfg.Enabled is false, metrics are collected but never
// exported.
func NewMetricRecorder(ctx context.Context, cfg Config, opts ...option.ClientOption) (*MetricRecorder, error) {
	var (
		exp sdkmetric.Exporter = nullExporter{}
		err error
	)
	if cfg.Enabled {
		exp, err = exporter.NewMetricExporter(ctx, cfg.ProjectID, opts...)
		if err != nil {
			return nil, err
		}
	}

	res := resource.NewWithAttributes(exporter.ResourceType,
		attribute.String("gcp.resource_type", exporter.ResourceType),
		attribute.String(exporter.ProjectIDLabel, cfg.ProjectID),
		attribute.String(exporter.ClientIDLabel, cfg.ClientID),
	)
	p := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			exp,
			sdkmetric.WithInterval(60*time.Second),
		)),
		sdkmetric.WithResource(res),
	)
	m := p.Meter(exporter.MeterName, metric.WithInstrumentationVersion(cfg.Version))

	mDialCount, err := m.Int64Counter(dialCount)
	if err != nil {
		return nil, errors.Join(err, exp.Shutdown(context.Background()))
	}
	mDialLatency, err := m.Float64Histogram(dialLatency)
	if err != nil {
		return nil, errors.Join(err, exp.Shutdown(context.Background()))
	}
	mOpenConns, err := m.Int64UpDownCounter(openConnections)
	if err != nil {
		return nil, errors.Join(err, exp.Shutdown(context.Background()))
	}
	mRefreshCount, err := m.Int64Counter(refreshCount)
	if err != nil {
		return nil, errors.Join(err, exp.Shutdown(context.Background()))
	}
	return &MetricRecorder{
		exp:           exp,
		provider:      p,
		mDialCount:    mDialCount,
		mDialLatency:  mDialLatency,
		mOpenConns:    mOpenConns,
		mRefreshCount: mRefreshCount,
	}, nil
}

// Shutdown should be called when the MetricRecorder is no longer needed,
// typically from Broker.StopAll.
func (m *MetricRecorder) Shutdown(ctx context.Context) error {
	return errors.Join(m.exp.Shutdown(ctx), m.provider.Shutdown(ctx))
}

// DialAttributes describes a single dial attempt.
type DialAttributes struct {
	Instance   string
	IAMAuthN   bool
	DialStatus string
}

func authTypeValue(iamAuthN bool) string {
	if iamAuthN {
		return "iam"
	}
	return "built-in"
}

// RecordDial records the outcome and latency of a dial attempt.
func (m *MetricRecorder) RecordDial(ctx context.Context, latency time.Duration, a DialAttributes) {
	set := attribute.NewSet(
		attribute.String(instanceName, a.Instance),
		attribute.String(authType, authTypeValue(a.IAMAuthN)),
		attribute.String(status, a.DialStatus),
	)
	m.mDialCount.Add(ctx, 1, metric.WithAttributeSet(set))
	m.mDialLatency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributeSet(set))
}

// RecordOpenConnection increments the number of open connections.
func (m *MetricRecorder) RecordOpenConnection(ctx context.Context, a DialAttributes) {
	m.mOpenConns.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
		attribute.String(instanceName, a.Instance),
		attribute.String(authType, authTypeValue(a.IAMAuthN)),
	)))
}

// RecordClosedConnection decrements the number of open connections.
func (m *MetricRecorder) RecordClosedConnection(ctx context.Context, a DialAttributes) {
	m.mOpenConns.Add(ctx, -1, metric.WithAttributeSet(attribute.NewSet(
		attribute.String(instanceName, a.Instance),
		attribute.String(authType, authTypeValue(a.IAMAuthN)),
	)))
}

// RefreshAttributes describes the outcome of a single metadata/certificate
// refresh.
type RefreshAttributes struct {
	Instance      string
	RefreshStatus string
	RefreshType   string
}

// RecordRefresh records the outcome of a refresh operation.
func (m *MetricRecorder) RecordRefresh(ctx context.Context, a RefreshAttributes) {
	m.mRefreshCount.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
		attribute.String(instanceName, a.Instance),
		attribute.String(status, a.RefreshStatus),
		attribute.String(refreshType, a.RefreshType),
	)))
}
