// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package trace records OpenCensus traces and metrics for the connector. It
// is a no-op until InitMetrics is called, and a no-op even then unless a
// caller has registered an OpenCensus exporter.
package trace

import (
	"context"
	"sync"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	octrace "go.opencensus.io/trace"
)

var (
	mDialCount          = stats.Int64("cloudsqlconn/dial_count", "The number of Dial calls", stats.UnitDimensionless)
	mDialLatency        = stats.Int64("cloudsqlconn/dial_latency", "The latency of a Dial call, in milliseconds", stats.UnitMilliseconds)
	mOpenConnections    = stats.Int64("cloudsqlconn/open_connections", "The current number of open connections", stats.UnitDimensionless)
	mRefreshCount       = stats.Int64("cloudsqlconn/refresh_count", "The number of refresh operations", stats.UnitDimensionless)

	keyInstance = "instance"
	keyDialerID = "dialer_id"
	keyStatus   = "status"
)

var (
	initOnce sync.Once
	initErr  error
)

// InitMetrics registers this package's OpenCensus views. It is idempotent:
// calling it more than once from multiple Broker instances is safe.
func InitMetrics() error {
	initOnce.Do(func() {
		views := []*view.View{
			{Measure: mDialCount, Aggregation: view.Count()},
			{Measure: mDialLatency, Aggregation: view.Distribution(0, 10, 50, 100, 500, 1000, 5000, 10000)},
			{Measure: mOpenConnections, Aggregation: view.LastValue()},
			{Measure: mRefreshCount, Aggregation: view.Count()},
		}
		initErr = view.Register(views...)
	})
	return initErr
}

// EndSpanFunc ends a trace span, recording err (if any) as the span's
// status.
type EndSpanFunc func(err error)

// SpanOption configures an attribute recorded on a newly started span.
type SpanOption func(ctx context.Context) context.Context

// AddInstanceName attaches an instance connection name to the span's
// context for downstream attribute recording.
func AddInstanceName(name string) SpanOption {
	return func(ctx context.Context) context.Context {
		return context.WithValue(ctx, instanceNameKey, name)
	}
}

// AddDialerID attaches a dialer ID to the span's context.
func AddDialerID(id string) SpanOption {
	return func(ctx context.Context) context.Context {
		return context.WithValue(ctx, dialerIDKey, id)
	}
}

type ctxKey int

const (
	instanceNameKey ctxKey = iota
	dialerIDKey
)

// StartSpan starts an OpenCensus trace span named name, applying any
// SpanOptions to the returned context, and returns an EndSpanFunc that must
// be called to close the span.
func StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, EndSpanFunc) {
	for _, o := range opts {
		ctx = o(ctx)
	}
	ctx, span := octrace.StartSpan(ctx, name)
	return ctx, func(err error) {
		if err != nil {
			span.SetStatus(octrace.Status{Code: int32(octrace.StatusCodeUnknown), Message: err.Error()})
		}
		span.End()
	}
}

// RecordDialError counts one failed Dial attempt, if err is non-nil. The
// count carries no tags; instance and dialerID are not recorded.
func RecordDialError(ctx context.Context, instance, dialerID string, err error) {
	if err == nil {
		return
	}
	stats.Record(ctx, mDialCount.M(1))
}

// RecordDialLatency records the latency, in milliseconds, of a successful
// Dial call.
func RecordDialLatency(ctx context.Context, instance, dialerID string, latencyMS int64) {
	stats.Record(ctx, mDialLatency.M(latencyMS))
}

// RecordOpenConnections records n as the current number of open
// connections. The value carries no tags; instance and dialerID are not
// recorded.
func RecordOpenConnections(ctx context.Context, n int64, dialerID, instance string) {
	stats.Record(ctx, mOpenConnections.M(n))
}

// RecordRefreshResult counts one cert/metadata refresh cycle. The count
// carries no tags; instance, dialerID and the outcome in err are not
// recorded.
func RecordRefreshResult(ctx context.Context, instance, dialerID string, err error) {
	stats.Record(ctx, mRefreshCount.M(1))
}
