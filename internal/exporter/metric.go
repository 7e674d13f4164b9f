// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package exporter translates OpenTelemetry metric.Exporter data into Cloud
// Monitoring TimeSeries protos for the broker's built-in connector metrics.
//
// Unlike an exporter scoped to a single AlloyDB or Cloud SQL instance, a
// Broker's MeterProvider covers every instance the Broker has ever dialed,
// so the monitored resource here identifies the connector process (project
// and client ID) rather than any one database instance; the instance a
// point belongs to travels as an ordinary metric label instead (see
// MeterName, ResourceType, and the label constants below).
package exporter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"cloud.google.com/go/monitoring/apiv3/v2/monitoringpb"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/api/option"
	"google.golang.org/genproto/googleapis/api/distribution"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"

	monitoring "cloud.google.com/go/monitoring/apiv3/v2"
	googlemetricpb "google.golang.org/genproto/googleapis/api/metric"
	monitoredrespb "google.golang.org/genproto/googleapis/api/monitoredres"
)

const (
	// MeterName is the OpenTelemetry meter name the broker's connector
	// metrics are registered under. recordsToTspbs uses it to drop any
	// scope that isn't this exporter's own instrumentation, and
	// tel.NewMetricRecorder uses it to name the MeterProvider's meter so the
	// two stay in sync.
	MeterName = "cloudsql.googleapis.com/client/connector"

	// ResourceType names the monitored resource a Broker's metrics are
	// attributed to in Cloud Monitoring.
	ResourceType = "cloudsql.googleapis.com/ConnectorClient"

	// sendBatchSize caps the number of TimeSeries sent to Cloud Monitoring
	// per CreateServiceTimeSeries call; the API rejects batches over 200.
	sendBatchSize = 200

	// ProjectIDLabel and ClientIDLabel identify the two OTel resource
	// attributes tel.Config attaches to the MeterProvider's Resource; a
	// Broker's project and client ID don't vary per point, so they belong
	// on the MonitoredResource rather than being repeated on every metric.
	ProjectIDLabel = "project_id"
	ClientIDLabel  = "client_uid"
)

// resourceLabelKeys are the resource attribute keys copied onto the
// MonitoredResource for every TimeSeries derived from a ResourceMetrics.
var resourceLabelKeys = map[string]bool{
	ProjectIDLabel: true,
	ClientIDLabel:  true,
}

var _ metric.Exporter = (*MetricExporter)(nil)

// MetricExporter uploads a Broker's OpenTelemetry metric data to Google
// Cloud Monitoring as a ConnectorClient resource.
type MetricExporter struct {
	shutdown     chan struct{}
	client       *monitoring.MetricClient
	shutdownOnce sync.Once
	projectID    string
}

// NewMetricExporter returns an exporter that uploads OTel metric data to
// Google Cloud Monitoring under projectID.
func NewMetricExporter(ctx context.Context, projectID string, opts ...option.ClientOption) (*MetricExporter, error) {
	client, err := monitoring.NewMetricClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &MetricExporter{
		client:    client,
		shutdown:  make(chan struct{}),
		projectID: projectID,
	}, nil
}

// Temporality returns the Temporality to use for an instrument kind.
func (me *MetricExporter) Temporality(ik metric.InstrumentKind) metricdata.Temporality {
	return metric.DefaultTemporalitySelector(ik)
}

// Aggregation returns the Aggregation to use for an instrument kind.
func (me *MetricExporter) Aggregation(ik metric.InstrumentKind) metric.Aggregation {
	return metric.DefaultAggregationSelector(ik)
}

// ForceFlush does nothing; the exporter holds no buffered state between
// periodic reads.
func (me *MetricExporter) ForceFlush(ctx context.Context) error { return ctx.Err() }

var errShutdown = fmt.Errorf("exporter is shutdown")

// Shutdown closes the underlying Cloud Monitoring client. It is safe to
// call more than once.
func (me *MetricExporter) Shutdown(ctx context.Context) error {
	err := errShutdown
	me.shutdownOnce.Do(func() {
		close(me.shutdown)
		err = errors.Join(ctx.Err(), me.client.Close())
	})
	return err
}

// Export uploads the given metric data, unless the exporter has already
// been shut down.
func (me *MetricExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	select {
	case <-me.shutdown:
		return errShutdown
	default:
	}
	tss, err := me.recordsToTspbs(rm)
	if len(tss) == 0 {
		return err
	}

	name := fmt.Sprintf("projects/%s", me.projectID)
	errs := []error{err}
	for i := 0; i < len(tss); i += sendBatchSize {
		j := min(i+sendBatchSize, len(tss))
		errs = append(errs, me.client.CreateServiceTimeSeries(ctx, &monitoringpb.CreateTimeSeriesRequest{
			Name:       name,
			TimeSeries: tss[i:j],
		}))
	}
	return errors.Join(errs...)
}

type errUnexpectedAggregationKind struct {
	kind string
}

func (e errUnexpectedAggregationKind) Error() string {
	return fmt.Sprintf("the metric kind is unexpected: %v", e.kind)
}

// recordsToTspbs converts every connector-instrumentation scope in rm into
// TimeSeries protos, skipping any scope that belongs to a different
// instrumentation library sharing the same MeterProvider. A ResourceMetrics
// carries one Resource for all of its scopes, so the MonitoredResource is
// built once and reused across every TimeSeries produced here.
func (me *MetricExporter) recordsToTspbs(rm *metricdata.ResourceMetrics) ([]*monitoringpb.TimeSeries, error) {
	mr := monitoredResourceOf(rm.Resource)
	var (
		tss  []*monitoringpb.TimeSeries
		errs []error
	)
	for _, scope := range rm.ScopeMetrics {
		if scope.Scope.Name != MeterName {
			continue
		}
		for _, metrics := range scope.Metrics {
			ts, err := me.recordToTspb(metrics, mr)
			errs = append(errs, err)
			tss = append(tss, ts...)
		}
	}
	return tss, errors.Join(errs...)
}

// monitoredResourceOf pulls the Broker's project and client ID off the
// MeterProvider's Resource. tel.Config attaches both as resource
// attributes rather than per-point labels, since neither varies across a
// single Broker's metrics.
func monitoredResourceOf(res *resource.Resource) *monitoredrespb.MonitoredResource {
	labels := make(map[string]string)
	if res != nil {
		for _, kv := range res.Attributes() {
			if k := string(kv.Key); resourceLabelKeys[k] {
				labels[k] = kv.Value.Emit()
			}
		}
	}
	return &monitoredrespb.MonitoredResource{Type: ResourceType, Labels: labels}
}

// recordToTspb converts a single instrument's data points into TimeSeries
// protos. See https://cloud.google.com/monitoring/api/ref_v3/rest/v3/TimeSeries.
func (me *MetricExporter) recordToTspb(m metricdata.Metrics, mr *monitoredrespb.MonitoredResource) ([]*monitoringpb.TimeSeries, error) {
	if m.Data == nil {
		return nil, nil
	}
	switch a := m.Data.(type) {
	case metricdata.Gauge[int64]:
		return convertGauge(a, m, mr)
	case metricdata.Gauge[float64]:
		return convertGauge(a, m, mr)
	case metricdata.Sum[int64]:
		return convertSum(a, m, mr)
	case metricdata.Sum[float64]:
		return convertSum(a, m, mr)
	case metricdata.Histogram[int64]:
		return convertHistogram(a, m, mr)
	case metricdata.Histogram[float64]:
		return convertHistogram(a, m, mr)
	case metricdata.ExponentialHistogram[int64]:
		return convertExpHistogram(a, m, mr)
	case metricdata.ExponentialHistogram[float64]:
		return convertExpHistogram(a, m, mr)
	default:
		return nil, errUnexpectedAggregationKind{kind: reflect.TypeOf(m.Data).String()}
	}
}

func convertGauge[N int64 | float64](a metricdata.Gauge[N], m metricdata.Metrics, mr *monitoredrespb.MonitoredResource) ([]*monitoringpb.TimeSeries, error) {
	var tss []*monitoringpb.TimeSeries
	var errs []error
	for _, point := range a.DataPoints {
		ts, err := gaugeToTimeSeries(point, m, mr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ts.Metric = metricPb(m, point.Attributes)
		tss = append(tss, ts)
	}
	return tss, errors.Join(errs...)
}

func convertSum[N int64 | float64](a metricdata.Sum[N], m metricdata.Metrics, mr *monitoredrespb.MonitoredResource) ([]*monitoringpb.TimeSeries, error) {
	var tss []*monitoringpb.TimeSeries
	var errs []error
	for _, point := range a.DataPoints {
		var ts *monitoringpb.TimeSeries
		var err error
		if a.IsMonotonic {
			ts, err = sumToTimeSeries(point, m, mr)
		} else {
			// A non-monotonic sum (e.g. an UpDownCounter) can decrease, so
			// Cloud Monitoring must see it as a gauge rather than a
			// cumulative counter.
			ts, err = gaugeToTimeSeries(point, m, mr)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ts.Metric = metricPb(m, point.Attributes)
		tss = append(tss, ts)
	}
	return tss, errors.Join(errs...)
}

func convertHistogram[N int64 | float64](a metricdata.Histogram[N], m metricdata.Metrics, mr *monitoredrespb.MonitoredResource) ([]*monitoringpb.TimeSeries, error) {
	var tss []*monitoringpb.TimeSeries
	var errs []error
	for _, point := range a.DataPoints {
		ts, err := histogramToTimeSeries(point, m, mr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ts.Metric = metricPb(m, point.Attributes)
		tss = append(tss, ts)
	}
	return tss, errors.Join(errs...)
}

func convertExpHistogram[N int64 | float64](a metricdata.ExponentialHistogram[N], m metricdata.Metrics, mr *monitoredrespb.MonitoredResource) ([]*monitoringpb.TimeSeries, error) {
	var tss []*monitoringpb.TimeSeries
	var errs []error
	for _, point := range a.DataPoints {
		ts, err := expHistogramToTimeSeries(point, m, mr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ts.Metric = metricPb(m, point.Attributes)
		tss = append(tss, ts)
	}
	return tss, errors.Join(errs...)
}

// metricPb builds the Metric proto for one data point. Every attribute on
// the point becomes a metric label; none of them are resource labels here,
// since the Broker's project and client ID travel on the Resource instead
// (see monitoredResourceOf).
func metricPb(metrics metricdata.Metrics, attributes attribute.Set) *googlemetricpb.Metric {
	labels := make(map[string]string)
	iter := attributes.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		labels[normalizeLabelKey(string(kv.Key))] = sanitizeUTF8(kv.Value.Emit())
	}
	return &googlemetricpb.Metric{
		Type:   fmt.Sprintf("%v/%v", MeterName, metrics.Name),
		Labels: labels,
	}
}

func sanitizeUTF8(s string) string {
	return strings.ToValidUTF8(s, "�")
}

func gaugeToTimeSeries[N int64 | float64](point metricdata.DataPoint[N], metrics metricdata.Metrics, mr *monitoredrespb.MonitoredResource) (*monitoringpb.TimeSeries, error) {
	value, valueType := numberDataPointToValue(point)
	timestamp := timestamppb.New(point.Time)
	if err := timestamp.CheckValid(); err != nil {
		return nil, err
	}
	return &monitoringpb.TimeSeries{
		Resource:   mr,
		Unit:       string(metrics.Unit),
		MetricKind: googlemetricpb.MetricDescriptor_GAUGE,
		ValueType:  valueType,
		Points: []*monitoringpb.Point{{
			Interval: &monitoringpb.TimeInterval{EndTime: timestamp},
			Value:    value,
		}},
	}, nil
}

func sumToTimeSeries[N int64 | float64](point metricdata.DataPoint[N], metrics metricdata.Metrics, mr *monitoredrespb.MonitoredResource) (*monitoringpb.TimeSeries, error) {
	interval, err := toNonemptyTimeIntervalpb(point.StartTime, point.Time)
	if err != nil {
		return nil, err
	}
	value, valueType := numberDataPointToValue(point)
	return &monitoringpb.TimeSeries{
		Resource:   mr,
		Unit:       string(metrics.Unit),
		MetricKind: googlemetricpb.MetricDescriptor_CUMULATIVE,
		ValueType:  valueType,
		Points: []*monitoringpb.Point{{
			Interval: interval,
			Value:    value,
		}},
	}, nil
}

func histogramToTimeSeries[N int64 | float64](point metricdata.HistogramDataPoint[N], metrics metricdata.Metrics, mr *monitoredrespb.MonitoredResource) (*monitoringpb.TimeSeries, error) {
	interval, err := toNonemptyTimeIntervalpb(point.StartTime, point.Time)
	if err != nil {
		return nil, err
	}
	return &monitoringpb.TimeSeries{
		Resource:   mr,
		Unit:       string(metrics.Unit),
		MetricKind: googlemetricpb.MetricDescriptor_CUMULATIVE,
		ValueType:  googlemetricpb.MetricDescriptor_DISTRIBUTION,
		Points: []*monitoringpb.Point{{
			Interval: interval,
			Value: &monitoringpb.TypedValue{
				Value: &monitoringpb.TypedValue_DistributionValue{
					DistributionValue: histToDistribution(point),
				},
			},
		}},
	}, nil
}

func expHistogramToTimeSeries[N int64 | float64](point metricdata.ExponentialHistogramDataPoint[N], metrics metricdata.Metrics, mr *monitoredrespb.MonitoredResource) (*monitoringpb.TimeSeries, error) {
	interval, err := toNonemptyTimeIntervalpb(point.StartTime, point.Time)
	if err != nil {
		return nil, err
	}
	return &monitoringpb.TimeSeries{
		Resource:   mr,
		Unit:       string(metrics.Unit),
		MetricKind: googlemetricpb.MetricDescriptor_CUMULATIVE,
		ValueType:  googlemetricpb.MetricDescriptor_DISTRIBUTION,
		Points: []*monitoringpb.Point{{
			Interval: interval,
			Value: &monitoringpb.TypedValue{
				Value: &monitoringpb.TypedValue_DistributionValue{
					DistributionValue: expHistToDistribution(point),
				},
			},
		}},
	}, nil
}

// toNonemptyTimeIntervalpb builds a TimeInterval whose end is strictly
// after its start; Cloud Monitoring rejects cumulative points whose
// interval doesn't advance by at least a millisecond.
// https://cloud.google.com/monitoring/api/ref_v3/rpc/google.monitoring.v3#timeinterval
func toNonemptyTimeIntervalpb(start, end time.Time) (*monitoringpb.TimeInterval, error) {
	if end.Sub(start).Milliseconds() <= 1 {
		end = start.Add(time.Millisecond)
	}
	startpb := timestamppb.New(start)
	endpb := timestamppb.New(end)
	if err := errors.Join(startpb.CheckValid(), endpb.CheckValid()); err != nil {
		return nil, err
	}
	return &monitoringpb.TimeInterval{StartTime: startpb, EndTime: endpb}, nil
}

func histToDistribution[N int64 | float64](hist metricdata.HistogramDataPoint[N]) *distribution.Distribution {
	counts := make([]int64, len(hist.BucketCounts))
	for i, v := range hist.BucketCounts {
		counts[i] = int64(v)
	}
	return &distribution.Distribution{
		Count:        int64(hist.Count),
		Mean:         meanOf(hist.Sum, hist.Count),
		BucketCounts: counts,
		BucketOptions: &distribution.Distribution_BucketOptions{
			Options: &distribution.Distribution_BucketOptions_ExplicitBuckets{
				ExplicitBuckets: &distribution.Distribution_BucketOptions_Explicit{
					Bounds: hist.Bounds,
				},
			},
		},
		Exemplars: toDistributionExemplar(hist.Exemplars),
	}
}

func expHistToDistribution[N int64 | float64](hist metricdata.ExponentialHistogramDataPoint[N]) *distribution.Distribution {
	// The underflow bucket absorbs the zero bucket plus every negative
	// bucket; this exporter never represents negative values as their own
	// buckets.
	underflow := hist.ZeroCount
	for _, c := range hist.NegativeBucket.Counts {
		underflow += c
	}

	positive := hist.PositiveBucket.Counts
	counts := make([]int64, len(positive)+2)
	counts[0] = int64(underflow)
	for i, c := range positive {
		counts[i+1] = int64(c)
	}
	// The overflow bucket is always empty; the positive bucket set has no
	// upper bound of its own.
	counts[len(counts)-1] = 0

	bucketOptions := &distribution.Distribution_BucketOptions{}
	if len(positive) == 0 {
		// An exponential distribution needs at least one positive bucket;
		// fall back to a single explicit bucket covering everything.
		bucketOptions.Options = &distribution.Distribution_BucketOptions_ExplicitBuckets{
			ExplicitBuckets: &distribution.Distribution_BucketOptions_Explicit{
				Bounds: []float64{0},
			},
		}
	} else {
		growth := math.Exp2(math.Exp2(-float64(hist.Scale)))
		bucketOptions.Options = &distribution.Distribution_BucketOptions_ExponentialBuckets{
			ExponentialBuckets: &distribution.Distribution_BucketOptions_Exponential{
				GrowthFactor:     growth,
				Scale:            math.Pow(growth, float64(hist.PositiveBucket.Offset)),
				NumFiniteBuckets: int32(len(counts) - 2),
			},
		}
	}

	return &distribution.Distribution{
		Count:         int64(hist.Count),
		Mean:          meanOf(hist.Sum, hist.Count),
		BucketCounts:  counts,
		BucketOptions: bucketOptions,
		Exemplars:     toDistributionExemplar(hist.Exemplars),
	}
}

func meanOf[N int64 | float64](sum N, count uint64) float64 {
	if count == 0 || math.IsNaN(float64(sum)) {
		return 0
	}
	return float64(sum) / float64(count)
}

func toDistributionExemplar[N int64 | float64](exemplars []metricdata.Exemplar[N]) []*distribution.Distribution_Exemplar {
	var out []*distribution.Distribution_Exemplar
	for _, e := range exemplars {
		var attachments []*anypb.Any
		if len(e.FilteredAttributes) > 0 {
			if attr, err := anypb.New(&monitoringpb.DroppedLabels{
				Label: attributesToLabels(e.FilteredAttributes),
			}); err == nil {
				attachments = append(attachments, attr)
			}
		}
		out = append(out, &distribution.Distribution_Exemplar{
			Value:       float64(e.Value),
			Timestamp:   timestamppb.New(e.Time),
			Attachments: attachments,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

func attributesToLabels(attrs []attribute.KeyValue) map[string]string {
	labels := make(map[string]string, len(attrs))
	for _, attr := range attrs {
		labels[normalizeLabelKey(string(attr.Key))] = sanitizeUTF8(attr.Value.Emit())
	}
	return labels
}

func numberDataPointToValue[N int64 | float64](point metricdata.DataPoint[N]) (*monitoringpb.TypedValue, googlemetricpb.MetricDescriptor_ValueType) {
	switch v := any(point.Value).(type) {
	case int64:
		return &monitoringpb.TypedValue{Value: &monitoringpb.TypedValue_Int64Value{Int64Value: v}},
			googlemetricpb.MetricDescriptor_INT64
	case float64:
		return &monitoringpb.TypedValue{Value: &monitoringpb.TypedValue_DoubleValue{DoubleValue: v}},
			googlemetricpb.MetricDescriptor_DOUBLE
	}
	// N is constrained to int64 | float64, so one of the above always
	// matches.
	panic("unreachable")
}

// normalizeLabelKey adapts an attribute key to Cloud Monitoring's label
// name rules: only letters, digits and underscores, and the name must not
// start with a digit.
// https://github.com/googleapis/googleapis/blob/c4c562f89acce603fb189679836712d08c7f8584/google/api/metric.proto#L149
func normalizeLabelKey(s string) string {
	if len(s) == 0 {
		return s
	}
	s = strings.Map(sanitizeRune, s)
	if unicode.IsDigit(rune(s[0])) {
		s = "key_" + s
	}
	return s
}

func sanitizeRune(r rune) rune {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return r
	}
	return '_'
}
