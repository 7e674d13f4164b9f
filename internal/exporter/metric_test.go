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

package exporter

import (
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
)

func TestNormalizeLabelKey(t *testing.T) {
	tcs := []struct {
		in, want string
	}{
		{"", ""},
		{"instance_connection_name", "instance_connection_name"},
		{"auth-type", "auth_type"},
		{"1stLabel", "key_1stLabel"},
	}
	for _, tc := range tcs {
		if got := normalizeLabelKey(tc.in); got != tc.want {
			t.Errorf("normalizeLabelKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAttributesToLabels(t *testing.T) {
	attrs := []attribute.KeyValue{
		attribute.String("instance_connection_name", "my-project:my-region:my-instance"),
		attribute.String("auth-type", "iam"),
	}
	got := attributesToLabels(attrs)
	want := map[string]string{
		"instance_connection_name": "my-project:my-region:my-instance",
		"auth_type":                "iam",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("attributesToLabels()[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestMonitoredResourceOfReadsProjectAndClientIDFromResource(t *testing.T) {
	res := resource.NewWithAttributes("",
		attribute.String(ProjectIDLabel, "my-project"),
		attribute.String(ClientIDLabel, "dialer-id"),
		attribute.String("gcp.resource_type", ResourceType),
	)
	mr := monitoredResourceOf(res)

	if mr.Type != ResourceType {
		t.Errorf("mr.Type = %q, want %q", mr.Type, ResourceType)
	}
	if mr.Labels[ProjectIDLabel] != "my-project" {
		t.Errorf("resource label %q = %q, want %q", ProjectIDLabel, mr.Labels[ProjectIDLabel], "my-project")
	}
	if mr.Labels[ClientIDLabel] != "dialer-id" {
		t.Errorf("resource label %q = %q, want %q", ClientIDLabel, mr.Labels[ClientIDLabel], "dialer-id")
	}
	if _, ok := mr.Labels["gcp.resource_type"]; ok {
		t.Error("mr.Labels should not include attributes outside resourceLabelKeys")
	}
}

func TestMonitoredResourceOfHandlesNilResource(t *testing.T) {
	mr := monitoredResourceOf(nil)
	if mr.Type != ResourceType {
		t.Errorf("mr.Type = %q, want %q", mr.Type, ResourceType)
	}
	if len(mr.Labels) != 0 {
		t.Errorf("mr.Labels = %v, want empty", mr.Labels)
	}
}

func TestMetricPbBuildsMetricLabelsFromPointAttributes(t *testing.T) {
	set := attribute.NewSet(
		attribute.String("instance_connection_name", "my-project:my-region:my-instance"),
		attribute.String("auth-type", "iam"),
	)
	got := metricPb(metricdata.Metrics{Name: "dial_count"}, set)

	if want := MeterName + "/dial_count"; got.Type != want {
		t.Errorf("Type = %q, want %q", got.Type, want)
	}
	if got.Labels["instance_connection_name"] != "my-project:my-region:my-instance" {
		t.Error("Labels missing instance_connection_name")
	}
	if got.Labels["auth_type"] != "iam" {
		t.Error("Labels missing normalized auth_type")
	}
}

func TestToNonemptyTimeIntervalpbExpandsZeroWidthInterval(t *testing.T) {
	start := time.Now()
	interval, err := toNonemptyTimeIntervalpb(start, start)
	if err != nil {
		t.Fatalf("toNonemptyTimeIntervalpb() returned error: %v", err)
	}
	if !interval.EndTime.AsTime().After(interval.StartTime.AsTime()) {
		t.Error("EndTime must be strictly after StartTime for a zero-width interval")
	}
}

func TestHistToDistributionComputesMean(t *testing.T) {
	point := metricdata.HistogramDataPoint[int64]{
		Count:        4,
		Sum:          40,
		BucketCounts: []uint64{1, 3},
		Bounds:       []float64{10},
	}
	d := histToDistribution(point)
	if d.Mean != 10 {
		t.Errorf("Mean = %v, want 10", d.Mean)
	}
	if d.Count != 4 {
		t.Errorf("Count = %v, want 4", d.Count)
	}
}

func TestHistToDistributionAvoidsDivideByZero(t *testing.T) {
	point := metricdata.HistogramDataPoint[int64]{Count: 0, Sum: 0}
	d := histToDistribution(point)
	if d.Mean != 0 {
		t.Errorf("Mean = %v, want 0", d.Mean)
	}
}

func TestNumberDataPointToValue(t *testing.T) {
	intPoint := metricdata.DataPoint[int64]{Value: 5}
	v, vt := numberDataPointToValue(intPoint)
	if v.GetInt64Value() != 5 {
		t.Errorf("Int64Value = %v, want 5", v.GetInt64Value())
	}
	if vt.String() != "INT64" {
		t.Errorf("ValueType = %v, want INT64", vt)
	}

	floatPoint := metricdata.DataPoint[float64]{Value: 2.5}
	v, vt = numberDataPointToValue(floatPoint)
	if v.GetDoubleValue() != 2.5 {
		t.Errorf("DoubleValue = %v, want 2.5", v.GetDoubleValue())
	}
	if vt.String() != "DOUBLE" {
		t.Errorf("ValueType = %v, want DOUBLE", vt)
	}
}
