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

package tel

import (
	"context"
	"testing"
	"time"
)

func TestNewMetricRecorderDisabledUsesNullExporter(t *testing.T) {
	m, err := NewMetricRecorder(context.Background(), Config{
		Enabled:   false,
		Version:   "1.0.0",
		ClientID:  "dialer-id",
		ProjectID: "my-project",
	})
	if err != nil {
		t.Fatalf("NewMetricRecorder() returned error: %v", err)
	}
	defer m.Shutdown(context.Background())

	if _, ok := m.exp.(nullExporter); !ok {
		t.Errorf("exp = %T, want nullExporter", m.exp)
	}
}

func TestMetricRecorderRecordMethodsDoNotPanic(t *testing.T) {
	m, err := NewMetricRecorder(context.Background(), Config{
		Enabled:   false,
		Version:   "1.0.0",
		ClientID:  "dialer-id",
		ProjectID: "my-project",
	})
	if err != nil {
		t.Fatalf("NewMetricRecorder() returned error: %v", err)
	}
	defer m.Shutdown(context.Background())

	ctx := context.Background()
	da := DialAttributes{Instance: "my-project:my-region:my-instance", IAMAuthN: true, DialStatus: DialSuccess}
	m.RecordDial(ctx, 42*time.Millisecond, da)
	m.RecordOpenConnection(ctx, da)
	m.RecordClosedConnection(ctx, da)
	m.RecordRefresh(ctx, RefreshAttributes{
		Instance:      da.Instance,
		RefreshStatus: RefreshSuccess,
		RefreshType:   RefreshAheadType,
	})
}

func TestMetricRecorderShutdownWithNullExporter(t *testing.T) {
	m, err := NewMetricRecorder(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetricRecorder() returned error: %v", err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() returned error: %v", err)
	}
}

func TestAuthTypeValue(t *testing.T) {
	if got := authTypeValue(true); got != "iam" {
		t.Errorf("authTypeValue(true) = %q, want %q", got, "iam")
	}
	if got := authTypeValue(false); got != "built-in" {
		t.Errorf("authTypeValue(false) = %q, want %q", got, "built-in")
	}
}
