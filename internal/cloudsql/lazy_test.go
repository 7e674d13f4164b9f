// Copyright 2023 Google LLC
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

package cloudsql

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/cloudsqlconn/internal/mock"
	"cloud.google.com/go/cloudsqlconn/internal/sqladmin"
	"google.golang.org/api/option"
)

func TestLazyCacheDefersConstructionUntilFirstConnectInfo(t *testing.T) {
	inst := mock.NewFakeCSQLInstance("my-project", "my-region", "my-instance")
	mc, url, httpCleanup := mock.HTTPClient(
		mock.InstanceGetSuccess(inst, 1),
		mock.GenerateEphemeralCertSuccess(inst, 1),
	)
	defer func() {
		if err := httpCleanup(); err != nil {
			t.Errorf("%v", err)
		}
	}()

	cl, err := sqladmin.NewClient(context.Background(), option.WithHTTPClient(mc), option.WithEndpoint(url))
	if err != nil {
		t.Fatalf("admin API client error: %v", err)
	}

	l := NewLazyCache(testConnName, cl, time.Hour, "dialer-id", nil)
	defer l.Close()

	// No requests have been satisfied yet: the mock server expects exactly
	// one call each, which have not happened, so a premature call here
	// would otherwise be invisible. Confirm the underlying cache is nil
	// before the first ConnectInfo.
	if l.c != nil {
		t.Fatal("LazyCache constructed its underlying cache before ConnectInfo was called")
	}

	if _, _, err := l.ConnectInfo(context.Background(), "PRIMARY"); err != nil {
		t.Fatalf("ConnectInfo failed: %v", err)
	}
	if l.c == nil {
		t.Fatal("LazyCache did not construct its underlying cache after ConnectInfo")
	}
	if l.c.refreshType != "lazy" {
		t.Errorf("refreshType = %q, want %q", l.c.refreshType, "lazy")
	}
}

func TestLazyCacheStringBeforeConnectInfo(t *testing.T) {
	l := NewLazyCache(testConnName, nil, time.Hour, "dialer-id", nil)
	if got, want := l.String(), testConnName.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestLazyCacheForceRefreshBeforeConnectInfoIsNoOp(t *testing.T) {
	l := NewLazyCache(testConnName, nil, time.Hour, "dialer-id", nil)
	defer l.Close()
	// The underlying cache has never been constructed; ForceRefresh must
	// construct it but must not attempt any network call against the nil
	// client.
	l.ForceRefresh()
}
