// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"cloud.google.com/go/cloudsqlconn/instance"
	"cloud.google.com/go/cloudsqlconn/internal/cloudsql"
	"cloud.google.com/go/cloudsqlconn/internal/mock"
	"cloud.google.com/go/cloudsqlconn/internal/sqladmin"
	"google.golang.org/api/option"
)

func newTestInstance(t *testing.T, cfg Config) (*Instance, func()) {
	t.Helper()
	wantIP := "127.0.0.1"
	cn := instance.ConnName{Project: "my-project", Region: "my-region", Name: "my-instance"}
	inst := mock.NewFakeCSQLInstance(cn.Project, cn.Region, cn.Name, mock.WithIPAddr(wantIP))
	stopServer := mock.StartServerProxy(t, inst)

	mc, url, httpCleanup := mock.HTTPClient(
		mock.InstanceGetSuccess(inst, 1),
		mock.GenerateEphemeralCertSuccess(inst, 1),
	)

	cl, err := sqladmin.NewClient(context.Background(), option.WithHTTPClient(mc), option.WithEndpoint(url))
	if err != nil {
		t.Fatalf("admin API client error: %v", err)
	}
	cache, err := cloudsql.NewRefreshAheadCache(cn, cl, nil, time.Hour, "dialer-id", nil)
	if err != nil {
		t.Fatalf("NewRefreshAheadCache failed: %v", err)
	}

	in := NewInstance(cn, cache, cfg)
	return in, func() {
		stopServer()
		if err := httpCleanup(); err != nil {
			t.Errorf("%v", err)
		}
	}
}

func TestInstanceStartAndDial(t *testing.T) {
	in, cleanup := newTestInstance(t, Config{})
	defer cleanup()

	if err := in.Start(context.Background()); err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}
	defer in.Stop()

	conn, err := net.Dial("tcp", in.DataSource())
	if err != nil {
		t.Fatalf("Dial(%s) returned error: %v", in.DataSource(), err)
	}
	defer conn.Close()

	want := in.ConnName().String()
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("reading from proxied connection failed: %v", err)
	}
	if string(buf) != want {
		t.Errorf("proxied connection returned %q, want %q", buf, want)
	}
}

func TestInstanceStopClosesListener(t *testing.T) {
	in, cleanup := newTestInstance(t, Config{})
	defer cleanup()

	if err := in.Start(context.Background()); err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}
	addr := in.DataSource()
	in.Stop()

	if _, err := net.DialTimeout("tcp", addr, 100*time.Millisecond); err == nil {
		t.Error("dialing after Stop() succeeded, want connection refused")
	}
}

func TestInstanceRefusesOverMaxConns(t *testing.T) {
	in, cleanup := newTestInstance(t, Config{MaxConns: 1})
	defer cleanup()

	if err := in.Start(context.Background()); err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}
	defer in.Stop()

	// hold the single permitted slot directly, bypassing the network, so
	// the assertion isn't racing the first connection's teardown.
	dec, err := in.counter.Inc()
	if err != nil {
		t.Fatalf("Inc() returned error: %v", err)
	}
	defer dec()

	conn, err := net.Dial("tcp", in.DataSource())
	if err != nil {
		t.Fatalf("Dial() returned error: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(buf); err == nil {
		t.Error("read over max connections succeeded, want connection closed immediately")
	}
}
