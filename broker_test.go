// Copyright 2020 Google LLC
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

package cloudsqlconn

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"testing"

	"cloud.google.com/go/cloudsqlconn/internal/mock"
	"golang.org/x/oauth2"
)

type stubTokenSource struct{}

func (stubTokenSource) Token() (*oauth2.Token, error) {
	return nil, nil
}

// newTestBroker returns a Broker whose Admin API calls are satisfied by a
// local mock server instead of real Google Cloud credentials.
func newTestBroker(t *testing.T, inst mock.FakeCSQLInstance) (*Broker, func()) {
	t.Helper()
	ctx := context.Background()
	mc, url, httpCleanup := mock.HTTPClient(
		mock.InstanceGetSuccess(inst, 1),
		mock.GenerateEphemeralCertSuccess(inst, 1),
	)
	stopServer := mock.StartServerProxy(t, inst)

	b, err := NewBroker(ctx,
		WithTokenSource(stubTokenSource{}),
		WithHTTPClient(mc),
		WithAdminAPIEndpoint(url),
	)
	if err != nil {
		t.Fatalf("NewBroker() returned error: %v", err)
	}
	return b, func() {
		stopServer()
		if err := httpCleanup(); err != nil {
			t.Errorf("%v", err)
		}
	}
}

func TestBrokerStartProxyDialsInstance(t *testing.T) {
	inst := mock.NewFakeCSQLInstance("my-project", "my-region", "my-instance")
	b, cleanup := newTestBroker(t, inst)
	defer cleanup()

	p, err := b.StartProxy(context.Background(), "my-project:my-region:my-instance", CredentialFile,
		WithTokenSource(stubTokenSource{}),
	)
	if err != nil {
		t.Fatalf("StartProxy() returned error: %v", err)
	}
	defer p.Stop()

	conn, err := net.Dial("tcp", p.DataSource())
	if err != nil {
		t.Fatalf("Dial(%s) returned error: %v", p.DataSource(), err)
	}
	defer conn.Close()

	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll() returned error: %v", err)
	}
	if string(data) != "my-project:my-region:my-instance" {
		t.Errorf("proxied connection returned %q, want %q", data, "my-project:my-region:my-instance")
	}
}

func TestBrokerStartProxySharesOneProxyPerKey(t *testing.T) {
	inst := mock.NewFakeCSQLInstance("my-project", "my-region", "my-instance")
	b, cleanup := newTestBroker(t, inst)
	defer cleanup()

	p1, err := b.StartProxy(context.Background(), "my-project:my-region:my-instance", CredentialFile,
		WithTokenSource(stubTokenSource{}),
	)
	if err != nil {
		t.Fatalf("first StartProxy() returned error: %v", err)
	}
	defer p1.Stop()

	p2, err := b.StartProxy(context.Background(), "my-project:my-region:my-instance", CredentialFile,
		WithTokenSource(stubTokenSource{}),
	)
	if err != nil {
		t.Fatalf("second StartProxy() returned error: %v", err)
	}
	defer p2.Stop()

	if p1.DataSource() != p2.DataSource() {
		t.Errorf("DataSource() = %q and %q, want the same address for a shared key", p1.DataSource(), p2.DataSource())
	}
}

func TestBrokerStartProxyRejectsMismatchedAuthMode(t *testing.T) {
	inst := mock.NewFakeCSQLInstance("my-project", "my-region", "my-instance")
	b, cleanup := newTestBroker(t, inst)
	defer cleanup()

	p1, err := b.StartProxy(context.Background(), "my-project:my-region:my-instance", CredentialFile,
		WithTokenSource(stubTokenSource{}),
	)
	if err != nil {
		t.Fatalf("first StartProxy() returned error: %v", err)
	}
	defer p1.Stop()

	_, err = b.StartProxy(context.Background(), "my-project:my-region:my-instance", AccessTokenSource,
		WithTokenSource(stubTokenSource{}),
	)
	if err == nil {
		t.Fatal("StartProxy() with a different AuthMode succeeded, want error")
	}
}

func TestBrokerStartProxyRejectsMalformedKey(t *testing.T) {
	inst := mock.NewFakeCSQLInstance("my-project", "my-region", "my-instance")
	b, cleanup := newTestBroker(t, inst)
	defer cleanup()

	_, err := b.StartProxy(context.Background(), "not-a-valid-connection-name", CredentialFile,
		WithTokenSource(stubTokenSource{}),
	)
	if err == nil {
		t.Fatal("StartProxy() with a malformed key succeeded, want error")
	}
}

func TestBrokerStopAllClosesListenersAndRejectsFurtherCalls(t *testing.T) {
	inst := mock.NewFakeCSQLInstance("my-project", "my-region", "my-instance")
	b, cleanup := newTestBroker(t, inst)
	defer cleanup()

	p, err := b.StartProxy(context.Background(), "my-project:my-region:my-instance", CredentialFile,
		WithTokenSource(stubTokenSource{}),
	)
	if err != nil {
		t.Fatalf("StartProxy() returned error: %v", err)
	}
	addr := p.DataSource()

	b.StopAll()

	if _, err := net.Dial("tcp", addr); err == nil {
		t.Error("dialing after StopAll() succeeded, want connection refused")
	}
	if _, err := b.StartProxy(context.Background(), "my-project:my-region:my-instance", CredentialFile,
		WithTokenSource(stubTokenSource{}),
	); !errors.Is(err, ErrClosed) {
		t.Errorf("StartProxy() after StopAll() = %v, want %v", err, ErrClosed)
	}
}

func TestBrokerUserAgentMatchesVersionFile(t *testing.T) {
	data, err := os.ReadFile("version.txt")
	if err != nil {
		t.Fatalf("failed to read version.txt: %v", err)
	}
	ver := strings.TrimSpace(string(data))
	want := "cloud-sql-go-connector/" + ver
	if want != userAgent {
		t.Errorf("embedded version mismatched: want %q, got %q", want, userAgent)
	}
}
