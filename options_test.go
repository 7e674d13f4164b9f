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
	"testing"
	"time"

	"cloud.google.com/go/auth"
	"golang.org/x/oauth2"
)

type nullTokenSource struct{}

func (nullTokenSource) Token() (*oauth2.Token, error) {
	return nil, nil
}

func TestNewDialerConfigIncompatibleOptions(t *testing.T) {
	tcs := []struct {
		desc string
		opts []Option
	}{
		{
			desc: "WithCredentialsFile and WithCredentialsJSON",
			opts: []Option{WithCredentialsFile("/some/file"), WithCredentialsJSON([]byte(`{}`))},
		},
		{
			desc: "WithCredentialsFile and WithTokenSource",
			opts: []Option{WithCredentialsFile("/some/file"), WithTokenSource(nullTokenSource{})},
		},
		{
			desc: "WithCredentialsJSON and WithTokenSource",
			opts: []Option{WithCredentialsJSON([]byte(`{}`)), WithTokenSource(nullTokenSource{})},
		},
		{
			desc: "WithCredentials and WithCredentialsFile",
			opts: []Option{WithCredentials(&auth.Credentials{}), WithCredentialsFile("/some/file")},
		},
		{
			desc: "WithTokenSource and WithWorkloadIdentityFederation",
			opts: []Option{
				WithTokenSource(nullTokenSource{}),
				WithWorkloadIdentityFederation(nil, "my-audience", ""),
			},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			if _, err := newDialerConfig(tc.opts...); err == nil {
				t.Fatal("newDialerConfig() succeeded, want error")
			}
		})
	}
}

func TestWithPublicIPAndWithPrivateIP(t *testing.T) {
	d := &dialerConfig{}
	WithPrivateIP()(d)
	if d.ipType != PrivateIP {
		t.Errorf("ipType = %q, want %q", d.ipType, PrivateIP)
	}
	WithPublicIP()(d)
	if d.ipType != PublicIP {
		t.Errorf("ipType = %q, want %q", d.ipType, PublicIP)
	}
}

func TestWithMaxConnections(t *testing.T) {
	d := &dialerConfig{}
	WithMaxConnections(10)(d)
	if d.maxConns != 10 {
		t.Errorf("maxConns = %d, want 10", d.maxConns)
	}
}

func TestWithLazyRefresh(t *testing.T) {
	d := &dialerConfig{}
	if d.lazyRefresh {
		t.Fatal("lazyRefresh should default to false")
	}
	WithLazyRefresh()(d)
	if !d.lazyRefresh {
		t.Error("lazyRefresh = false, want true after WithLazyRefresh")
	}
}

func TestWithCloudMonitoringMetrics(t *testing.T) {
	d := &dialerConfig{}
	WithCloudMonitoringMetrics("my-project")(d)
	if d.metricsProjectID != "my-project" {
		t.Errorf("metricsProjectID = %q, want %q", d.metricsProjectID, "my-project")
	}
}

func TestWithTCPKeepAlive(t *testing.T) {
	d := &dialerConfig{}
	WithTCPKeepAlive(5 * time.Second)(d)
	if d.tcpKeepAlive != 5*time.Second {
		t.Errorf("tcpKeepAlive = %v, want 5s", d.tcpKeepAlive)
	}
}

func TestWithOptionsComposesMultipleOptions(t *testing.T) {
	d := &dialerConfig{}
	combined := WithOptions(WithPrivateIP(), WithLazyRefresh(), WithMaxConnections(5))
	combined(d)

	if d.ipType != PrivateIP {
		t.Errorf("ipType = %q, want %q", d.ipType, PrivateIP)
	}
	if !d.lazyRefresh {
		t.Error("lazyRefresh = false, want true")
	}
	if d.maxConns != 5 {
		t.Errorf("maxConns = %d, want 5", d.maxConns)
	}
}

func TestWithUserAgentAppends(t *testing.T) {
	d := &dialerConfig{userAgents: []string{"base-agent"}}
	WithUserAgent("extra-agent")(d)
	if len(d.userAgents) != 2 || d.userAgents[1] != "extra-agent" {
		t.Errorf("userAgents = %v, want [base-agent extra-agent]", d.userAgents)
	}
}
