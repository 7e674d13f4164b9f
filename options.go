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
	"crypto/rsa"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/auth"
	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/auth/oauth2adapt"
	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/internal/sts"
	"golang.org/x/net/proxy"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
)

// CloudPlatformScope is the OAuth2 scope set on the Admin API client when
// no narrower scope is requested by the caller's token provider.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

const (
	// PublicIP selects an instance's public IP address for dialing.
	PublicIP = "PRIMARY"
	// PrivateIP selects an instance's private IP address for dialing.
	PrivateIP = "PRIVATE"
	// PSC selects an instance's private service connect DNS name for
	// dialing.
	PSC = "PSC"
)

// An Option configures a Broker or a single StartProxy call.
type Option func(d *dialerConfig)

func newDialerConfig(opts ...Option) (*dialerConfig, error) {
	d := &dialerConfig{
		refreshTimeout: 60 * time.Second,
		dialFunc: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return proxy.Dial(ctx, network, addr)
		},
		logger:     nullLogger{},
		userAgents: []string{userAgent},
		ipType:     PublicIP,
	}
	for _, opt := range opts {
		opt(d)
	}

	badPairs := map[bool]string{
		d.credentialsFile != "" && d.credentialsJSON != nil: "incompatible options: WithCredentialsFile cannot be used with WithCredentialsJSON",
		d.credentialsFile != "" && d.tokenProvider != nil:   "incompatible options: WithCredentialsFile cannot be used with WithTokenSource",
		d.credentialsJSON != nil && d.tokenProvider != nil:  "incompatible options: WithCredentialsJSON cannot be used with WithTokenSource",
		d.credentials != nil && d.credentialsFile != "":     "incompatible options: WithCredentials cannot be used with WithCredentialsFile",
		d.credentials != nil && d.credentialsJSON != nil:    "incompatible options: WithCredentials cannot be used with WithCredentialsJSON",
		d.credentials != nil && d.tokenProvider != nil:      "incompatible options: WithCredentials cannot be used with WithTokenSource",
		d.tokenProvider != nil && d.wifConfig != nil:        "incompatible options: WithTokenSource cannot be used with WithWorkloadIdentityFederation",
	}
	for bad, msg := range badPairs {
		if bad {
			return nil, errors.New(msg)
		}
	}

	switch {
	case d.credentialsFile != "":
		b, err := os.ReadFile(d.credentialsFile)
		if err != nil {
			return nil, errtype.NewConfigError(err.Error(), "n/a")
		}
		c, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{CloudPlatformScope},
			CredentialsJSON: b,
		})
		if err != nil {
			return nil, errtype.NewConfigError(err.Error(), "n/a")
		}
		d.clientOpts = append(d.clientOpts, option.WithAuthCredentials(c))
	case d.credentialsJSON != nil:
		c, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{CloudPlatformScope},
			CredentialsJSON: d.credentialsJSON,
		})
		if err != nil {
			return nil, errtype.NewConfigError(err.Error(), "n/a")
		}
		d.clientOpts = append(d.clientOpts, option.WithAuthCredentials(c))
	case d.tokenProvider != nil:
		c := auth.NewCredentials(&auth.CredentialsOptions{TokenProvider: d.tokenProvider})
		d.clientOpts = append(d.clientOpts, option.WithAuthCredentials(c))
	case d.credentials != nil:
		d.clientOpts = append(d.clientOpts, option.WithAuthCredentials(d.credentials))
	case d.wifConfig != nil:
		p := sts.NewProvider(d.wifConfig.getOIDCToken, d.wifConfig.audience, d.wifConfig.serviceAccountEmail)
		c := auth.NewCredentials(&auth.CredentialsOptions{TokenProvider: p})
		d.clientOpts = append(d.clientOpts, option.WithAuthCredentials(c))
	default:
		c, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes: []string{CloudPlatformScope},
		})
		if err != nil {
			return nil, err
		}
		d.clientOpts = append(d.clientOpts, option.WithAuthCredentials(c))
	}

	if d.httpClient != nil {
		d.clientOpts = append(d.clientOpts, option.WithHTTPClient(d.httpClient))
	}
	if d.adminAPIEndpoint != "" {
		d.clientOpts = append(d.clientOpts, option.WithEndpoint(d.adminAPIEndpoint))
	}

	ua := strings.Join(d.userAgents, " ")
	d.clientOpts = append(d.clientOpts, option.WithUserAgent(ua))

	return d, nil
}

// wifConfig holds the parameters of a WithWorkloadIdentityFederation
// option.
type wifConfig struct {
	getOIDCToken        sts.OIDCTokenFunc
	audience            string
	serviceAccountEmail string
}

type dialerConfig struct {
	rsaKey           *rsa.PrivateKey
	clientOpts       []option.ClientOption
	dialFunc         func(ctx context.Context, network, addr string) (net.Conn, error)
	refreshTimeout   time.Duration
	userAgents       []string
	logger           debug.ContextLogger
	lazyRefresh      bool
	adminAPIEndpoint string
	ipType           string
	tcpKeepAlive     time.Duration
	maxConns         uint64

	credentials     *auth.Credentials
	tokenProvider   auth.TokenProvider
	wifConfig       *wifConfig
	credentialsFile string
	credentialsJSON []byte
	httpClient      *http.Client

	metricsProjectID string
}

// WithOptions turns a list of Options into a single Option.
func WithOptions(opts ...Option) Option {
	return func(d *dialerConfig) {
		for _, opt := range opts {
			opt(d)
		}
	}
}

// WithCredentials configures the Broker's Admin API client with an
// auth.Credentials object directly.
func WithCredentials(c *auth.Credentials) Option {
	return func(d *dialerConfig) { d.credentials = c }
}

// WithCredentialsFile configures the Broker to authenticate using a
// service-account key file.
func WithCredentialsFile(filename string) Option {
	return func(d *dialerConfig) { d.credentialsFile = filename }
}

// WithCredentialsJSON configures the Broker to authenticate using the
// inline JSON body of a service-account key.
func WithCredentialsJSON(b []byte) Option {
	return func(d *dialerConfig) { d.credentialsJSON = b }
}

// WithTokenSource configures the Broker to authenticate using an externally
// managed OAuth2 token source. The source's own expiry handling is trusted
// as-is; the Broker performs no additional caching on top of it.
func WithTokenSource(s oauth2.TokenSource) Option {
	return func(d *dialerConfig) {
		d.tokenProvider = oauth2adapt.TokenProviderFromTokenSource(s)
	}
}

// WithWorkloadIdentityFederation configures the Broker to authenticate via
// the two-stage workload identity federation exchange: an OIDC ID token
// (produced on demand by getOIDCToken) is exchanged with Security Token
// Service for an access token scoped to audience, optionally followed by
// IAM Credentials impersonation of serviceAccountEmail.
func WithWorkloadIdentityFederation(getOIDCToken sts.OIDCTokenFunc, audience, serviceAccountEmail string) Option {
	return func(d *dialerConfig) {
		d.wifConfig = &wifConfig{
			getOIDCToken:        getOIDCToken,
			audience:            audience,
			serviceAccountEmail: serviceAccountEmail,
		}
	}
}

// WithUserAgent appends ua to the User-Agent header sent on every Admin API
// request.
func WithUserAgent(ua string) Option {
	return func(d *dialerConfig) { d.userAgents = append(d.userAgents, ua) }
}

// WithRSAKey configures the RSA keypair used to represent the client,
// instead of generating one per cert manager.
func WithRSAKey(k *rsa.PrivateKey) Option {
	return func(d *dialerConfig) { d.rsaKey = k }
}

// WithRefreshTimeout sets a timeout on each metadata/certificate refresh
// operation. Defaults to 60s.
func WithRefreshTimeout(t time.Duration) Option {
	return func(d *dialerConfig) { d.refreshTimeout = t }
}

// WithHTTPClient configures the underlying Admin API client with the
// provided HTTP client. Generally unnecessary except for advanced
// use-cases such as request logging or a custom transport.
func WithHTTPClient(client *http.Client) Option {
	return func(d *dialerConfig) { d.httpClient = client }
}

// WithAdminAPIEndpoint overrides the Cloud SQL Admin API base URL.
func WithAdminAPIEndpoint(url string) Option {
	return func(d *dialerConfig) { d.adminAPIEndpoint = url }
}

// WithDialFunc overrides the function used to open the TCP connection to an
// instance's server-side proxy. Generally unnecessary except to route
// through a SOCKS5 proxy or for test fakes.
func WithDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(d *dialerConfig) { d.dialFunc = dial }
}

// WithPublicIP configures the Broker to connect to an instance's public IP
// address. This is the default.
func WithPublicIP() Option {
	return func(d *dialerConfig) { d.ipType = PublicIP }
}

// WithPrivateIP configures the Broker to connect to an instance's private
// IP address.
func WithPrivateIP() Option {
	return func(d *dialerConfig) { d.ipType = PrivateIP }
}

// WithTCPKeepAlive sets the TCP keep-alive period on the connection to an
// instance's server-side proxy. Defaults to 30s.
func WithTCPKeepAlive(d2 time.Duration) Option {
	return func(d *dialerConfig) { d.tcpKeepAlive = d2 }
}

// WithMaxConnections caps the number of open connections to each instance
// started with it; the limit is not shared across instances. Zero (the
// default) means unlimited.
func WithMaxConnections(n uint64) Option {
	return func(d *dialerConfig) { d.maxConns = n }
}

type debugLoggerWithoutContext struct {
	logger debug.Logger
}

func (d *debugLoggerWithoutContext) Debugf(_ context.Context, format string, args ...any) {
	d.logger.Debugf(format, args...)
}

var _ debug.ContextLogger = new(debugLoggerWithoutContext)

// WithDebugLogger configures a debug logger for reporting on internal
// operations. By default, debug logging is disabled. Prefer
// WithContextLogger for new code.
func WithDebugLogger(l debug.Logger) Option {
	return func(d *dialerConfig) { d.logger = &debugLoggerWithoutContext{l} }
}

// WithContextLogger configures a debug logger for reporting on internal
// operations. By default, debug logging is disabled.
func WithContextLogger(l debug.ContextLogger) Option {
	return func(d *dialerConfig) { d.logger = l }
}

// WithLazyRefresh configures the Broker to refresh certificates on an
// as-needed basis rather than on a fixed background schedule. Useful in
// environments where CPU may be throttled outside of a request context
// (e.g. Cloud Run), where a background goroutine cannot be relied upon to
// run consistently.
func WithLazyRefresh() Option {
	return func(d *dialerConfig) { d.lazyRefresh = true }
}

// WithCloudMonitoringMetrics enables export of the Broker's internal
// operational metrics (dial count/latency, open connections, refresh count)
// to Cloud Monitoring under projectID. By default, these metrics are
// collected but not exported.
func WithCloudMonitoringMetrics(projectID string) Option {
	return func(d *dialerConfig) { d.metricsProjectID = projectID }
}

// nullLogger is the default debug.ContextLogger: it discards everything.
type nullLogger struct{}

// Debugf implements debug.ContextLogger.
func (nullLogger) Debugf(_ context.Context, _ string, _ ...any) {}
