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

// Package cloudsql maintains the ephemeral mTLS identity used to connect to
// a single Cloud SQL instance: a locally generated RSA keypair, the most
// recent client certificate signed by the Cloud SQL Admin API, and the
// instance's remote connection metadata (IP addresses, server CA).
package cloudsql

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/instance"
	"cloud.google.com/go/cloudsqlconn/internal/backoff"
	"cloud.google.com/go/cloudsqlconn/internal/sqladmin"
	"cloud.google.com/go/cloudsqlconn/internal/trace"
	"golang.org/x/time/rate"
)

// refreshWindow is the amount of time before a certificate's expiry that
// triggers a new refresh attempt.
const refreshWindow = 15 * time.Minute

var errInvalidPEM = errors.New("certificate is not a valid PEM")

func parseCert(cert string) (*x509.Certificate, error) {
	b, _ := pem.Decode([]byte(cert))
	if b == nil {
		return nil, errInvalidPEM
	}
	return x509.ParseCertificate(b.Bytes)
}

// metadata holds the subset of an instance's Cloud SQL Admin API record that
// is needed to dial its server-side proxy.
type metadata struct {
	ipAddrs      map[string]string
	serverCACert *x509.Certificate
	version      string
}

// fetchMetadata retrieves the instance's IP addresses and server CA
// certificate via instances.get.
func fetchMetadata(ctx context.Context, cl *sqladmin.Client, cn instance.ConnName) (m metadata, err error) {
	var end trace.EndSpanFunc
	ctx, end = trace.StartSpan(ctx, "cloud.google.com/go/cloudsqlconn/internal.FetchMetadata")
	defer func() { end(err) }()

	resp, err := cl.InstancesGet(ctx, cn.Project, cn.Name)
	if err != nil {
		return metadata{}, errtype.NewRefreshError("failed to get instance metadata", cn.String(), err)
	}
	ips := make(map[string]string)
	for _, ip := range resp.IPAddresses {
		ips[ip.Type] = ip.IPAddress
	}
	if resp.DNSName != "" {
		ips["PSC"] = resp.DNSName
	}
	cert, err := parseCert(resp.ServerCaCert.Cert)
	if err != nil {
		return metadata{}, errtype.NewRefreshError("failed to parse server CA certificate", cn.String(), err)
	}
	return metadata{ipAddrs: ips, serverCACert: cert, version: resp.DatabaseVersion}, nil
}

// fetchEphemeralCert PEM-encodes the public half of key as SPKI and asks
// the Cloud SQL Admin API to sign an ephemeral client certificate against
// it, valid for roughly an hour.
func fetchEphemeralCert(
	ctx context.Context,
	cl *sqladmin.Client,
	cn instance.ConnName,
	key *rsa.PrivateKey,
) (cert *x509.Certificate, err error) {
	var end trace.EndSpanFunc
	ctx, end = trace.StartSpan(ctx, "cloud.google.com/go/cloudsqlconn/internal.FetchEphemeralCert")
	defer func() { end(err) }()

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	pem.Encode(buf, &pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	resp, err := cl.GenerateEphemeralCert(ctx, cn.Project, cn.Region, cn.Name, buf.Bytes())
	if err != nil {
		return nil, errtype.NewRefreshError("create ephemeral cert failed", cn.String(), err)
	}
	c, err := parseCert(resp.EphemeralCert.Cert)
	if err != nil {
		return nil, errtype.NewRefreshError("failed to parse ephemeral certificate", cn.String(), err)
	}
	return c, nil
}

// createTLSConfig returns a *tls.Config for connecting securely to the
// instance's remote server-side proxy: client auth via the ephemeral
// certificate, and server verification pinned to the instance's own server
// CA certificate and canonical connection name (rather than the system root
// pool, since the server cert is self-issued per-instance).
func createTLSConfig(cn instance.ConnName, cert *x509.Certificate, serverCACert *x509.Certificate, k *rsa.PrivateKey) *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(serverCACert)

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{cert.Raw},
			PrivateKey:  k,
			Leaf:        cert,
		}},
		RootCAs:    pool,
		ServerName: cn.String(),
		MinVersion: tls.VersionTLS13,
	}
}

// refresher drives metadata and certificate refresh calls against the Cloud
// SQL Admin API, rate limiting how often it will actually hit the network.
type refresher struct {
	client        *sqladmin.Client
	timeout       time.Duration
	dialerID      string
	clientLimiter *rate.Limiter
}

func newRefresher(client *sqladmin.Client, timeout, interval time.Duration, burst int, dialerID string) refresher {
	return refresher{
		client:        client,
		timeout:       timeout,
		dialerID:      dialerID,
		clientLimiter: rate.NewLimiter(rate.Every(interval), burst),
	}
}

// refreshResult bundles the outcome of one refresh cycle: the dialable TLS
// config, the instance's IP addresses, and the certificate's expiry.
type refreshResult struct {
	ipAddrs map[string]string
	version string
	conf    *tls.Config
	expiry  time.Time
}

func (r refresher) performRefresh(ctx context.Context, cn instance.ConnName, k *rsa.PrivateKey) (res refreshResult, err error) {
	var end trace.EndSpanFunc
	ctx, end = trace.StartSpan(ctx, "cloud.google.com/go/cloudsqlconn/internal.RefreshConnection",
		trace.AddInstanceName(cn.String()),
	)
	defer func() {
		go trace.RecordRefreshResult(context.Background(), cn.String(), r.dialerID, err)
		end(err)
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if ctx.Err() == context.Canceled {
		return refreshResult{}, ctx.Err()
	}

	if err := r.clientLimiter.Wait(ctx); err != nil {
		return refreshResult{}, errtype.NewDialError(
			"refresh was throttled until context expired", cn.String(), nil)
	}

	type mdRes struct {
		md  metadata
		err error
	}
	mdCh := make(chan mdRes, 1)
	go func() {
		var m metadata
		var e error
		e = backoff.Retry(ctx, func() error {
			var innerErr error
			m, innerErr = fetchMetadata(ctx, r.client, cn)
			return innerErr
		})
		mdCh <- mdRes{md: m, err: e}
	}()

	type certRes struct {
		cert *x509.Certificate
		err  error
	}
	certCh := make(chan certRes, 1)
	go func() {
		var c *x509.Certificate
		var e error
		e = backoff.Retry(ctx, func() error {
			var innerErr error
			c, innerErr = fetchEphemeralCert(ctx, r.client, cn, k)
			return innerErr
		})
		certCh <- certRes{cert: c, err: e}
	}()

	var md metadata
	select {
	case r := <-mdCh:
		if r.err != nil {
			return refreshResult{}, fmt.Errorf("failed to get instance metadata: %w", r.err)
		}
		md = r.md
	case <-ctx.Done():
		return refreshResult{}, fmt.Errorf("refresh failed: %w", ctx.Err())
	}

	var cert *x509.Certificate
	select {
	case r := <-certCh:
		if r.err != nil {
			return refreshResult{}, fmt.Errorf("fetch ephemeral cert failed: %w", r.err)
		}
		cert = r.cert
	case <-ctx.Done():
		return refreshResult{}, fmt.Errorf("refresh failed: %w", ctx.Err())
	}

	conf := createTLSConfig(cn, cert, md.serverCACert, k)
	return refreshResult{
		ipAddrs: md.ipAddrs,
		version: md.version,
		conf:    conf,
		expiry:  cert.NotAfter,
	}, nil
}

// newClientKey generates the RSA-2048 keypair used for the lifetime of a
// single cert manager.
func newClientKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}
