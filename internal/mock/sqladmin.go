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

// Package mock provides fakes for testing against the Cloud SQL Admin API
// and an instance's server-side mTLS proxy, without any network access to
// Google Cloud.
package mock

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// FakeCSQLInstance models a fake Cloud SQL instance, complete with the
// certificate chain needed to mimic the real instance's server-side proxy.
type FakeCSQLInstance struct {
	project string
	region  string
	name    string

	ipAddr string

	certExpiry time.Time

	rootKey    *rsa.PrivateKey
	rootCert   *x509.Certificate
	serverKey  *rsa.PrivateKey
	serverCert *x509.Certificate
}

// Option is a configuration option for a FakeCSQLInstance.
type Option func(*FakeCSQLInstance)

// WithIPAddr sets the IP address reported for the fake instance.
func WithIPAddr(addr string) Option {
	return func(f *FakeCSQLInstance) { f.ipAddr = addr }
}

// WithCertExpiry sets the expiration time of the fake instance's ephemeral
// certificates.
func WithCertExpiry(t time.Time) Option {
	return func(f *FakeCSQLInstance) { f.certExpiry = t }
}

// connName returns the instance's project:region:name connection string.
func (f FakeCSQLInstance) connName() string {
	return fmt.Sprintf("%s:%s:%s", f.project, f.region, f.name)
}

// NewFakeCSQLInstance creates a FakeCSQLInstance, generating a root CA and a
// server leaf certificate whose common name is the instance's connection
// name, mirroring how the real Cloud SQL Admin API issues server
// certificates.
func NewFakeCSQLInstance(project, region, name string, opts ...Option) FakeCSQLInstance {
	f := FakeCSQLInstance{
		project:    project,
		region:     region,
		name:       name,
		ipAddr:     "0.0.0.0",
		certExpiry: time.Now().Add(time.Hour),
	}
	for _, o := range opts {
		o(&f)
	}

	rootKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Google, Inc."}, CommonName: "temporary-root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              f.certExpiry.Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	rootDER, err := x509.CreateCertificate(
		rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	if err != nil {
		panic(err)
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		panic(err)
	}

	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	serverTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{Organization: []string{"Google, Inc."}, CommonName: f.connName()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     f.certExpiry,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{f.connName()},
	}
	serverDER, err := x509.CreateCertificate(
		rand.Reader, serverTemplate, rootCert, &serverKey.PublicKey, rootKey)
	if err != nil {
		panic(err)
	}
	serverCert, err := x509.ParseCertificate(serverDER)
	if err != nil {
		panic(err)
	}

	f.rootKey = rootKey
	f.rootCert = rootCert
	f.serverKey = serverKey
	f.serverCert = serverCert
	return f
}

// signPublicKey issues a client certificate for the given SPKI-encoded PEM
// public key, signed by the fake instance's root CA, mimicking
// instances.generateEphemeralCert.
func (f FakeCSQLInstance) signPublicKey(pubKeyPEM string) ([]byte, error) {
	bl, _ := pem.Decode([]byte(pubKeyPEM))
	if bl == nil {
		return nil, fmt.Errorf("unable to decode public key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(bl.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unable to parse public key: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: f.connName()},
		Issuer:       f.rootCert.Subject,
		NotBefore:    time.Now(),
		NotAfter:     f.certExpiry,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	return x509.CreateCertificate(rand.Reader, template, f.rootCert, pub, f.rootKey)
}

// StartServerProxy starts a fake TLS listener on 127.0.0.1:3307 that mimics
// an instance's server-side proxy: it requires and verifies a client
// certificate signed by the fake instance's root CA, then echoes the
// instance's connection name back to the caller. It returns a function
// that closes the listener.
func StartServerProxy(t *testing.T, inst FakeCSQLInstance) func() {
	certPool := x509.NewCertPool()
	certPool.AddCert(inst.rootCert)
	conf := &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{inst.serverCert.Raw},
			PrivateKey:  inst.serverKey,
		}},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  certPool,
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:3307", conf)
	if err != nil {
		t.Fatalf("unable to start fake server proxy: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				c.Write([]byte(inst.connName()))
			}(conn)
		}
	}()
	return func() { ln.Close() }
}

// Request represents an HTTP request that a fake Cloud SQL Admin API server
// should respond to.
type Request struct {
	sync.Mutex

	reqMethod string
	reqPath   string
	reqCt     int

	handle func(resp http.ResponseWriter, req *http.Request)
}

// matches reports whether hR should be handled by r, consuming one of its
// remaining expected calls if so.
func (r *Request) matches(hR *http.Request) bool {
	r.Lock()
	defer r.Unlock()
	if r.reqMethod != "" && r.reqMethod != hR.Method {
		return false
	}
	if r.reqPath != "" && r.reqPath != hR.URL.Path {
		return false
	}
	if r.reqCt <= 0 {
		return false
	}
	r.reqCt--
	return true
}

// InstanceGetSuccess returns a Request that answers the instances.get
// endpoint with connection metadata for the fake instance.
func InstanceGetSuccess(i FakeCSQLInstance, ct int) *Request {
	p := fmt.Sprintf("/sql/v1beta4/projects/%s/instances/%s", i.project, i.name)
	return &Request{
		reqMethod: http.MethodGet,
		reqPath:   p,
		reqCt:     ct,
		handle: func(resp http.ResponseWriter, req *http.Request) {
			caPEM := &bytes.Buffer{}
			pem.Encode(caPEM, &pem.Block{Type: "CERTIFICATE", Bytes: i.rootCert.Raw})
			body := map[string]any{
				"name":            i.name,
				"region":          i.region,
				"backendType":     "SECOND_GEN",
				"databaseVersion": "POSTGRES_15",
				"ipAddresses": []map[string]string{
					{"ipAddress": i.ipAddr, "type": "PRIMARY"},
				},
				"serverCaCert": map[string]string{
					"cert":           caPEM.String(),
					"commonName":     i.rootCert.Subject.CommonName,
					"createTime":     i.rootCert.NotBefore.Format(time.RFC3339),
					"expirationTime": i.rootCert.NotAfter.Format(time.RFC3339),
				},
				"dnsName": i.connName(),
			}
			resp.WriteHeader(http.StatusOK)
			json.NewEncoder(resp).Encode(body)
		},
	}
}

// InstanceGetNotFound returns a Request that answers the instances.get
// endpoint with a 404, as though the instance did not exist or the caller
// lacked permission.
func InstanceGetNotFound(i FakeCSQLInstance, ct int) *Request {
	p := fmt.Sprintf("/sql/v1beta4/projects/%s/instances/%s", i.project, i.name)
	return &Request{
		reqMethod: http.MethodGet,
		reqPath:   p,
		reqCt:     ct,
		handle: func(resp http.ResponseWriter, req *http.Request) {
			resp.WriteHeader(http.StatusNotFound)
			resp.Write([]byte(`{"error":{"code":404,"message":"instance not found"}}`))
		},
	}
}

// GenerateEphemeralCertSuccess returns a Request that answers the
// instances.generateEphemeralCert endpoint by signing the caller's public
// key with the fake instance's root CA.
func GenerateEphemeralCertSuccess(i FakeCSQLInstance, ct int) *Request {
	p := fmt.Sprintf(
		"/sql/v1beta4/projects/%s/instances/%s~%s:generateEphemeralCert", i.project, i.region, i.name)
	return &Request{
		reqMethod: http.MethodPost,
		reqPath:   p,
		reqCt:     ct,
		handle: func(resp http.ResponseWriter, req *http.Request) {
			b, err := io.ReadAll(req.Body)
			defer req.Body.Close()
			if err != nil {
				http.Error(resp, fmt.Errorf("unable to read body: %w", err).Error(), http.StatusBadRequest)
				return
			}
			var breq struct {
				PublicKey string `json:"public_key"`
			}
			if err := json.Unmarshal(b, &breq); err != nil {
				http.Error(resp, fmt.Errorf("invalid json: %w", err).Error(), http.StatusBadRequest)
				return
			}
			certDER, err := i.signPublicKey(breq.PublicKey)
			if err != nil {
				http.Error(resp, err.Error(), http.StatusBadRequest)
				return
			}
			certPEM := &bytes.Buffer{}
			pem.Encode(certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: certDER})

			body := map[string]any{
				"ephemeralCert": map[string]string{
					"cert":           certPEM.String(),
					"commonName":     i.connName(),
					"createTime":     time.Now().Format(time.RFC3339),
					"expirationTime": i.certExpiry.Format(time.RFC3339),
				},
			}
			resp.WriteHeader(http.StatusOK)
			json.NewEncoder(resp).Encode(body)
		},
	}
}

// HTTPClient starts an httptest TLS server that dispatches to requests in
// order, returning a client configured to trust it, its URL, and a cleanup
// function that closes the server and reports any calls that were expected
// but never received.
func HTTPClient(requests ...*Request) (*http.Client, string, func() error) {
	s := httptest.NewTLSServer(http.HandlerFunc(
		func(resp http.ResponseWriter, req *http.Request) {
			for _, r := range requests {
				if r.matches(req) {
					r.handle(resp, req)
					return
				}
			}
			resp.WriteHeader(http.StatusNotImplemented)
			resp.Write([]byte(fmt.Sprintf("unexpected request sent to mock admin server: %v", req)))
		},
	))
	cleanup := func() error {
		s.Close()
		for i, r := range requests {
			if r.reqCt > 0 {
				return fmt.Errorf("%d calls left for request in pos %d: %v", r.reqCt, i, r)
			}
		}
		return nil
	}
	return s.Client(), s.URL, cleanup
}
