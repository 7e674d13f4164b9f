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

// Package cloudsqlconn lets a local application reach a Cloud SQL instance
// over an authenticated, mutually-authenticated TLS channel without
// managing certificates, IP allowlists, or OAuth2 credentials itself. A
// caller names a remote instance by its connection name
// ("project:region:name") and receives a local loopback address — a
// DataSource string — through which ordinary database client libraries can
// speak their native wire protocol.
package cloudsqlconn

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "embed"

	"cloud.google.com/go/cloudsqlconn/instance"
	"cloud.google.com/go/cloudsqlconn/internal/cloudsql"
	"cloud.google.com/go/cloudsqlconn/internal/proxy"
	"cloud.google.com/go/cloudsqlconn/internal/registry"
	"cloud.google.com/go/cloudsqlconn/internal/sqladmin"
	"cloud.google.com/go/cloudsqlconn/internal/tel"
	"cloud.google.com/go/cloudsqlconn/internal/trace"
	"github.com/google/uuid"
)

//go:embed version.txt
var versionString string

var userAgent = "cloud-sql-go-connector/" + strings.TrimSpace(versionString)

// AuthMode distinguishes the credential strategy a key was first registered
// with. A key that has already been started under one AuthMode rejects
// later requests under a different one.
type AuthMode int

const (
	// CredentialFile authenticates via a service-account key file or its
	// inline JSON body.
	CredentialFile AuthMode = iota + 1
	// AccessTokenSource authenticates via a caller-supplied token source
	// (static, OAuth2, or workload identity federation).
	AccessTokenSource
)

// ErrClosed is returned by Broker methods after StopAll has been called.
var ErrClosed = errors.New("cloudsqlconn: broker is closed")

// Proxy is a started local endpoint for one Cloud SQL instance.
type Proxy struct {
	key  string
	inst *proxy.Instance
	b    *Broker
}

// DataSource returns the local loopback address ("host:port") that
// database client libraries should dial.
func (p *Proxy) DataSource() string {
	return p.inst.DataSource()
}

// Stop releases this holder's reference to the proxy. If it was the last
// holder, the underlying listener and background refresh loop are torn
// down.
func (p *Proxy) Stop() {
	p.b.registry.Release(p.key, p.inst)
}

// Broker is the coordination point between callers asking to reach a Cloud
// SQL instance and the registry of live per-instance proxies. The zero
// value is not usable; construct with NewBroker.
type Broker struct {
	registry *registry.Registry
	recorder *tel.MetricRecorder

	mu     sync.Mutex
	closed bool

	opts           []Option
	rsaKey         *rsa.PrivateKey
	refreshTimeout time.Duration
	dialerID       string
}

// NewBroker creates a Broker. opts set defaults applied to every StartProxy
// call on this Broker that doesn't override them with its own Options
// (credentials in particular are normally supplied per StartProxy call,
// since the facade's startProxy takes credentials as an argument, not a
// construction-time default). A StartProxy Option replaces a default of the
// same kind; a credential Option that is incompatible with a default one
// makes StartProxy fail.
func NewBroker(ctx context.Context, opts ...Option) (*Broker, error) {
	cfg, err := newDialerConfig(opts...)
	if err != nil {
		return nil, err
	}
	if err := trace.InitMetrics(); err != nil {
		return nil, err
	}
	dialerID := uuid.New().String()
	recorder, err := tel.NewMetricRecorder(ctx, tel.Config{
		Enabled:   cfg.metricsProjectID != "",
		Version:   versionString,
		ClientID:  dialerID,
		ProjectID: cfg.metricsProjectID,
	}, cfg.clientOpts...)
	if err != nil {
		return nil, err
	}
	return &Broker{
		registry:       registry.New(),
		recorder:       recorder,
		opts:           opts,
		rsaKey:         cfg.rsaKey,
		refreshTimeout: cfg.refreshTimeout,
		dialerID:       dialerID,
	}, nil
}

// StartProxy returns a running local proxy for the instance named by key
// ("project:region:name"), creating it if this is the first request for
// key. Concurrent callers for the same key block on, and share, the same
// construction attempt. A subsequent call for key under a different
// AuthMode than its first caller fails without affecting the live proxy.
func (b *Broker) StartProxy(ctx context.Context, key string, mode AuthMode, opts ...Option) (*Proxy, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	cn, err := instance.ParseConnName(key)
	if err != nil {
		return nil, err
	}

	cfg, err := newDialerConfig(append(append([]Option{}, b.opts...), opts...)...)
	if err != nil {
		return nil, err
	}
	if cfg.rsaKey == nil {
		cfg.rsaKey = b.rsaKey
	}
	if cfg.refreshTimeout == 0 {
		cfg.refreshTimeout = b.refreshTimeout
	}

	inst, err := b.registry.GetOrCreate(ctx, key, int32(mode), func() (registry.Instance, error) {
		adminClient, err := sqladmin.NewClient(context.Background(), cfg.clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Cloud SQL Admin API client: %w", err)
		}

		var cache cloudsql.ConnectionInfoCache
		if cfg.lazyRefresh {
			cache = cloudsql.NewLazyCache(cn, adminClient, cfg.refreshTimeout, b.dialerID, b.recorder)
		} else {
			c, err := cloudsql.NewRefreshAheadCache(cn, adminClient, cfg.rsaKey, cfg.refreshTimeout, b.dialerID, b.recorder)
			if err != nil {
				return nil, err
			}
			cache = c
		}

		return proxy.NewInstance(cn, cache, proxy.Config{
			IPType:       cfg.ipType,
			MaxConns:     cfg.maxConns,
			TCPKeepAlive: cfg.tcpKeepAlive,
			DialFunc:     cfg.dialFunc,
			DialerID:     b.dialerID,
			Logger:       cfg.logger,
			IAMAuthN:     mode == AccessTokenSource,
			Recorder:     b.recorder,
		}), nil
	})
	if err != nil {
		return nil, err
	}

	return &Proxy{key: key, inst: inst.(*proxy.Instance), b: b}, nil
}

// StopAll stops every live proxy registered on this Broker.
func (b *Broker) StopAll() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.registry.StopAll()
	b.recorder.Shutdown(context.Background())
}

var (
	defaultBroker     *Broker
	defaultBrokerOnce sync.Once
	defaultBrokerErr  error
)

// defaultBrokerFor lazily constructs the package-level default Broker used
// by the package-level StartProxy/StopAll convenience functions.
func defaultBrokerFor(ctx context.Context, opts ...Option) (*Broker, error) {
	defaultBrokerOnce.Do(func() {
		defaultBroker, defaultBrokerErr = NewBroker(ctx, opts...)
	})
	return defaultBroker, defaultBrokerErr
}

// StartProxy is a package-level convenience wrapper around a lazily
// constructed default Broker. Most applications that only ever talk to one
// set of Google Cloud credentials can use this instead of managing their
// own Broker.
func StartProxy(ctx context.Context, key string, mode AuthMode, opts ...Option) (*Proxy, error) {
	b, err := defaultBrokerFor(ctx)
	if err != nil {
		return nil, err
	}
	return b.StartProxy(ctx, key, mode, opts...)
}

// StopAll stops every proxy started through the package-level StartProxy.
func StopAll() {
	if defaultBroker != nil {
		defaultBroker.StopAll()
	}
}
