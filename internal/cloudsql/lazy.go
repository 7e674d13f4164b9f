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

package cloudsql

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"cloud.google.com/go/cloudsqlconn/instance"
	"cloud.google.com/go/cloudsqlconn/internal/sqladmin"
	"cloud.google.com/go/cloudsqlconn/internal/tel"
)

// LazyCache is a connection info cache that defers both RSA key generation
// and the first Admin API round trip until the first call to ConnectInfo,
// instead of eagerly warming on construction. It never runs a background
// refresh loop: every call refreshes synchronously if the cached
// certificate is stale.
type LazyCache struct {
	cn             instance.ConnName
	client         *sqladmin.Client
	refreshTimeout time.Duration
	dialerID       string
	recorder       *tel.MetricRecorder

	once sync.Once
	c    *RefreshAheadCache
	err  error
}

// NewLazyCache creates a LazyCache for cn. No network calls or key
// generation happen until ConnectInfo is first called.
func NewLazyCache(
	cn instance.ConnName,
	client *sqladmin.Client,
	refreshTimeout time.Duration,
	dialerID string,
	recorder *tel.MetricRecorder,
) *LazyCache {
	return &LazyCache{
		cn:             cn,
		client:         client,
		refreshTimeout: refreshTimeout,
		dialerID:       dialerID,
		recorder:       recorder,
	}
}

func (l *LazyCache) inner() (*RefreshAheadCache, error) {
	l.once.Do(func() {
		l.c, l.err = NewRefreshAheadCache(l.cn, l.client, nil, l.refreshTimeout, l.dialerID, l.recorder)
		if l.c != nil {
			l.c.refreshType = tel.RefreshLazyType
			// Stop the background pre-warm loop: a LazyCache refreshes only
			// on demand.
			l.c.cancel()
		}
	})
	return l.c, l.err
}

// ConnectInfo lazily initializes the underlying cache on first call, then
// delegates to it.
func (l *LazyCache) ConnectInfo(ctx context.Context, ipType string) (string, *tls.Config, error) {
	c, err := l.inner()
	if err != nil {
		return "", nil, err
	}
	return c.ConnectInfo(ctx, ipType)
}

// ForceRefresh delegates to the underlying cache, initializing it first if
// necessary.
func (l *LazyCache) ForceRefresh() {
	c, err := l.inner()
	if err != nil {
		return
	}
	c.ForceRefresh()
}

// Close releases the underlying cache's background loop, if it was ever
// initialized.
func (l *LazyCache) Close() {
	if l.c != nil {
		l.c.Close()
	}
}

// String returns the cache's connection name.
func (l *LazyCache) String() string {
	return l.cn.String()
}
