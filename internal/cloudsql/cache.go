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
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/instance"
	"cloud.google.com/go/cloudsqlconn/internal/sqladmin"
	"cloud.google.com/go/cloudsqlconn/internal/tel"
)

// backgroundRefreshInterval is how often the background pre-warm loop calls
// getValidClientCertificate.
const backgroundRefreshInterval = 50 * time.Minute

// ConnectionInfoCache is satisfied by both RefreshAheadCache and LazyCache,
// so that the proxy and registry packages can work with either refresh
// strategy interchangeably.
type ConnectionInfoCache interface {
	ConnectInfo(ctx context.Context, ipType string) (string, *tls.Config, error)
	ForceRefresh()
	Close()
	String() string
}

// RefreshAheadCache maintains a valid mTLS client identity for a single
// Cloud SQL instance: one RSA-2048 keypair generated once at construction,
// and the most recently issued ephemeral client certificate, kept fresh by
// an on-demand refresh plus a periodic background pre-warm loop.
type RefreshAheadCache struct {
	cn  instance.ConnName
	r   refresher
	key *rsa.PrivateKey

	recorder    *tel.MetricRecorder
	refreshType string

	certLock sync.Mutex
	cur      *refreshResult

	ctx      context.Context
	cancel   context.CancelFunc
	finished chan struct{}

	// OpenConns is a count of open connections using this instance's
	// identity. Nothing in this module updates it; the proxy package keeps
	// its own count (see proxy.Counter).
	OpenConns uint64
}

// NewRefreshAheadCache creates a RefreshAheadCache for cn and starts its
// background pre-warm loop.
func NewRefreshAheadCache(
	cn instance.ConnName,
	client *sqladmin.Client,
	key *rsa.PrivateKey,
	refreshTimeout time.Duration,
	dialerID string,
	recorder *tel.MetricRecorder,
) (*RefreshAheadCache, error) {
	if key == nil {
		var err error
		key, err = newClientKey()
		if err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &RefreshAheadCache{
		cn:          cn,
		r:           newRefresher(client, refreshTimeout, 30*time.Second, 2, dialerID),
		key:         key,
		recorder:    recorder,
		refreshType: tel.RefreshAheadType,
		ctx:         ctx,
		cancel:      cancel,
		finished:    make(chan struct{}),
	}
	go c.backgroundRefresh()
	return c, nil
}

// backgroundRefresh sleeps backgroundRefreshInterval between iterations and
// calls getValidClientCertificate to pre-warm the cache, so that a
// connection attempt rarely has to wait on a live Admin API round trip. It
// exits when the cache's context is canceled.
func (c *RefreshAheadCache) backgroundRefresh() {
	defer close(c.finished)
	t := time.NewTicker(backgroundRefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			c.getValidClientCertificate(c.ctx)
		}
	}
}

// getValidClientCertificate returns the cached refresh result if its
// certificate's notAfter is later than now+refreshWindow. Otherwise it
// performs a synchronous refresh under certLock, publishes the result, and
// returns it.
func (c *RefreshAheadCache) getValidClientCertificate(ctx context.Context) (refreshResult, error) {
	c.certLock.Lock()
	defer c.certLock.Unlock()

	if c.cur != nil && c.cur.expiry.After(time.Now().Add(refreshWindow)) {
		return *c.cur, nil
	}

	res, err := c.r.performRefresh(ctx, c.cn, c.key)
	if c.recorder != nil {
		status := tel.RefreshSuccess
		if err != nil {
			status = tel.RefreshFailure
		}
		c.recorder.RecordRefresh(ctx, tel.RefreshAttributes{
			Instance:      c.cn.String(),
			RefreshStatus: status,
			RefreshType:   c.refreshType,
		})
	}
	if err != nil {
		return refreshResult{}, err
	}
	c.cur = &res
	return res, nil
}

// ConnectInfo returns the instance's IP address for ipType ("PRIMARY",
// "PRIVATE", or "PSC") and a *tls.Config configured with a currently valid
// client certificate.
func (c *RefreshAheadCache) ConnectInfo(ctx context.Context, ipType string) (string, *tls.Config, error) {
	res, err := c.getValidClientCertificate(ctx)
	if err != nil {
		return "", nil, err
	}
	addr, ok := res.ipAddrs[ipType]
	if !ok {
		return "", nil, errUnsupportedIPType(c.cn, ipType, res.ipAddrs)
	}
	return addr, res.conf, nil
}

// ForceRefresh invalidates the cached certificate so that the next call to
// ConnectInfo performs a fresh Admin API round trip.
func (c *RefreshAheadCache) ForceRefresh() {
	c.certLock.Lock()
	defer c.certLock.Unlock()
	c.cur = nil
}

// Close cancels the background refresh loop and waits for it to exit.
func (c *RefreshAheadCache) Close() {
	c.cancel()
	<-c.finished
}

// String returns the cache's connection name.
func (c *RefreshAheadCache) String() string {
	return c.cn.String()
}

// errUnsupportedIPType builds the error returned when an instance has no IP
// address of the requested type.
func errUnsupportedIPType(cn instance.ConnName, ipType string, have map[string]string) error {
	available := make([]string, 0, len(have))
	for k := range have {
		available = append(available, k)
	}
	return errtype.NewConfigError(
		fmt.Sprintf("instance does not have IP of type %q (has: %v)", ipType, available),
		cn.String(),
	)
}
