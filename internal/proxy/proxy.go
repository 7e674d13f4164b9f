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

// Package proxy terminates local client connections for a single Cloud SQL
// instance and splices them, over mTLS, to that instance's server-side
// proxy.
package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"cloud.google.com/go/cloudsqlconn/debug"
	"cloud.google.com/go/cloudsqlconn/errtype"
	"cloud.google.com/go/cloudsqlconn/instance"
	"cloud.google.com/go/cloudsqlconn/internal/cloudsql"
	"cloud.google.com/go/cloudsqlconn/internal/tel"
	"cloud.google.com/go/cloudsqlconn/internal/trace"
)

// serverProxyPort is the port an instance's server-side proxy listens on.
const serverProxyPort = "3307"

// defaultTCPKeepAlive is applied to the remote mTLS connection unless
// overridden.
const defaultTCPKeepAlive = 30 * time.Second

// DialFunc dials the named network address, and is overridable for tests
// and for routing through a SOCKS5 proxy.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config configures an Instance.
type Config struct {
	IPType       string
	MaxConns     uint64
	TCPKeepAlive time.Duration
	DialFunc     DialFunc
	DialerID     string
	Logger       debug.ContextLogger
	// IAMAuthN labels metrics as authenticated via an access token rather
	// than the default client-certificate credential file.
	IAMAuthN bool
	// Recorder receives dial and connection-count metrics. Nil disables
	// recording.
	Recorder *tel.MetricRecorder
}

// Instance terminates local connections for one Cloud SQL instance and
// proxies them to that instance's remote server-side proxy over mTLS.
// Construct with NewInstance; Start must be called before DataSource
// returns a usable address.
type Instance struct {
	cn    instance.ConnName
	cache cloudsql.ConnectionInfoCache
	cfg   Config

	ln   net.Listener
	addr string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	counter *Counter
}

// NewInstance creates an Instance bound to cn, backed by cache for identity
// material. It does not bind a listener or start accepting connections;
// call Start for that.
func NewInstance(cn instance.ConnName, cache cloudsql.ConnectionInfoCache, cfg Config) *Instance {
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = defaultTCPKeepAlive
	}
	if cfg.DialFunc == nil {
		cfg.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}
	}
	if cfg.IPType == "" {
		cfg.IPType = "PRIMARY"
	}
	return &Instance{
		cn:      cn,
		cache:   cache,
		cfg:     cfg,
		counter: NewCounter(cfg.MaxConns),
	}
}

// Start resolves the instance's remote metadata, binds a loopback TCP
// listener on an OS-chosen port, and launches the accept loop. Start
// returns once the listener is bound; it does not wait for the accept loop.
func (i *Instance) Start(ctx context.Context) error {
	if _, _, err := i.cache.ConnectInfo(ctx, i.cfg.IPType); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return errtype.NewDialError("failed to bind local listener", i.cn.String(), err)
	}
	i.ln = ln
	i.addr = ln.Addr().String()

	i.ctx, i.cancel = context.WithCancel(context.Background())
	i.wg.Add(1)
	go i.acceptLoop()
	return nil
}

// DataSource returns the local loopback address client libraries should
// connect to, e.g. "127.0.0.1:54321".
func (i *Instance) DataSource() string {
	return i.addr
}

// ConnName returns the instance's connection name.
func (i *Instance) ConnName() instance.ConnName {
	return i.cn
}

// Stop signals the accept loop to exit, closes the listener and both sides
// of every connection being spliced, waits for the accept loop to return
// (not for connection handlers to finish), and stops the instance's
// certificate cache.
func (i *Instance) Stop() {
	if i.cancel != nil {
		i.cancel()
	}
	if i.ln != nil {
		i.ln.Close()
	}
	i.wg.Wait()
	i.cache.Close()
}

func (i *Instance) acceptLoop() {
	defer i.wg.Done()
	for {
		conn, err := i.ln.Accept()
		if err != nil {
			select {
			case <-i.ctx.Done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return
		}
		go i.handle(conn)
	}
}

func (i *Instance) handle(cConn net.Conn) {
	dec, err := i.counter.Inc()
	defer dec()
	if err != nil {
		cConn.Close()
		return
	}

	ctx, cancel := context.WithTimeout(i.ctx, 30*time.Second)
	defer cancel()

	sConn, err := i.dial(ctx)
	if err != nil {
		cConn.Close()
		return
	}
	// Stop ends the splice by closing both sides.
	stopSplice := context.AfterFunc(i.ctx, func() {
		cConn.Close()
		sConn.Close()
	})
	defer stopSplice()
	if i.cfg.Recorder != nil {
		a := tel.DialAttributes{Instance: i.cn.String(), IAMAuthN: i.cfg.IAMAuthN}
		i.cfg.Recorder.RecordOpenConnection(i.ctx, a)
		defer i.cfg.Recorder.RecordClosedConnection(i.ctx, a)
	}
	splice(cConn, sConn)
}

func (i *Instance) dial(ctx context.Context) (conn net.Conn, err error) {
	var end trace.EndSpanFunc
	ctx, end = trace.StartSpan(ctx, "cloud.google.com/go/cloudsqlconn/internal.Connect",
		trace.AddInstanceName(i.cn.String()),
		trace.AddDialerID(i.cfg.DialerID),
	)
	start := time.Now()
	defer func() {
		end(err)
		if i.cfg.Recorder == nil {
			return
		}
		status := tel.DialSuccess
		if err != nil {
			status = tel.DialError
		}
		i.cfg.Recorder.RecordDial(ctx, time.Since(start), tel.DialAttributes{
			Instance:   i.cn.String(),
			IAMAuthN:   i.cfg.IAMAuthN,
			DialStatus: status,
		})
	}()

	addr, tlsCfg, err := i.cache.ConnectInfo(ctx, i.cfg.IPType)
	if err != nil {
		return nil, err
	}
	raw, err := i.cfg.DialFunc(ctx, "tcp", net.JoinHostPort(addr, serverProxyPort))
	if err != nil {
		i.cache.ForceRefresh()
		return nil, errtype.NewDialError("failed to dial remote instance", i.cn.String(), err)
	}
	if tc, ok := raw.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(i.cfg.TCPKeepAlive)
	}
	tlsConn := tls.Client(raw, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		i.cache.ForceRefresh()
		tlsConn.Close()
		return nil, errtype.NewDialError("TLS handshake with remote instance failed", i.cn.String(), err)
	}
	return tlsConn, nil
}
