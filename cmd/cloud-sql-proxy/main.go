// Copyright 2022 Google LLC
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

// Command cloud-sql-proxy starts a local proxy for one or more Cloud SQL
// instances named on the command line, and blocks until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/cloudsqlconn"
	"github.com/spf13/pflag"
	"golang.org/x/oauth2"
)

var (
	credentialsFile string
	token           string
	iamAuthN        bool
	privateIP       bool
	lazyRefresh     bool
	telemetryProj   string
	maxConns        uint64
)

func main() {
	pflag.StringVarP(&credentialsFile, "credentials-file", "c", "",
		"Use a service account key file as a source of credentials.")
	pflag.StringVarP(&token, "token", "t", "",
		"Use a bearer access token as a source of credentials.")
	pflag.BoolVarP(&iamAuthN, "auto-iam-authn", "i", false,
		"Register instances under the access-token auth mode (reported as IAM authentication in metrics). Credentials still come from --credentials-file, --token, or Application Default Credentials.")
	pflag.BoolVar(&privateIP, "private-ip", false,
		"Connect to each instance's private IP address instead of its public one.")
	pflag.BoolVar(&lazyRefresh, "lazy-refresh", false,
		"Refresh certificates on demand instead of on a background schedule.")
	pflag.StringVar(&telemetryProj, "telemetry-project", "",
		"Export operational metrics to Cloud Monitoring under the given project.")
	pflag.Uint64Var(&maxConns, "max-connections", 0,
		"Limit the number of open connections to each instance; the limit is not shared across instances. Default is no limit.")
	pflag.Parse()

	instances := pflag.Args()
	if len(instances) == 0 {
		fmt.Fprintln(os.Stderr, "usage: cloud-sql-proxy [flags] INSTANCE_CONNECTION_NAME...")
		os.Exit(1)
	}
	if token != "" && credentialsFile != "" {
		fmt.Fprintln(os.Stderr, "cannot specify --token and --credentials-file together")
		os.Exit(1)
	}

	if err := run(instances); err != nil {
		log.Fatal(err)
	}
}

func run(instances []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := []cloudsqlconn.Option{cloudsqlconn.WithMaxConnections(maxConns)}
	if privateIP {
		opts = append(opts, cloudsqlconn.WithPrivateIP())
	}
	if lazyRefresh {
		opts = append(opts, cloudsqlconn.WithLazyRefresh())
	}
	if telemetryProj != "" {
		opts = append(opts, cloudsqlconn.WithCloudMonitoringMetrics(telemetryProj))
	}
	switch {
	case credentialsFile != "":
		opts = append(opts, cloudsqlconn.WithCredentialsFile(credentialsFile))
	case token != "":
		opts = append(opts, cloudsqlconn.WithTokenSource(staticTokenSource{token}))
	}

	mode := cloudsqlconn.CredentialFile
	if iamAuthN {
		mode = cloudsqlconn.AccessTokenSource
	}

	broker, err := cloudsqlconn.NewBroker(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer broker.StopAll()

	var proxies []*cloudsqlconn.Proxy
	for _, name := range instances {
		p, err := broker.StartProxy(ctx, name, mode)
		if err != nil {
			return fmt.Errorf("failed to start proxy for %q: %w", name, err)
		}
		proxies = append(proxies, p)
		log.Printf("[%s] listening on %s", name, p.DataSource())
	}

	<-ctx.Done()
	log.Print("shutting down")

	errs := make([]error, 0, len(proxies))
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	done := make(chan struct{})
	go func() {
		for _, p := range proxies {
			p.Stop()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		errs = append(errs, errors.New("timed out waiting for proxies to stop"))
	}
	return errors.Join(errs...)
}

// staticTokenSource adapts a single bearer token supplied on the command
// line to an oauth2.TokenSource.
type staticTokenSource struct {
	token string
}

func (s staticTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: s.token}, nil
}
