// Copyright 2023 Google LLC
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

// Package tokenprovider holds the token-source abstractions the connector
// uses to attach an OAuth2 bearer token to outbound Cloud SQL Admin API
// calls. A TokenProvider's cache (if any) is entirely its own concern: the
// admin client re-reads it on every request rather than caching anything
// itself.
package tokenprovider

import (
	"context"
	"sync/atomic"

	"cloud.google.com/go/auth"
	"cloud.google.com/go/auth/credentials"
)

// TokenProvider produces a valid OAuth2 bearer token on demand. It is an
// alias for auth.TokenProvider so that any of this package's
// implementations can be passed directly as an option.ClientOption via
// auth.NewCredentials.
type TokenProvider = auth.TokenProvider

// NewCredentialsFileProvider returns the TokenProvider backing a
// service-account key file: the standard Google credential flow, which
// refreshes its own token internally.
func NewCredentialsFileProvider(ctx context.Context, path string, scopes ...string) (TokenProvider, error) {
	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		Scopes:          scopes,
		CredentialsFile: path,
	})
	if err != nil {
		return nil, err
	}
	return creds.TokenProvider, nil
}

// NewCredentialsJSONProvider returns the TokenProvider backing the inline
// JSON body of a service-account key.
func NewCredentialsJSONProvider(ctx context.Context, json []byte, scopes ...string) (TokenProvider, error) {
	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		Scopes:          scopes,
		CredentialsJSON: json,
	})
	if err != nil {
		return nil, err
	}
	return creds.TokenProvider, nil
}

// NewApplicationDefaultProvider returns the TokenProvider backing
// Application Default Credentials.
func NewApplicationDefaultProvider(ctx context.Context, scopes ...string) (TokenProvider, error) {
	creds, err := credentials.DetectDefault(&credentials.DetectOptions{Scopes: scopes})
	if err != nil {
		return nil, err
	}
	return creds.TokenProvider, nil
}

// StaticTokenProvider holds a single externally-supplied token, updated
// atomically by calls to Update. Expiry policy, if any, is entirely the
// caller's responsibility; Token returns whatever was last set,
// unconditionally, never triggering a refresh of its own.
type StaticTokenProvider struct {
	tok atomic.Pointer[auth.Token]
}

// NewStaticTokenProvider creates a StaticTokenProvider holding tok.
func NewStaticTokenProvider(tok *auth.Token) *StaticTokenProvider {
	p := &StaticTokenProvider{}
	p.tok.Store(tok)
	return p
}

// Update atomically replaces the held token.
func (p *StaticTokenProvider) Update(tok *auth.Token) {
	p.tok.Store(tok)
}

// Token returns the currently held token.
func (p *StaticTokenProvider) Token(ctx context.Context) (*auth.Token, error) {
	return p.tok.Load(), nil
}
