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

// Package sts implements the workload-identity-federation TokenProvider: an
// OIDC-to-access-token exchange against sts.googleapis.com, with optional
// service-account impersonation via iamcredentials.googleapis.com.
package sts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/auth"
)

// stsEndpoint and iamCredsFormat are vars, not consts, so that tests can
// point them at a local httptest server.
var (
	stsEndpoint    = "https://sts.googleapis.com/v1/token"
	iamCredsFormat = "https://iamcredentials.googleapis.com/v1/projects/-/serviceAccounts/%s:generateAccessToken"
)

const (
	grantType          = "urn:ietf:params:oauth:grant-type:token-exchange"
	requestedTokenType = "urn:ietf:params:oauth:token-type:access_token"
	subjectTokenType   = "urn:ietf:params:oauth:token-type:jwt"
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

	// skew is how far ahead of a token's actual expiry it is treated as
	// expired.
	skew = 5 * time.Minute
)

// OIDCTokenFunc produces the OIDC ID token that is exchanged with the STS
// endpoint. Implementations typically wrap a workload identity pool's
// external credential source.
type OIDCTokenFunc func(ctx context.Context) (string, error)

// Provider implements auth.TokenProvider via the two-stage workload
// identity federation exchange described in the package doc.
//
// A cached token is returned while it remains valid under skew. Otherwise a
// single-writer lock serializes refresh attempts: the first caller performs
// the exchange, and concurrent callers wait on the result rather than
// issuing redundant requests.
type Provider struct {
	getOIDCToken        OIDCTokenFunc
	audience            string
	serviceAccountEmail string
	httpClient          *http.Client

	mu  sync.Mutex
	cur *auth.Token
}

// NewProvider creates a Provider. serviceAccountEmail may be empty, in
// which case the STS-exchanged token is returned directly without an
// impersonation step.
func NewProvider(getOIDCToken OIDCTokenFunc, audience, serviceAccountEmail string) *Provider {
	return &Provider{
		getOIDCToken:        getOIDCToken,
		audience:            audience,
		serviceAccountEmail: serviceAccountEmail,
		httpClient:          http.DefaultClient,
	}
}

// Token returns a valid access token, refreshing through the federation
// exchange if the cached one has expired under skew.
func (p *Provider) Token(ctx context.Context) (*auth.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cur != nil && time.Now().Before(p.cur.Expiry.Add(-skew)) {
		return p.cur, nil
	}

	tok, err := p.refresh(ctx)
	if err != nil {
		// cache left untouched; next call retries.
		return nil, err
	}
	p.cur = tok
	return tok, nil
}

func (p *Provider) refresh(ctx context.Context) (*auth.Token, error) {
	jwt, err := p.getOIDCToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("sts: failed to obtain OIDC token: %w", err)
	}
	if jwt == "" {
		return nil, fmt.Errorf("sts: OIDC token provider returned an empty token")
	}

	stsTok, err := p.exchangeToken(ctx, jwt)
	if err != nil {
		return nil, err
	}
	if p.serviceAccountEmail == "" {
		return stsTok, nil
	}
	return p.impersonate(ctx, stsTok)
}

// exchangeToken performs the STS token-exchange request.
func (p *Provider) exchangeToken(ctx context.Context, jwt string) (*auth.Token, error) {
	form := url.Values{}
	form.Set("grant_type", grantType)
	form.Set("requested_token_type", requestedTokenType)
	form.Set("subject_token_type", subjectTokenType)
	form.Set("subject_token", jwt)
	form.Set("audience", p.audience)
	form.Set("scope", cloudPlatformScope)

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, stsEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sts: token exchange request failed: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("sts: token exchange failed with status %d: %s", res.StatusCode, body)
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("sts: invalid token exchange response: %w", err)
	}
	return &auth.Token{
		Value:  resp.AccessToken,
		Type:   "Bearer",
		Expiry: time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}

// impersonate exchanges stsTok for a token minted for
// p.serviceAccountEmail via the IAM Credentials API.
func (p *Provider) impersonate(ctx context.Context, stsTok *auth.Token) (*auth.Token, error) {
	body, err := json.Marshal(map[string]any{
		"scope": []string{cloudPlatformScope},
	})
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf(iamCredsFormat, p.serviceAccountEmail)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+stsTok.Value)

	res, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sts: generateAccessToken request failed: %w", err)
	}
	defer res.Body.Close()
	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("sts: generateAccessToken failed with status %d: %s", res.StatusCode, respBody)
	}

	var resp struct {
		AccessToken string `json:"accessToken"`
		ExpireTime  string `json:"expireTime"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("sts: invalid generateAccessToken response: %w", err)
	}
	expiry, err := time.Parse(time.RFC3339, resp.ExpireTime)
	if err != nil {
		return nil, fmt.Errorf("sts: invalid expireTime in generateAccessToken response: %w", err)
	}
	return &auth.Token{
		Value:  resp.AccessToken,
		Type:   "Bearer",
		Expiry: expiry,
	}, nil
}
