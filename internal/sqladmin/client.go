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

// Package sqladmin is a minimal REST client for the parts of the Cloud SQL
// Admin API (sqladmin.googleapis.com) that the connector needs:
// instances.get, for connection metadata, and
// instances.generateEphemeralCert, for the client certificate used to
// authenticate the mTLS connection to an instance's server-side proxy.
package sqladmin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"
)

// baseURL is the production API endpoint of the Cloud SQL Admin API.
const baseURL = "https://sqladmin.googleapis.com"

// apiPath is the versioned path of the Admin API's REST surface. It is
// appended to the endpoint, so an overridden endpoint names only the host.
const apiPath = "/sql/v1beta4"

// Client talks to the Cloud SQL Admin API over HTTPS, attaching whatever
// authentication was configured by its option.ClientOptions (normally a
// bearer token sourced from one of the tokenprovider implementations).
type Client struct {
	client *http.Client
	// endpoint is the base URL for the Cloud SQL Admin API.
	endpoint string
}

// NewClient initializes a Client.
func NewClient(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	os := append([]option.ClientOption{
		option.WithEndpoint(baseURL),
	}, opts...) // allow for overriding the endpoint
	os = append(os,
		// do not allow for overriding the scopes
		option.WithScopes("https://www.googleapis.com/auth/sqlservice.admin"),
	)
	client, endpoint, err := htransport.NewClient(ctx, os...)
	if err != nil {
		return nil, err
	}
	return &Client{client: client, endpoint: endpoint}, nil
}

func asGoogleAPIError(res *http.Response) error {
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	return &googleapi.Error{
		Code:   res.StatusCode,
		Header: res.Header,
		Body:   string(body),
	}
}

// InstancesGet retrieves connection metadata (IP addresses, server CA
// certificate) for a single Cloud SQL instance.
func (c *Client) InstancesGet(ctx context.Context, project, name string) (*DatabaseInstance, error) {
	u := fmt.Sprintf("%s%s/projects/%s/instances/%s", c.endpoint, apiPath, project, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusMultipleChoices {
		return nil, asGoogleAPIError(res)
	}
	ret := &DatabaseInstance{
		ServerResponse: googleapi.ServerResponse{
			Header:         res.Header,
			HTTPStatusCode: res.StatusCode,
		},
	}
	if err := json.NewDecoder(res.Body).Decode(ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// GenerateEphemeralCert issues a short-lived client certificate signed by
// the Cloud SQL Admin API, tied to the supplied SPKI-encoded PEM public
// key. Unlike InstancesGet, this call addresses the instance by its
// region~name resource suffix rather than its plain name.
func (c *Client) GenerateEphemeralCert(ctx context.Context, project, region, name string, publicKeyPEM []byte) (*GenerateEphemeralCertResponse, error) {
	u := fmt.Sprintf("%s%s/projects/%s/instances/%s~%s:generateEphemeralCert", c.endpoint, apiPath, project, region, name)
	body, err := json.Marshal(GenerateEphemeralCertRequest{PublicKey: string(publicKeyPEM)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusMultipleChoices {
		return nil, asGoogleAPIError(res)
	}
	ret := &GenerateEphemeralCertResponse{
		ServerResponse: googleapi.ServerResponse{
			Header:         res.Header,
			HTTPStatusCode: res.StatusCode,
		},
	}
	if err := json.NewDecoder(res.Body).Decode(ret); err != nil {
		return nil, err
	}
	return ret, nil
}
