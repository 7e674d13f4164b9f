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

package sqladmin

import "google.golang.org/api/googleapi"

// IPMapping is a single IP address associated with a Cloud SQL instance.
type IPMapping struct {
	IPAddress string `json:"ipAddress"`
	Type      string `json:"type"`
}

// SslCert holds a PEM-encoded server CA certificate.
type SslCert struct {
	Cert           string `json:"cert"`
	CommonName     string `json:"commonName"`
	CreateTime     string `json:"createTime"`
	ExpirationTime string `json:"expirationTime"`
}

// DatabaseInstance is the subset of the Cloud SQL Admin API's
// DatabaseInstance resource that the connector cares about.
type DatabaseInstance struct {
	ServerResponse  googleapi.ServerResponse
	Name            string      `json:"name"`
	Region          string      `json:"region"`
	BackendType     string      `json:"backendType"`
	DatabaseVersion string      `json:"databaseVersion"`
	IPAddresses     []IPMapping `json:"ipAddresses"`
	ServerCaCert    SslCert     `json:"serverCaCert"`
	DNSName         string      `json:"dnsName"`
}

// GenerateEphemeralCertRequest is the request body for
// instances.generateEphemeralCert.
type GenerateEphemeralCertRequest struct {
	PublicKey     string `json:"public_key"`
	AccessToken   string `json:"access_token,omitempty"`
	ReadTime      string `json:"read_time,omitempty"`
}

// GenerateEphemeralCertResponse is the response body for
// instances.generateEphemeralCert.
type GenerateEphemeralCertResponse struct {
	ServerResponse googleapi.ServerResponse
	EphemeralCert  SslCert `json:"ephemeralCert"`
}
