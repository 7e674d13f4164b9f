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

// Package errtype distinguishes the error types that the connector returns,
// so that callers can use errors.As to tell a misconfiguration from a
// transient failure.
package errtype

import "fmt"

// ConfigError is returned when a caller has misconfigured some aspect of
// the connector, e.g., provided an invalid instance connection name or
// conflicting credentials. ConfigErrors are never retried internally.
type ConfigError struct {
	msg      string
	instance string
}

// NewConfigError initializes a ConfigError.
func NewConfigError(msg, instance string) *ConfigError {
	return &ConfigError{msg: msg, instance: instance}
}

// Error returns the error message.
func (c *ConfigError) Error() string {
	if c.instance == "" {
		return c.msg
	}
	return fmt.Sprintf("[%s] %s", c.instance, c.msg)
}

// RefreshError is returned when the connector fails to retrieve connection
// metadata or an ephemeral certificate for an instance, after exhausting
// retries.
type RefreshError struct {
	msg      string
	instance string
	err      error
}

// NewRefreshError initializes a RefreshError.
func NewRefreshError(msg, instance string, err error) *RefreshError {
	return &RefreshError{msg: msg, instance: instance, err: err}
}

// Error returns the error message, including the wrapped error if present.
func (r *RefreshError) Error() string {
	if r.err == nil {
		return fmt.Sprintf("[%s] %s", r.instance, r.msg)
	}
	return fmt.Sprintf("[%s] %s: %v", r.instance, r.msg, r.err)
}

// Unwrap returns the underlying error, if any, allowing errors.Is and
// errors.As to see through a RefreshError.
func (r *RefreshError) Unwrap() error { return r.err }

// DialError is returned when the connector fails to establish a connection
// to a Cloud SQL instance, e.g. a TLS handshake failure or a failed dial of
// the instance's server-side proxy.
type DialError struct {
	msg      string
	instance string
	err      error
}

// NewDialError initializes a DialError.
func NewDialError(msg, instance string, err error) *DialError {
	return &DialError{msg: msg, instance: instance, err: err}
}

// Error returns the error message, including the wrapped error if present.
func (d *DialError) Error() string {
	if d.err == nil {
		return fmt.Sprintf("[%s] %s", d.instance, d.msg)
	}
	return fmt.Sprintf("[%s] %s: %v", d.instance, d.msg, d.err)
}

// Unwrap returns the underlying error, if any.
func (d *DialError) Unwrap() error { return d.err }
