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

// Package backoff implements the retry policy used for Cloud SQL Admin API
// calls: a handful of exponentially spaced retries for retryable errors,
// followed by one final unguarded attempt so that permanent errors surface
// verbatim.
package backoff

import (
	"context"
	"math"
	"time"

	"google.golang.org/api/googleapi"
)

const (
	// base scales every sleep: the sleep before retry attempt n is
	// base * multiplier^n (see Delay), so the first retry waits base*1.618.
	base = 200 * time.Millisecond
	// multiplier is the golden ratio, matching the connector's historical
	// retry policy.
	multiplier = 1.618
	// maxRetries is the number of retried attempts. A final, unguarded
	// attempt is always made afterward.
	maxRetries = 5
)

// Retryable reports whether err is the kind of transient failure that the
// retry loop should absorb: a Google API error with a 5xx status code.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	if _, ok := err.(interface{ Unwrap() error }); ok {
		for e := err; e != nil; {
			if g, ok := e.(*googleapi.Error); ok {
				gerr = g
				break
			}
			u, ok := e.(interface{ Unwrap() error })
			if !ok {
				break
			}
			e = u.Unwrap()
		}
	}
	if gerr == nil {
		var ok bool
		gerr, ok = err.(*googleapi.Error)
		if !ok {
			return false
		}
	}
	return gerr.Code >= 500
}

// Delay returns the sleep duration that precedes retry attempt n (1-indexed).
func Delay(attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(multiplier, float64(attempt)))
}

// Retry calls f, retrying up to maxRetries times with exponential backoff
// when Retryable(err) is true. After the retries are exhausted, f is called
// one final time without a retryable check, so that a persistent but
// non-retryable error (or a persistent retryable one) surfaces to the
// caller unchanged.
func Retry(ctx context.Context, f func() error) error {
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		select {
		case <-time.After(Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// Final unguarded attempt: whatever happens here is returned as-is.
	return f()
}
