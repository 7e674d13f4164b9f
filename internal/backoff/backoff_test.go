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

package backoff

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/api/googleapi"
)

func TestRetryable(t *testing.T) {
	tcs := []struct {
		desc string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"non-google error", errors.New("boom"), false},
		{"4xx google error", &googleapi.Error{Code: 404}, false},
		{"5xx google error", &googleapi.Error{Code: 503}, true},
		{"wrapped 5xx google error", fmt.Errorf("wrap: %w", &googleapi.Error{Code: 500}), true},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			if got := Retryable(tc.err); got != tc.want {
				t.Errorf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestDelayIsIncreasing(t *testing.T) {
	var prev time.Duration
	for attempt := 1; attempt <= maxRetries; attempt++ {
		d := Delay(attempt)
		if d <= prev {
			t.Errorf("Delay(%d) = %v, want greater than previous delay %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestRetrySucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() returned error: %v", err)
	}
	if calls != 1 {
		t.Errorf("f was called %d times, want 1", calls)
	}
}

func TestRetryReturnsImmediatelyOnNonRetryableError(t *testing.T) {
	wantErr := errors.New("permanent failure")
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Retry() = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Errorf("f was called %d times, want 1", calls)
	}
}

func TestRetryExhaustsRetriesThenMakesFinalAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return &googleapi.Error{Code: 503}
	})
	if err == nil {
		t.Fatal("Retry() succeeded, want error")
	}
	// maxRetries retried attempts, plus one final unguarded attempt.
	if want := maxRetries + 1; calls != want {
		t.Errorf("f was called %d times, want %d", calls, want)
	}
}

func TestRetryStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, func() error {
		calls++
		return &googleapi.Error{Code: 503}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry() = %v, want context.Canceled", err)
	}
	if calls >= maxRetries+1 {
		t.Errorf("f was called %d times, want fewer than %d due to cancellation", calls, maxRetries+1)
	}
}
