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

package tokenprovider

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/auth"
)

func TestStaticTokenProviderReturnsStoredToken(t *testing.T) {
	want := &auth.Token{Value: "initial", Type: "Bearer"}
	p := NewStaticTokenProvider(want)

	got, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() returned error: %v", err)
	}
	if got != want {
		t.Errorf("Token() = %v, want %v", got, want)
	}
}

func TestStaticTokenProviderUpdate(t *testing.T) {
	p := NewStaticTokenProvider(&auth.Token{Value: "initial"})
	want := &auth.Token{Value: "updated", Expiry: time.Now().Add(time.Hour)}
	p.Update(want)

	got, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() returned error: %v", err)
	}
	if got != want {
		t.Errorf("Token() after Update() = %v, want %v", got, want)
	}
}

func TestStaticTokenProviderConcurrentUpdate(t *testing.T) {
	p := NewStaticTokenProvider(&auth.Token{Value: "initial"})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			p.Update(&auth.Token{Value: "racing"})
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		if _, err := p.Token(context.Background()); err != nil {
			t.Errorf("Token() returned error: %v", err)
		}
	}
	<-done
}
