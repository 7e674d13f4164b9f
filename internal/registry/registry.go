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

// Package registry deduplicates proxy instances by connection-name key,
// guaranteeing at most one live instance per key under concurrent access,
// with refcounted teardown and single-flight construction.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Instance is the minimal lifecycle contract the registry needs from
// whatever a Factory produces. *proxy.Instance satisfies it.
type Instance interface {
	Start(ctx context.Context) error
	Stop()
}

// Factory constructs (but does not start) the Instance for a key. It is
// invoked at most once per entry lifetime by the goroutine that wins the
// createStarted CAS.
type Factory func() (Instance, error)

// entry is the registry's per-key bookkeeping record.
type entry struct {
	// refCount is the number of live holders of this entry's instance.
	refCount int32
	// createStarted transitions 0->1 exactly once per lifetime (1->0 only
	// on failed construction, to allow retry).
	createStarted atomic.Int32
	// authMode is set by the first successful insertion; later insertions
	// with a different mode fail. 0 means unset.
	authMode atomic.Int32

	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	instance Instance
	err      error
}

func newEntry() *entry {
	return &entry{ready: make(chan struct{})}
}

func (e *entry) resolve(inst Instance, err error) {
	e.readyOnce.Do(func() {
		e.mu.Lock()
		e.instance, e.err = inst, err
		e.mu.Unlock()
		close(e.ready)
	})
}

func (e *entry) wait(ctx context.Context) (Instance, error) {
	select {
	case <-e.ready:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.instance, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ErrDifferentAuthMode is returned by GetOrCreate when key is already
// active under a different authMode than requested.
type ErrDifferentAuthMode struct {
	Key string
}

func (e *ErrDifferentAuthMode) Error() string {
	return fmt.Sprintf("registry: %q is already active with a different authentication mode", e.Key)
}

// Registry deduplicates proxy instances by key. The zero value is ready to
// use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// GetOrCreate returns the instance registered for key, constructing it via
// factory if this is the first call for key. authMode must match any
// authMode already recorded for key, or the call fails without affecting
// the refcount. Concurrent callers for the same key share one construction
// and one outcome.
func (r *Registry) GetOrCreate(ctx context.Context, key string, authMode int32, factory Factory) (Instance, error) {
	r.mu.Lock()
	if r.entries == nil {
		r.entries = make(map[string]*entry)
	}
	e, ok := r.entries[key]
	if !ok {
		e = newEntry()
		r.entries[key] = e
	}
	r.mu.Unlock()

	if cur := e.authMode.Load(); cur != 0 && cur != authMode {
		return nil, &ErrDifferentAuthMode{Key: key}
	}
	e.authMode.CompareAndSwap(0, authMode)

	atomic.AddInt32(&e.refCount, 1)

	if e.createStarted.CompareAndSwap(0, 1) {
		go func() {
			inst, err := factory()
			if err != nil {
				e.resolve(nil, err)
				r.removeOrRetry(key, e)
				return
			}
			if err := inst.Start(context.Background()); err != nil {
				inst.Stop()
				e.resolve(nil, err)
				r.removeOrRetry(key, e)
				return
			}
			e.resolve(inst, nil)
		}()
	}

	inst, err := e.wait(ctx)
	if err != nil {
		if atomic.AddInt32(&e.refCount, -1) == 0 {
			r.removeIfSame(key, e)
		}
		return nil, err
	}
	return inst, nil
}

// removeOrRetry is called after a failed construction: it removes the
// entry from the map so a future GetOrCreate starts fresh, unless other
// waiters have already observed the entry (identified by map identity), in
// which case createStarted is reset to 0 so the next arrival retries
// construction on the same entry.
func (r *Registry) removeOrRetry(key string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[key] == e {
		delete(r.entries, key)
		return
	}
	e.createStarted.Store(0)
}

// removeIfSame removes key's entry from the map iff it is still e,
// guarding against a racing replacement.
func (r *Registry) removeIfSame(key string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[key] == e {
		delete(r.entries, key)
	}
}

// Release decrements the refcount of the entry holding inst. If the count
// reaches zero, the entry is removed and inst is stopped. If no entry is
// found, Release is a silent no-op.
func (r *Registry) Release(key string, inst Instance) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	same := e.instance == inst
	e.mu.Unlock()
	if !same {
		// the entry was replaced by a newer generation; releasing against
		// a stale reference must not affect the current generation.
		return
	}

	n := atomic.AddInt32(&e.refCount, -1)
	switch {
	case n == 0:
		r.mu.Lock()
		removed := false
		if r.entries[key] == e {
			delete(r.entries, key)
			removed = true
		}
		r.mu.Unlock()
		if removed {
			inst.Stop()
		}
	case n < 0:
		panic(fmt.Sprintf("registry: refCount went negative for key %q", key))
	}
}

// StopAll removes and stops every currently registered instance. It is a
// best-effort, process-shutdown convenience and is not synchronized against
// concurrent GetOrCreate calls.
func (r *Registry) StopAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		inst := e.instance
		e.mu.Unlock()
		if inst != nil {
			inst.Stop()
		}
	}
}
