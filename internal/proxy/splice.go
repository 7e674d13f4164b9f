// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

// splice bidirectionally copies bytes between client and server until either
// side closes or errs, then closes both ends exactly once.
func splice(client, server net.Conn) {
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			client.Close()
			server.Close()
		})
	}

	go func() {
		buf := make([]byte, 8*1024)
		for {
			n, cErr := client.Read(buf)
			var sErr error
			if n > 0 {
				_, sErr = server.Write(buf[:n])
			}
			if cErr != nil || sErr != nil {
				cleanup()
				return
			}
		}
	}()

	buf := make([]byte, 8*1024)
	for {
		n, sErr := server.Read(buf)
		var cErr error
		if n > 0 {
			_, cErr = client.Write(buf[:n])
		}
		if sErr != nil || cErr != nil {
			cleanup()
			return
		}
	}
}

var errMaxExceeded = errors.New("proxy: max connections exceeded")

// Counter tracks the number of open connections against an optional
// maximum. A zero-valued Counter (max == 0) never refuses a connection.
type Counter struct {
	count uint64
	max   uint64
}

// NewCounter initializes a Counter with the given maximum, or no maximum if
// max is zero.
func NewCounter(max uint64) *Counter {
	return &Counter{max: max}
}

// Count reports the number of currently open connections and the
// configured maximum.
func (c *Counter) Count() (uint64, uint64) {
	return atomic.LoadUint64(&c.count), c.max
}

// Inc increments the count. The caller must invoke the returned function
// exactly once to release the slot, whether or not Inc returned an error.
func (c *Counter) Inc() (func(), error) {
	n := atomic.AddUint64(&c.count, 1)
	dec := func() { atomic.AddUint64(&c.count, ^uint64(0)) }
	if c.max > 0 && n > c.max {
		return dec, errMaxExceeded
	}
	return dec, nil
}
