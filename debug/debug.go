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

// Package debug holds the logging interfaces used to report on the
// connector's internal operations. By default, logging is disabled.
package debug

import "context"

// Logger is the interface used for debug logging that does not need a
// context. Prefer ContextLogger for new code.
type Logger interface {
	Debugf(format string, args ...any)
}

// ContextLogger is the interface used for debug logging. It mirrors Logger,
// but takes a context.Context as its first parameter so implementations can
// thread request-scoped values (trace IDs, etc.) into log output.
type ContextLogger interface {
	Debugf(ctx context.Context, format string, args ...any)
}
