// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// HeaderCorrelationID is set on every outbound adapter request.
const HeaderCorrelationID = "X-Correlation-ID"

// CorrelationID ties the log lines, spans and outbound requests of one run
// attempt together.
type CorrelationID string

type correlationKey struct{}

// NewCorrelationID returns a random hyphenated UUID.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.NewString())
}

func (c CorrelationID) String() string {
	return string(c)
}

// IsValid reports whether c is a hyphenated UUID.
func (c CorrelationID) IsValid() bool {
	return len(c) == 36 && uuid.Validate(string(c)) == nil
}

// ToContext attaches id to ctx.
func ToContext(ctx context.Context, id CorrelationID) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// FromContextOrEmpty returns the correlation ID on ctx, or "".
func FromContextOrEmpty(ctx context.Context) CorrelationID {
	id, _ := ctx.Value(correlationKey{}).(CorrelationID)
	return id
}

// InjectIntoRequest copies the correlation ID on ctx into req's headers.
func InjectIntoRequest(ctx context.Context, req *http.Request) {
	if id := FromContextOrEmpty(ctx); id != "" {
		req.Header.Set(HeaderCorrelationID, id.String())
	}
}
