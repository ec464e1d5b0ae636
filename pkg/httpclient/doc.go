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

// Package httpclient builds the HTTP client shared by the HTTP adapters and
// webhook delivery.
//
// # Usage
//
//	cfg := httpclient.DefaultConfig()
//	cfg.Logger = logger
//	client, err := httpclient.New(cfg)
//
// # Retry Behavior
//
// The client never retries. A failed exchange fails the adapter attempt and
// the runner decides whether to reschedule the run.
//
// # Security
//
//   - Sensitive query parameters (api_key, token, password, etc.) are redacted from logs
//   - Authorization headers are never logged
//   - TLS 1.2 minimum with certificate validation enabled
//
// # Observability
//
// Every request emits a log line with method, sanitized url, status and
// duration_ms: debug for success, warn for 4xx/5xx and transport errors.
// The run's correlation ID is copied into X-Correlation-ID.
package httpclient
