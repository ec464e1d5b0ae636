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

/*
Package tracing provides OpenTelemetry tracing and correlation IDs for run
execution.

Setup installs a global tracer provider exporting over OTLP/HTTP:

	provider, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
	    return err
	}
	defer provider.Shutdown(context.Background())

The runner opens one span per run execution and stores a fresh
CorrelationID in the context. The HTTP client used by adapters copies it
into the X-Correlation-ID header so that destination logs can be matched
with run notes.
*/
package tracing
