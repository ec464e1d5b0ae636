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

package runner

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// safeStartSpan starts a span with panic recovery. Returns a nil span if
// tracer is nil or if a panic occurs.
func safeStartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (spanCtx context.Context, span trace.Span) {
	if tracer == nil {
		return ctx, nil
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Warn("panic during span start", "error", r, "span_name", name)
			spanCtx, span = ctx, nil
		}
	}()

	return tracer.Start(ctx, name, opts...)
}

// safeEndSpan ends a span with panic recovery.
func safeEndSpan(span trace.Span) {
	if span == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Warn("panic during span end", "error", r)
		}
	}()

	span.End()
}

func safeSetAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Warn("panic during set attributes", "error", r)
		}
	}()

	span.SetAttributes(attrs...)
}

// safeRecordError records err on the span and marks it failed.
func safeRecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Warn("panic during record error", "error", r)
		}
	}()

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func safeSetOK(span trace.Span) {
	if span == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Warn("panic during set status", "error", r)
		}
	}()

	span.SetStatus(codes.Ok, "")
}
