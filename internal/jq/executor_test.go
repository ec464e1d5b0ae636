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

package jq

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExecutor_Execute(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		data       any
		want       any
		wantErr    bool
	}{
		{
			name:       "empty expression returns data as-is",
			expression: "",
			data:       map[string]any{"foo": "bar"},
			want:       map[string]any{"foo": "bar"},
		},
		{
			name:       "simple field extraction",
			expression: ".foo",
			data:       map[string]any{"foo": "bar"},
			want:       "bar",
		},
		{
			name:       "array map",
			expression: "map(.x)",
			data:       []any{map[string]any{"x": float64(1)}, map[string]any{"x": float64(2)}},
			want:       []any{float64(1), float64(2)},
		},
		{
			name:       "multiple outputs",
			expression: ".[]",
			data:       []any{"a", "b"},
			want:       []any{"a", "b"},
		},
		{
			name:       "no output",
			expression: "empty",
			data:       map[string]any{},
			want:       nil,
		},
		{
			name:       "invalid expression",
			expression: ".[",
			data:       map[string]any{"foo": "bar"},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor := NewExecutor(DefaultTimeout, DefaultMaxInputSize)
			got, err := executor.Execute(context.Background(), tt.expression, tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecutor_Truthy(t *testing.T) {
	doc := map[string]any{
		"status": "ok",
		"errors": []any{},
		"items":  []any{map[string]any{"ok": true}, map[string]any{"ok": true}},
	}
	tests := []struct {
		expression string
		want       bool
	}{
		{"", true},
		{".status == \"ok\"", true},
		{".status == \"failed\"", false},
		{".errors | length == 0", true},
		{".missing", false},
		{".items[].ok", true},
		{"empty", false},
		{".status", true},
	}
	executor := NewExecutor(0, 0)
	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			got, err := executor.Truthy(context.Background(), tt.expression, doc)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecutor_Validate(t *testing.T) {
	executor := NewExecutor(DefaultTimeout, DefaultMaxInputSize)
	assert.NoError(t, executor.Validate(""))
	assert.NoError(t, executor.Validate(".foo"))
	assert.Error(t, executor.Validate(".["))
}

func TestExecutor_Timeout(t *testing.T) {
	executor := NewExecutor(100*time.Millisecond, DefaultMaxInputSize)

	// Infinite loop.
	_, err := executor.Execute(context.Background(), "until(false; . + 1)", 0)
	if assert.Error(t, err) {
		assert.True(t, strings.Contains(err.Error(), "timeout"))
	}
}

func TestExecutor_MaxInputSize(t *testing.T) {
	executor := NewExecutor(DefaultTimeout, 8)
	_, err := executor.Execute(context.Background(), ".", map[string]any{"long": "0123456789"})
	assert.Error(t, err)
}
