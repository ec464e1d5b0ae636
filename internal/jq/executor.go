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

// Package jq evaluates jq expressions against decoded JSON documents. The
// HTTP adapters use it for success assertions on response bodies.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout is the default execution time for jq expressions (1 second)
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize is the default maximum input size (10MB)
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Executor handles jq expression evaluation with timeout and size limits.
// Compiled expressions are cached; it is safe for concurrent use.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64

	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewExecutor creates a new jq executor. Zero values select the defaults.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Executor{
		timeout:      timeout,
		maxInputSize: maxInputSize,
		cache:        make(map[string]*gojq.Code),
	}
}

// Execute runs expression against data. A single result is returned as-is,
// several results as a slice and no result as nil.
func (e *Executor) Execute(ctx context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return data, nil
	}
	results, err := e.run(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Truthy reports whether expression yields at least one value and every
// value is jq-truthy (anything but false and null). An empty expression is
// true.
func (e *Executor) Truthy(ctx context.Context, expression string, data any) (bool, error) {
	if expression == "" {
		return true, nil
	}
	results, err := e.run(ctx, expression, data)
	if err != nil {
		return false, err
	}
	if len(results) == 0 {
		return false, nil
	}
	for _, v := range results {
		if v == nil || v == false {
			return false, nil
		}
	}
	return true, nil
}

func (e *Executor) run(ctx context.Context, expression string, data any) ([]any, error) {
	if err := e.validateInputSize(data); err != nil {
		return nil, err
	}
	code, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var results []any
	iter := code.RunWithContext(execCtx, data)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if execCtx.Err() != nil {
				return nil, fmt.Errorf("execution timeout after %v", e.timeout)
			}
			return nil, err
		}
		results = append(results, v)
	}
	return results, nil
}

// Validate compiles expression without running it.
func (e *Executor) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := e.compile(expression)
	return err
}

func (e *Executor) compile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err = gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}

	e.mu.Lock()
	e.cache[expression] = code
	e.mu.Unlock()
	return code, nil
}

func (e *Executor) validateInputSize(data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if int64(len(jsonData)) > e.maxInputSize {
		return fmt.Errorf("data size (%d bytes) exceeds maximum (%d bytes)",
			len(jsonData), e.maxInputSize)
	}
	return nil
}
