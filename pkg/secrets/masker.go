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

// Package secrets provides masking of resolved secret values in text that
// is persisted or logged, such as request artifacts and run notes.
package secrets

import (
	"sort"
	"strings"
	"sync"
)

// Redacted replaces masked values.
const Redacted = "***"

// Masker replaces registered secret values and sensitive header values.
// It is safe for concurrent use.
type Masker struct {
	mu      sync.RWMutex
	secrets map[string]struct{}

	// headerHints are lowercase substrings of header names whose values are
	// always masked.
	headerHints []string
}

// NewMasker creates a masker with the default sensitive header hints.
func NewMasker() *Masker {
	return &Masker{
		secrets: make(map[string]struct{}),
		headerHints: []string{
			"authorization",
			"token",
			"secret",
			"api-key",
			"apikey",
			"password",
			"cookie",
		},
	}
}

// AddSecret registers a value to be masked.
func (m *Masker) AddSecret(value string) {
	if value == "" {
		return
	}
	m.mu.Lock()
	m.secrets[value] = struct{}{}
	m.mu.Unlock()
}

// Mask replaces all registered secrets in s. Longer secrets are replaced
// first so that a secret containing another is fully hidden.
func (m *Masker) Mask(s string) string {
	m.mu.RLock()
	values := make([]string, 0, len(m.secrets))
	for v := range m.secrets {
		values = append(values, v)
	}
	m.mu.RUnlock()

	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	for _, v := range values {
		s = strings.ReplaceAll(s, v, Redacted)
	}
	return s
}

// MaskValue masks secrets in nested strings, maps and slices. Other values
// are returned unchanged.
func (m *Masker) MaskValue(v any) any {
	switch val := v.(type) {
	case string:
		return m.Mask(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = m.MaskValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = m.MaskValue(item)
		}
		return out
	default:
		return v
	}
}

// MaskHeaders returns a copy of headers with sensitive values hidden.
func (m *Masker) MaskHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if m.sensitiveHeader(k) {
			out[k] = Redacted
			continue
		}
		out[k] = m.Mask(v)
	}
	return out
}

func (m *Masker) sensitiveHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range m.headerHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
