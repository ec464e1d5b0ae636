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

package secrets

import "sync"

// Cache holds decrypted secrets for the lifetime of one run attempt.
//
// Key derivation is deliberately slow, and a single adapter config may
// reference the same secret in several fields. Values are never persisted
// and are dropped when the runner calls Clear for the run.
type Cache struct {
	mu    sync.RWMutex
	cache map[string]map[string]string
}

// NewCache creates an empty per-run cache.
func NewCache() *Cache {
	return &Cache{cache: make(map[string]map[string]string)}
}

func (c *Cache) get(runID, key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.cache[runID][key]
	return v, ok
}

func (c *Cache) set(runID, key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache[runID] == nil {
		c.cache[runID] = make(map[string]string)
	}
	c.cache[runID][key] = value
}

// Clear removes all cached secrets for a run.
func (c *Cache) Clear(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, runID)
}

// Len returns the number of runs with cached secrets.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
