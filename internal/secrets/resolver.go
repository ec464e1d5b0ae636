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

import (
	"context"

	"github.com/tombee/relay/internal/store"
	"github.com/tombee/relay/pkg/errors"
)

// Ref identifies a secret lookup.
type Ref struct {
	ProjectID     string
	IntegrationID string
	// RunID scopes caching. Empty disables the cache.
	RunID string
	Name  string
}

func (r Ref) cacheKey() string {
	return r.ProjectID + "\x00" + r.IntegrationID + "\x00" + r.Name
}

// Resolver reads secrets from the store and decrypts them.
type Resolver struct {
	store  store.SecretStore
	cipher *Cipher
	cache  *Cache
}

// NewResolver creates a resolver. cipher may be nil when no master key is
// configured; lookups of existing secrets then fail with a ConfigError.
func NewResolver(st store.SecretStore, cipher *Cipher, cache *Cache) *Resolver {
	if cache == nil {
		cache = NewCache()
	}
	return &Resolver{store: st, cipher: cipher, cache: cache}
}

// Resolve returns the decrypted value of the most specific secret named
// ref.Name: one scoped to the integration wins over a project-wide one.
// A secret that does not exist resolves to the empty string.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (string, error) {
	if ref.RunID != "" {
		if v, ok := r.cache.get(ref.RunID, ref.cacheKey()); ok {
			return v, nil
		}
	}

	candidates, err := r.store.FindSecrets(ctx, ref.ProjectID, ref.Name)
	if err != nil {
		return "", errors.Wrapf(err, "looking up secret %s", ref.Name)
	}

	var match *store.Secret
	for _, s := range candidates {
		switch {
		case ref.IntegrationID != "" && s.IntegrationID == ref.IntegrationID:
			match = s
		case s.IntegrationID == "" && match == nil:
			match = s
		}
		if match != nil && match.IntegrationID != "" {
			break
		}
	}
	if match == nil {
		return "", nil
	}

	if r.cipher == nil {
		return "", &errors.ConfigError{Key: "secrets.master_key", Reason: "secret " + ref.Name + " exists but no master key is configured"}
	}
	value, err := r.cipher.Decrypt(match.Ciphertext)
	if err != nil {
		return "", &errors.ConfigError{Key: "secret " + ref.Name, Reason: "cannot be decrypted", Cause: err}
	}

	if ref.RunID != "" {
		r.cache.set(ref.RunID, ref.cacheKey(), value)
	}
	return value, nil
}

// Forget drops cached values for a run.
func (r *Resolver) Forget(runID string) {
	r.cache.Clear(runID)
}
