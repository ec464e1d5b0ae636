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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/relay/internal/store"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

type fakeSecretStore struct {
	secrets []*store.Secret
	lookups int
	err     error
}

func (f *fakeSecretStore) FindSecrets(_ context.Context, projectID, name string) ([]*store.Secret, error) {
	f.lookups++
	if f.err != nil {
		return nil, f.err
	}
	var out []*store.Secret
	for _, s := range f.secrets {
		if s.ProjectID == projectID && s.Name == name {
			out = append(out, s)
		}
	}
	return out, nil
}

func seal(t *testing.T, c *Cipher, v string) []byte {
	t.Helper()
	b, err := c.Encrypt(v)
	require.NoError(t, err)
	return b
}

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher("master")
	require.NoError(t, err)

	sealed := seal(t, c, "s3cr3t")
	got, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", got)

	other, err := NewCipher("other")
	require.NoError(t, err)
	_, err = other.Decrypt(sealed)
	assert.Error(t, err)

	_, err = c.Decrypt([]byte{1, 2})
	assert.ErrorIs(t, err, ErrMalformedCiphertext)

	_, err = NewCipher("")
	assert.Error(t, err)
}

func TestResolver_Precedence(t *testing.T) {
	c, err := NewCipher("master")
	require.NoError(t, err)

	fs := &fakeSecretStore{secrets: []*store.Secret{
		{ProjectID: "p1", Name: "token", Ciphertext: seal(t, c, "project-token")},
		{ProjectID: "p1", IntegrationID: "int-1", Name: "token", Ciphertext: seal(t, c, "integration-token")},
		{ProjectID: "p1", IntegrationID: "int-9", Name: "token", Ciphertext: seal(t, c, "someone-else")},
	}}
	r := NewResolver(fs, c, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		ref  Ref
		want string
	}{
		{"integration scoped wins", Ref{ProjectID: "p1", IntegrationID: "int-1", Name: "token"}, "integration-token"},
		{"falls back to project", Ref{ProjectID: "p1", IntegrationID: "int-2", Name: "token"}, "project-token"},
		{"missing resolves empty", Ref{ProjectID: "p1", IntegrationID: "int-1", Name: "nope"}, ""},
		{"other project", Ref{ProjectID: "p2", Name: "token"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolver_CachesPerRun(t *testing.T) {
	c, err := NewCipher("master")
	require.NoError(t, err)
	fs := &fakeSecretStore{secrets: []*store.Secret{
		{ProjectID: "p1", Name: "token", Ciphertext: seal(t, c, "v")},
	}}
	r := NewResolver(fs, c, nil)
	ref := Ref{ProjectID: "p1", RunID: "run-1", Name: "token"}

	for i := 0; i < 3; i++ {
		v, err := r.Resolve(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, "v", v)
	}
	assert.Equal(t, 1, fs.lookups)

	r.Forget("run-1")
	_, err = r.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, 2, fs.lookups)
}

func TestResolver_Errors(t *testing.T) {
	c, err := NewCipher("master")
	require.NoError(t, err)

	boom := errors.New("db down")
	_, err = NewResolver(&fakeSecretStore{err: boom}, c, nil).Resolve(context.Background(), Ref{ProjectID: "p1", Name: "x"})
	assert.ErrorIs(t, err, boom)

	withSecret := &fakeSecretStore{secrets: []*store.Secret{{ProjectID: "p1", Name: "x", Ciphertext: seal(t, c, "v")}}}
	_, err = NewResolver(withSecret, nil, nil).Resolve(context.Background(), Ref{ProjectID: "p1", Name: "x"})
	var cfgErr *relayerrors.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestResolveMasterKey(t *testing.T) {
	t.Setenv(MasterKeyEnv, "")

	key, err := ResolveMasterKey("configured", "")
	require.NoError(t, err)
	assert.Equal(t, "configured", key)

	t.Setenv(MasterKeyEnv, "from-env")
	key, err = ResolveMasterKey("", "")
	require.NoError(t, err)
	assert.Equal(t, "from-env", key)

	t.Setenv(MasterKeyEnv, "")
	path := filepath.Join(t.TempDir(), "master.key")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))
	key, err = ResolveMasterKey("", path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", key)

	require.NoError(t, os.Chmod(path, 0o644))
	_, err = ResolveMasterKey("", path)
	assert.Error(t, err)
}
