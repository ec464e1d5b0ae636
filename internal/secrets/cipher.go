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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // 64MB in KB
	argon2Parallelism = 4
	argon2KeyLength   = 32 // AES-256

	saltSize     = 16
	gcmNonceSize = 12
)

// MasterKeyEnv is the environment variable holding the secrets master key.
const MasterKeyEnv = "RELAY_SECRETS_KEY"

// ErrMalformedCiphertext is returned for ciphertext shorter than its header.
var ErrMalformedCiphertext = errors.New("malformed secret ciphertext")

// Cipher seals and opens secret values. Each value carries its own salt,
// so the derived key differs per secret.
//
// Layout: salt (16) | nonce (12) | AES-GCM sealed data.
type Cipher struct {
	masterKey []byte
}

// NewCipher creates a cipher from a master key.
func NewCipher(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, errors.New("secrets master key is empty")
	}
	return &Cipher{masterKey: []byte(masterKey)}, nil
}

// Encrypt seals plaintext.
func (c *Cipher) Encrypt(plaintext string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+gcmNonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Cipher) Decrypt(data []byte) (string, error) {
	if len(data) < saltSize+gcmNonceSize {
		return "", ErrMalformedCiphertext
	}
	salt, nonce, sealed := data[:saltSize], data[saltSize:saltSize+gcmNonceSize], data[saltSize+gcmNonceSize:]

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret (wrong master key?): %w", err)
	}
	defer zeroBytes(plaintext)
	return string(plaintext), nil
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(c.masterKey, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// ResolveMasterKey returns the configured key, falling back to
// RELAY_SECRETS_KEY and then to the contents of keyFile.
func ResolveMasterKey(configured, keyFile string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if env := os.Getenv(MasterKeyEnv); env != "" {
		return env, nil
	}
	if keyFile != "" {
		if err := verifyFilePermissions(keyFile); err != nil {
			return "", fmt.Errorf("master key file %s: %w", keyFile, err)
		}
		key, err := os.ReadFile(keyFile)
		if err != nil {
			return "", fmt.Errorf("failed to read master key file: %w", err)
		}
		return string(trimNewline(key)), nil
	}
	return "", fmt.Errorf("master key not available (set %s or secrets.key_file)", MasterKeyEnv)
}

// verifyFilePermissions checks that a file has 0600 or stricter permissions.
func verifyFilePermissions(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return errors.New("file is a symlink")
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("file permissions too open (got %o, want 0600)", perm)
	}
	return nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
