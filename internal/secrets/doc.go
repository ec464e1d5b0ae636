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
Package secrets resolves encrypted secrets referenced by adapter templates.

Secrets live in the secrets table, scoped to a project and optionally to a
single integration. When both scopes define the same name, the integration
scoped value wins. A name that is not defined resolves to the empty string.

# Encryption

Values are sealed with AES-256-GCM. The key is derived per value with
Argon2id from the master key (RELAY_SECRETS_KEY) and a random salt stored in
front of the nonce:

	salt (16 bytes) | nonce (12 bytes) | ciphertext+tag

Use `relay secret encrypt` to produce values for the table.

# Caching

Decrypted values are cached per run and cleared by the runner once the
attempt finishes.
*/
package secrets
