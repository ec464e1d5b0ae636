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

// Package secret implements 'relay secret'.
package secret

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tombee/relay/internal/commands/shared"
	"github.com/tombee/relay/internal/secrets"
)

// NewCommand creates the secret command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Encrypt secret values",
		Long: `Encrypt secret values for the secrets table.

The master key comes from RELAY_SECRETS_KEY, secrets.master_key or
secrets.key_file, the same sources the engine uses to decrypt.`,
	}
	cmd.AddCommand(newEncryptCommand())
	return cmd
}

func newEncryptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a value read from stdin",
		Long: `Encrypt a value and print the base64 ciphertext.

The value is read from stdin when piped, otherwise prompted for without echo.
Decode the output before inserting it into secrets.ciphertext.`,
		Example: `  printf '%s' "$API_TOKEN" | relay secret encrypt`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			key, err := secrets.ResolveMasterKey(cfg.Secrets.MasterKey, cfg.Secrets.KeyFile)
			if err != nil {
				return shared.NewConfigError("no master key", err)
			}

			value, err := readSecretValue(cmd)
			if err != nil {
				return shared.NewFailedError("failed to read value", err)
			}
			out, err := Encrypt(key, value)
			if err != nil {
				return shared.NewFailedError("encryption failed", err)
			}
			cmd.Println(out)
			return nil
		},
	}
}

// Encrypt seals value with key and returns base64 ciphertext.
func Encrypt(key, value string) (string, error) {
	if value == "" {
		return "", errors.New("value is empty")
	}
	cipher, err := secrets.NewCipher(key)
	if err != nil {
		return "", err
	}
	sealed, err := cipher.Encrypt(value)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// readSecretValue reads from a piped stdin or prompts on the terminal.
func readSecretValue(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()
	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		data, err := io.ReadAll(in)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}

	fmt.Fprint(cmd.ErrOrStderr(), "Enter secret value (hidden): ")
	value, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", err
	}
	return string(value), nil
}
