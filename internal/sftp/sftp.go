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

// Package sftp abstracts the file-transfer connections used by the
// sftp_pull and sftp_push adapters.
package sftp

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"
)

// DefaultPort is the SSH port used when none is configured.
const DefaultPort = 22

// FileInfo describes a remote directory entry.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Client is an open file-transfer session. Paths are remote,
// slash-separated paths.
type Client interface {
	List(dir string) ([]FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	Remove(path string) error
	Rename(oldPath, newPath string) error
	MkdirAll(dir string) error
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Client, error)
}

// Config holds connection settings decoded from adapter configuration.
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"username"`

	// Password and PrivateKey are usually ${SECRET:...} placeholders.
	Password   string `json:"password"`
	PrivateKey string `json:"private_key"`
	Passphrase string `json:"passphrase"`

	// HostKeyFingerprint pins the server key, in ssh-keygen SHA256:... form.
	HostKeyFingerprint string `json:"host_key_fingerprint"`

	Timeout time.Duration `json:"-"`
}

// Address returns host:port.
func (c Config) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}
