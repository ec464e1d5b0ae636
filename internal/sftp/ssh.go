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

package sftp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	sftpclient "github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/tombee/relay/pkg/errors"
)

// DefaultDialTimeout bounds the TCP connect and SSH handshake.
const DefaultDialTimeout = 30 * time.Second

// SSHDialer opens SFTP sessions over SSH.
type SSHDialer struct {
	Logger *slog.Logger
}

// Dial connects, authenticates and starts the SFTP subsystem.
func (d *SSHDialer) Dial(ctx context.Context, cfg Config) (Client, error) {
	if cfg.Host == "" {
		return nil, &errors.ConfigError{Key: "host", Reason: "sftp host is required"}
	}
	if cfg.User == "" {
		return nil, &errors.ConfigError{Key: "username", Reason: "sftp username is required"}
	}

	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: d.hostKeyCallback(cfg),
		Timeout:         timeout,
	}

	addr := cfg.Address()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &errors.TransportError{Op: "sftp connect", Host: cfg.Host, Cause: err}
	}

	// The handshake has no context support; bound it with a deadline.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, &errors.TransportError{Op: "ssh handshake", Host: cfg.Host, Cause: err}
	}
	_ = conn.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(sshConn, chans, reqs)
	client, err := sftpclient.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, &errors.TransportError{Op: "sftp session", Host: cfg.Host, Cause: err}
	}
	return &sshSession{ssh: sshClient, sftp: client, host: cfg.Host}, nil
}

func (d *SSHDialer) hostKeyCallback(cfg Config) ssh.HostKeyCallback {
	if cfg.HostKeyFingerprint == "" {
		logger := d.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("sftp host key not pinned; accepting any key", slog.String("host", cfg.Host))
		return ssh.InsecureIgnoreHostKey()
	}
	want := cfg.HostKeyFingerprint
	return func(_ string, _ net.Addr, key ssh.PublicKey) error {
		got := ssh.FingerprintSHA256(key)
		if got != want {
			return fmt.Errorf("host key mismatch: expected %s, got %s", want, got)
		}
		return nil
	}
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.PrivateKey != "" {
		var (
			signer ssh.Signer
			err    error
		)
		if cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(cfg.PrivateKey), []byte(cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		}
		if err != nil {
			return nil, &errors.ConfigError{Key: "private_key", Reason: "invalid private key", Cause: err}
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, &errors.ConfigError{Key: "password", Reason: "sftp password or private_key is required"}
	}
	return methods, nil
}

type sshSession struct {
	ssh  *ssh.Client
	sftp *sftpclient.Client
	host string
}

func (s *sshSession) List(dir string) ([]FileInfo, error) {
	entries, err := s.sftp.ReadDir(dir)
	if err != nil {
		return nil, s.wrap("sftp list", err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, FileInfo{
			Name:    e.Name(),
			Size:    e.Size(),
			ModTime: e.ModTime(),
			IsDir:   e.IsDir(),
		})
	}
	return out, nil
}

func (s *sshSession) Open(path string) (io.ReadCloser, error) {
	f, err := s.sftp.Open(path)
	if err != nil {
		return nil, s.wrap("sftp open", err)
	}
	return f, nil
}

func (s *sshSession) Create(path string) (io.WriteCloser, error) {
	f, err := s.sftp.Create(path)
	if err != nil {
		return nil, s.wrap("sftp create", err)
	}
	return f, nil
}

func (s *sshSession) Remove(path string) error {
	return s.wrap("sftp remove", s.sftp.Remove(path))
}

func (s *sshSession) Rename(oldPath, newPath string) error {
	return s.wrap("sftp rename", s.sftp.Rename(oldPath, newPath))
}

func (s *sshSession) MkdirAll(dir string) error {
	return s.wrap("sftp mkdir", s.sftp.MkdirAll(dir))
}

func (s *sshSession) Close() error {
	err := s.sftp.Close()
	if cerr := s.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *sshSession) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &errors.TransportError{Op: op, Host: s.host, Cause: err}
}
