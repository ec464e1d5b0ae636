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

// Package sftptest provides an in-memory SFTP server for adapter tests.
package sftptest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/relay/internal/sftp"
)

// Server is an in-memory remote filesystem implementing sftp.Dialer.
type Server struct {
	mu    sync.Mutex
	files map[string]*file
	dirs  map[string]bool

	// DialErr, when set, is returned by Dial.
	DialErr error

	dials   atomic.Int64
	open    atomic.Int64
	maxOpen atomic.Int64
}

type file struct {
	data    []byte
	modTime time.Time
}

// NewServer returns an empty server with a root directory.
func NewServer() *Server {
	return &Server{
		files: make(map[string]*file),
		dirs:  map[string]bool{"/": true},
	}
}

// Put stores a file, creating parent directories.
func (s *Server) Put(p string, data []byte, modTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = path.Clean(p)
	s.mkdirAll(path.Dir(p))
	s.files[p] = &file{data: append([]byte(nil), data...), modTime: modTime}
}

// Get returns a file's content.
func (s *Server) Get(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[path.Clean(p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// Paths lists every stored file path, sorted.
func (s *Server) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.files))
	for p := range s.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Dials reports how many sessions were opened.
func (s *Server) Dials() int64 { return s.dials.Load() }

// MaxConcurrent reports the highest number of simultaneously open sessions.
func (s *Server) MaxConcurrent() int64 { return s.maxOpen.Load() }

// Dial implements sftp.Dialer.
func (s *Server) Dial(_ context.Context, _ sftp.Config) (sftp.Client, error) {
	if s.DialErr != nil {
		return nil, s.DialErr
	}
	s.dials.Add(1)
	n := s.open.Add(1)
	for {
		cur := s.maxOpen.Load()
		if n <= cur || s.maxOpen.CompareAndSwap(cur, n) {
			break
		}
	}
	return &session{srv: s}, nil
}

func (s *Server) mkdirAll(dir string) {
	for d := path.Clean(dir); ; d = path.Dir(d) {
		s.dirs[d] = true
		if d == "/" || d == "." {
			return
		}
	}
}

type session struct {
	srv    *Server
	closed atomic.Bool
}

func (c *session) List(dir string) ([]sftp.FileInfo, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	dir = path.Clean(dir)
	if !c.srv.dirs[dir] {
		return nil, fmt.Errorf("list %s: %w", dir, os.ErrNotExist)
	}
	var out []sftp.FileInfo
	for p, f := range c.srv.files {
		if path.Dir(p) == dir {
			out = append(out, sftp.FileInfo{Name: path.Base(p), Size: int64(len(f.data)), ModTime: f.modTime})
		}
	}
	for d := range c.srv.dirs {
		if d != dir && path.Dir(d) == dir {
			out = append(out, sftp.FileInfo{Name: path.Base(d), IsDir: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *session) Open(p string) (io.ReadCloser, error) {
	data, ok := c.srv.Get(p)
	if !ok {
		return nil, fmt.Errorf("open %s: %w", p, os.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *session) Create(p string) (io.WriteCloser, error) {
	p = path.Clean(p)
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if !c.srv.dirs[path.Dir(p)] {
		return nil, fmt.Errorf("create %s: %w", p, os.ErrNotExist)
	}
	return &writer{srv: c.srv, path: p}, nil
}

func (c *session) Remove(p string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	p = path.Clean(p)
	if _, ok := c.srv.files[p]; !ok {
		return fmt.Errorf("remove %s: %w", p, os.ErrNotExist)
	}
	delete(c.srv.files, p)
	return nil
}

func (c *session) Rename(oldPath, newPath string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	oldPath, newPath = path.Clean(oldPath), path.Clean(newPath)
	f, ok := c.srv.files[oldPath]
	if !ok {
		return fmt.Errorf("rename %s: %w", oldPath, os.ErrNotExist)
	}
	if !c.srv.dirs[path.Dir(newPath)] {
		return fmt.Errorf("rename to %s: %w", newPath, os.ErrNotExist)
	}
	delete(c.srv.files, oldPath)
	c.srv.files[newPath] = f
	return nil
}

func (c *session) MkdirAll(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.mkdirAll(dir)
	return nil
}

func (c *session) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.srv.open.Add(-1)
	}
	return nil
}

type writer struct {
	srv  *Server
	path string
	buf  bytes.Buffer
}

func (w *writer) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *writer) Close() error {
	w.srv.mu.Lock()
	defer w.srv.mu.Unlock()
	w.srv.files[w.path] = &file{data: w.buf.Bytes(), modTime: time.Now()}
	return nil
}
