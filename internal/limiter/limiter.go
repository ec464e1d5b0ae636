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

// Package limiter bounds concurrent outbound operations per string key.
//
// Each key owns a FIFO counting semaphore. Adapters acquire a global key for
// their transport family and a key for the destination host before every
// network operation:
//
//	release, err := lim.AcquireHost(ctx, limiter.FamilyHTTP, "api.example.com")
//	if err != nil {
//	    return err
//	}
//	defer release()
package limiter

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tombee/relay/internal/metrics"
)

// Transport families.
const (
	FamilyHTTP = "http"
	FamilySFTP = "sftp"
)

// Release returns a slot. Calling it more than once is a no-op.
type Release func()

// Limits configures the global and per-host limit of each family.
type Limits struct {
	HTTPGlobal  int `yaml:"http_global"`
	HTTPPerHost int `yaml:"http_per_host"`
	SFTPGlobal  int `yaml:"sftp_global"`
	SFTPPerHost int `yaml:"sftp_per_host"`
}

// DefaultLimits returns the default limits.
func DefaultLimits() Limits {
	return Limits{
		HTTPGlobal:  12,
		HTTPPerHost: 6,
		SFTPGlobal:  6,
		SFTPPerHost: 3,
	}
}

// Limiter is a set of keyed semaphores. The zero value is not usable; use New.
type Limiter struct {
	limits Limits

	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

// New creates a limiter with the given family limits.
func New(limits Limits) *Limiter {
	return &Limiter{
		limits: limits,
		slots:  make(map[string]*semaphore.Weighted),
	}
}

// Acquire blocks until a slot for key is free or ctx is done. Waiters on
// the same key are served in arrival order. limit is clamped to at least 1.
// The limit of a key is fixed by its first acquisition.
func (l *Limiter) Acquire(ctx context.Context, key string, limit int) (Release, error) {
	if limit < 1 {
		limit = 1
	}
	sem := l.semFor(key, limit)
	family := familyOf(key)

	start := time.Now()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	metrics.ObserveLimiterWait(family, time.Since(start))
	metrics.LimiterAcquired(family)

	var once sync.Once
	return func() {
		once.Do(func() {
			sem.Release(1)
			metrics.LimiterReleased(family)
		})
	}, nil
}

// AcquireHost takes the family's global slot and then the slot for host,
// returning a release for both.
func (l *Limiter) AcquireHost(ctx context.Context, family, host string) (Release, error) {
	global, perHost := l.limitsFor(family)

	releaseGlobal, err := l.Acquire(ctx, GlobalKey(family), global)
	if err != nil {
		return nil, err
	}
	releaseHost, err := l.Acquire(ctx, HostKey(family, host), perHost)
	if err != nil {
		releaseGlobal()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseHost()
			releaseGlobal()
		})
	}, nil
}

func (l *Limiter) semFor(key string, limit int) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.slots[key]
	if !ok {
		sem = semaphore.NewWeighted(int64(limit))
		l.slots[key] = sem
	}
	return sem
}

func (l *Limiter) limitsFor(family string) (global, perHost int) {
	switch family {
	case FamilySFTP:
		return l.limits.SFTPGlobal, l.limits.SFTPPerHost
	default:
		return l.limits.HTTPGlobal, l.limits.HTTPPerHost
	}
}

// GlobalKey returns the global key of a family, e.g. "http:global".
func GlobalKey(family string) string {
	return family + ":global"
}

// HostKey returns the per-destination key, e.g. "sftp:host:example.com".
func HostKey(family, host string) string {
	return family + ":host:" + strings.ToLower(host)
}

func familyOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
