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

package adapter

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/relay/internal/sftp"
	"github.com/tombee/relay/pkg/errors"
)

// fileEnv is the environment of a sftp_pull "where" expression, e.g.
//
//	size > 0 && age_minutes >= 5 && ext == ".csv"
type fileEnv struct {
	Name       string    `expr:"name"`
	Ext        string    `expr:"ext"`
	Size       int64     `expr:"size"`
	Modified   time.Time `expr:"modified"`
	AgeMinutes float64   `expr:"age_minutes"`
}

func newFileEnv(fi sftp.FileInfo, now time.Time) fileEnv {
	return fileEnv{
		Name:       fi.Name,
		Ext:        strings.ToLower(path.Ext(fi.Name)),
		Size:       fi.Size,
		Modified:   fi.ModTime,
		AgeMinutes: now.Sub(fi.ModTime).Minutes(),
	}
}

// filterCache compiles "where" expressions once per adapter.
type filterCache struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newFilterCache() *filterCache {
	return &filterCache{cache: make(map[string]*vm.Program)}
}

// match evaluates expression against one file. An empty expression matches.
func (c *filterCache) match(expression string, env fileEnv) (bool, error) {
	if expression == "" {
		return true, nil
	}
	program, err := c.compile(expression)
	if err != nil {
		return false, &errors.ConfigError{Key: "where", Reason: fmt.Sprintf("failed to compile expression: %s", err.Error()), Cause: err}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, &errors.ValidationError{Field: "where", Message: fmt.Sprintf("expression evaluation failed for %s: %s", env.Name, err.Error())}
	}
	ok, _ := out.(bool)
	return ok, nil
}

func (c *filterCache) compile(expression string) (*vm.Program, error) {
	c.mu.RLock()
	if prog, ok := c.cache[expression]; ok {
		c.mu.RUnlock()
		return prog, nil
	}
	c.mu.RUnlock()

	prog, err := expr.Compile(expression, expr.Env(fileEnv{}), expr.AsBool())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[expression] = prog
	c.mu.Unlock()
	return prog, nil
}
