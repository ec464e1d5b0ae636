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

package template

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// globEscaper neutralizes every doublestar metacharacter except * and ?.
var globEscaper = strings.NewReplacer(
	`\`, `\\`,
	`[`, `\[`,
	`]`, `\]`,
	`{`, `\{`,
	`}`, `\}`,
)

// MatchName reports whether a file name matches a simple glob in which
// only * and ? are wildcards. An empty pattern matches everything.
func MatchName(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := doublestar.Match(globEscaper.Replace(pattern), name)
	return err == nil && ok
}
