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
	"path"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// DefaultFilename is used when sanitizing leaves nothing.
const DefaultFilename = "file"

// RenderFilename applies filename and date tokens to tmpl and sanitizes the
// result into a single path segment.
//
//	${NAME}      original file name, e.g. report.csv
//	${BASENAME}  name without extension, e.g. report
//	${EXT}       extension including the dot, e.g. .csv
//	${YYYY} ${MM} ${DD} ${HH} ${mm} ${ss}  parts of at
func RenderFilename(tmpl, original string, at time.Time) string {
	ext := path.Ext(original)
	r := strings.NewReplacer(append(dateTokens(at),
		"${NAME}", original,
		"${BASENAME}", strings.TrimSuffix(original, ext),
		"${EXT}", ext,
	)...)
	return SanitizeFilename(r.Replace(tmpl))
}

// RenderDir applies date tokens to a directory template such as
// /archive/${YYYY}/${MM}/${DD}. Separators are preserved while ".", ".."
// and empty segments are removed.
func RenderDir(tmpl string, at time.Time) string {
	rendered := strings.NewReplacer(dateTokens(at)...).Replace(tmpl)
	rendered = stripControl(strings.ReplaceAll(rendered, `\`, "/"))

	var kept []string
	for _, seg := range strings.Split(rendered, "/") {
		seg = strings.TrimSpace(seg)
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		kept = append(kept, seg)
	}
	dir := strings.Join(kept, "/")
	if strings.HasPrefix(tmpl, "/") {
		return "/" + dir
	}
	if dir == "" {
		return "."
	}
	return dir
}

// SanitizeFilename turns name into one safe path segment: control
// characters are stripped, path segments that are empty, "." or ".." are
// dropped and the rest are joined with "_".
func SanitizeFilename(name string) string {
	name = norm.NFC.String(stripControl(name))

	var kept []string
	for _, seg := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		seg = strings.TrimSpace(seg)
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		kept = append(kept, seg)
	}
	out := strings.Join(kept, "_")
	if out == "" || strings.Trim(out, ".") == "" {
		return DefaultFilename
	}
	return out
}

func dateTokens(at time.Time) []string {
	return []string{
		"${YYYY}", at.Format("2006"),
		"${MM}", at.Format("01"),
		"${DD}", at.Format("02"),
		"${HH}", at.Format("15"),
		"${mm}", at.Format("04"),
		"${ss}", at.Format("05"),
	}
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
