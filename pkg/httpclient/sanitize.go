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

package httpclient

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameter names redacted from logs and request
// artifacts, matched case-insensitively as substrings.
var sensitiveParams = []string{
	"api_key",
	"apikey",
	"token",
	"password",
	"auth",
	"secret",
	"key",
	"credential",
	"signature",
}

// SanitizeURL renders u with sensitive query parameters and userinfo
// passwords redacted.
func SanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	q := u.Query()
	for param := range q {
		if isSensitiveParam(param) {
			q.Set(param, "[REDACTED]")
		}
	}

	safe := *u
	if u.RawQuery != "" {
		safe.RawQuery = q.Encode()
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		safe.User = url.UserPassword(u.User.Username(), "[REDACTED]")
	}
	return safe.String()
}

// SanitizeRawURL parses and sanitizes s. Unparseable input is returned
// unchanged.
func SanitizeRawURL(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	return SanitizeURL(u)
}

func isSensitiveParam(param string) bool {
	lower := strings.ToLower(param)
	for _, sensitive := range sensitiveParams {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}
