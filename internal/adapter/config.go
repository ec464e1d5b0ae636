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
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/tombee/relay/pkg/errors"
)

// DefaultRetries applies when an adapter config has no usable "retries".
const DefaultRetries = 2

// MaxRetries reads the "retries" key of an adapter config. Numbers and
// numeric strings are accepted; anything else yields DefaultRetries.
func MaxRetries(cfg map[string]any) int {
	switch v := cfg["retries"].(type) {
	case float64:
		if v >= 0 && v == math.Trunc(v) {
			return int(v)
		}
	case int:
		if v >= 0 {
			return v
		}
	case int64:
		if v >= 0 {
			return int(v)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return DefaultRetries
}

// decodeConfig maps the free-form adapter config onto a typed struct.
func decodeConfig(raw map[string]any, out any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return &errors.ConfigError{Reason: "adapter config is not serializable", Cause: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &errors.ConfigError{Reason: "invalid adapter config: " + err.Error(), Cause: err}
	}
	return nil
}

// parseTimeout parses an optional Go duration such as "90s".
func parseTimeout(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, &errors.ConfigError{Key: key, Reason: "invalid duration " + strconv.Quote(s), Cause: err}
	}
	return d, nil
}

func required(key, value string) error {
	if value == "" {
		return &errors.ConfigError{Key: key, Reason: key + " is required"}
	}
	return nil
}
