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

package runner

import "time"

// MaxBackoff caps the delay before a retry.
const MaxBackoff = 30 * time.Minute

// Backoff returns the delay before retrying after the given number of
// attempts: 2^attempts minutes, capped at MaxBackoff.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= 5 {
		return MaxBackoff
	}
	return min(time.Duration(1<<attempts)*time.Minute, MaxBackoff)
}
