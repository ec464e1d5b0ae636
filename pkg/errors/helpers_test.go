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

package errors_test

import (
	"errors"
	"testing"

	relayerrors "github.com/tombee/relay/pkg/errors"
)

func TestWrap(t *testing.T) {
	if relayerrors.Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should be nil")
	}

	base := errors.New("base")
	err := relayerrors.Wrapf(base, "claiming %d runs", 10)
	if err.Error() != "claiming 10 runs: base" {
		t.Errorf("got %q", err.Error())
	}
	if !relayerrors.Is(err, base) {
		t.Error("expected Is to find base")
	}
}

func TestIsNotFound(t *testing.T) {
	err := relayerrors.Wrap(&relayerrors.NotFoundError{Resource: "run", ID: "r1"}, "lookup")
	if !relayerrors.IsNotFound(err) {
		t.Error("expected not found")
	}
	if relayerrors.IsNotFound(errors.New("other")) {
		t.Error("plain error is not a not-found")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"abcdefghij", 4, "abcd..."},
		{"héllo", 2, "h..."},
	}

	for _, tt := range tests {
		if got := relayerrors.Truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
