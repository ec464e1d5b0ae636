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

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	pkgerrors "github.com/tombee/relay/pkg/errors"
)

// Exit codes
const (
	ExitSuccess     = 0
	ExitFailed      = 1
	ExitConfigError = 2
	ExitNotFound    = 3
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewFailedError creates an error for a command that could not complete.
func NewFailedError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitFailed, Message: msg, Cause: cause}
}

// NewConfigError creates an error for an unusable configuration.
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitConfigError, Message: msg, Cause: cause}
}

// NewNotFoundError creates an error for a missing integration or run.
func NewNotFoundError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitNotFound, Message: msg, Cause: cause}
}

// ExitCode maps an error to the process exit code. Errors that are not an
// ExitError are classified by their pkg/errors type.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch pkgerrors.Type(err) {
	case "config":
		return ExitConfigError
	case "not_found":
		return ExitNotFound
	default:
		return ExitFailed
	}
}

// HandleExitError prints err and exits with its code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	os.Exit(printError(os.Stderr, err))
}

func printError(w io.Writer, err error) int {
	fmt.Fprintln(w, "Error:", err.Error())
	return ExitCode(err)
}
