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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents invalid input, such as a malformed cron
// expression or an unknown timezone.
type ValidationError struct {
	// Field identifies which input failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "integration", "run", "artifact")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ConfigError represents configuration problems, both in the process
// configuration file and in an integration's adapter configuration.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "url", "database.dsn")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier. A config fix may land between
// attempts, so the runner still consumes a retry for these.
func (e *ConfigError) IsRetryable() bool { return true }

// TransportError represents a failed exchange with a remote system:
// connection failures, protocol errors and non-2xx responses.
type TransportError struct {
	// Op names the failed operation (e.g., "POST", "sftp list")
	Op string

	// Host is the remote destination
	Host string

	// StatusCode is the HTTP status code, when there was a response
	StatusCode int

	// Body holds a truncated excerpt of the response body
	Body string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	msg := e.Op
	if e.Host != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Host)
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TransportError) ErrorType() string { return "transport" }

// IsRetryable implements ErrorClassifier.
func (e *TransportError) IsRetryable() bool { return true }

// IntegrityError reports content that does not match its declared checksum.
type IntegrityError struct {
	// Name is the file that failed verification
	Name string

	// Algorithm is the checksum algorithm (sha256, md5)
	Algorithm string

	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s checksum mismatch for %s: expected %s, got %s", e.Algorithm, e.Name, e.Expected, e.Actual)
}

// ErrorType implements ErrorClassifier.
func (e *IntegrityError) ErrorType() string { return "integrity" }

// IsRetryable implements ErrorClassifier.
func (e *IntegrityError) IsRetryable() bool { return true }

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }
