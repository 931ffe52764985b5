/*
 * Copyright 2025 The Coral Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package errors

import (
	"errors"
)

// StatusError represents an error that carries a status code. It allows
// type-safe error handling with the structured codes defined in status.go.
type StatusError interface {
	error
	Status() StatusCode
}

// errorWithStatus is the internal implementation of StatusError.
type errorWithStatus struct {
	err    error
	status StatusCode
}

// Error returns the error message.
func (e errorWithStatus) Error() string {
	return e.err.Error()
}

// Status returns the error status.
func (e errorWithStatus) Status() StatusCode {
	return e.status
}

// Unwrap returns the underlying error for error chain compatibility.
func (e errorWithStatus) Unwrap() error {
	return e.err
}

// WithStatus attaches the given status code to an existing error.
func WithStatus(err error, status StatusCode) StatusError {
	return errorWithStatus{err: err, status: status}
}

// Cancelled creates a new "cancelled" error.
func Cancelled(message string) StatusError {
	return WithStatus(errors.New(message), ErrCodeCancelled)
}

// Unknown creates a new "unknown" error.
func Unknown(message string) StatusError {
	return WithStatus(errors.New(message), ErrCodeUnknown)
}

// InvalidArgument creates a new "invalid argument" error.
func InvalidArgument(message string) StatusError {
	return WithStatus(errors.New(message), ErrCodeInvalidArgument)
}

// NotFound creates a new "not found" error.
func NotFound(message string) StatusError {
	return WithStatus(errors.New(message), ErrCodeNotFound)
}

// AlreadyExists creates a new "already exists" error.
func AlreadyExists(message string) StatusError {
	return WithStatus(errors.New(message), ErrCodeAlreadyExists)
}

// PermissionDenied creates a new "permission denied" error.
func PermissionDenied(message string) StatusError {
	return WithStatus(errors.New(message), ErrCodePermissionDenied)
}

// ResourceExhausted creates a new "resource exhausted" error.
func ResourceExhausted(message string) StatusError {
	return WithStatus(errors.New(message), ErrCodeResourceExhausted)
}

// FailedPrecond creates a new "failed precondition" error.
func FailedPrecond(message string) StatusError {
	return WithStatus(errors.New(message), ErrCodeFailedPrecondition)
}

// Aborted creates a new "aborted" error.
func Aborted(message string) StatusError {
	return WithStatus(errors.New(message), ErrCodeAborted)
}

// Internal creates a new "internal" error.
func Internal(message string) StatusError {
	return WithStatus(errors.New(message), ErrCodeInternal)
}

// Unavailable creates a new "unavailable" error.
func Unavailable(message string) StatusError {
	return WithStatus(errors.New(message), ErrCodeUnavailable)
}

// Unauthenticated creates a new "unauthenticated" error.
func Unauthenticated(message string) StatusError {
	return WithStatus(errors.New(message), ErrCodeUnauthenticated)
}

// StatusOf extracts the status code from an error. If the error, or any error
// it wraps, implements StatusError the code is returned; otherwise 0.
func StatusOf(err error) StatusCode {
	if err == nil {
		return 0
	}

	var statusErr StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status()
	}

	return 0
}

// IsStatus checks if the given error has the specified status code.
func IsStatus(err error, code StatusCode) bool {
	return StatusOf(err) == code
}
