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

// Package errors provides client-side error management with structured status
// codes shared by the sync engine, the stream managers and the storage layer.
package errors

import "fmt"

// StatusCode represents the error codes used throughout the SDK. The numeric
// values are aligned with gRPC status codes so that errors surfaced from the
// remote endpoint and errors produced locally share one taxonomy.
type StatusCode int

const (
	// ErrCodeCancelled indicates the operation was cancelled by the caller.
	ErrCodeCancelled StatusCode = 1

	// ErrCodeUnknown indicates an error of unknown origin, typically a stream
	// that closed without a terminal status.
	ErrCodeUnknown StatusCode = 2

	// ErrCodeInvalidArgument indicates that the caller specified an invalid
	// argument, problematic regardless of the state of the system.
	ErrCodeInvalidArgument StatusCode = 3

	// ErrCodeDeadlineExceeded indicates the operation expired before completion.
	ErrCodeDeadlineExceeded StatusCode = 4

	// ErrCodeNotFound indicates that a requested entity was not found.
	ErrCodeNotFound StatusCode = 5

	// ErrCodeAlreadyExists indicates that an entity the caller attempted to
	// create already exists.
	ErrCodeAlreadyExists StatusCode = 6

	// ErrCodePermissionDenied indicates that the caller does not have
	// permission to execute the specified operation.
	ErrCodePermissionDenied StatusCode = 7

	// ErrCodeResourceExhausted indicates that some resource has been
	// exhausted, perhaps a quota.
	ErrCodeResourceExhausted StatusCode = 8

	// ErrCodeFailedPrecondition indicates that the operation was rejected
	// because the system is not in a state required for its execution.
	ErrCodeFailedPrecondition StatusCode = 9

	// ErrCodeAborted indicates the operation was aborted, typically due to a
	// concurrency conflict.
	ErrCodeAborted StatusCode = 10

	// ErrCodeInternal indicates that some invariant expected by the
	// underlying system has been broken.
	ErrCodeInternal StatusCode = 13

	// ErrCodeUnavailable indicates that the service is currently unavailable.
	// This is usually temporary, so clients can back off and retry.
	ErrCodeUnavailable StatusCode = 14

	// ErrCodeUnauthenticated indicates that the request does not have valid
	// authentication credentials.
	ErrCodeUnauthenticated StatusCode = 16
)

// String returns the string representation of the status code.
func (c StatusCode) String() string {
	switch c {
	case ErrCodeCancelled:
		return "cancelled"
	case ErrCodeUnknown:
		return "unknown"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeDeadlineExceeded:
		return "deadline_exceeded"
	case ErrCodeNotFound:
		return "not_found"
	case ErrCodeAlreadyExists:
		return "already_exists"
	case ErrCodePermissionDenied:
		return "permission_denied"
	case ErrCodeResourceExhausted:
		return "resource_exhausted"
	case ErrCodeFailedPrecondition:
		return "failed_precondition"
	case ErrCodeAborted:
		return "aborted"
	case ErrCodeInternal:
		return "internal"
	case ErrCodeUnavailable:
		return "unavailable"
	case ErrCodeUnauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("code_%d", int(c))
	}
}
