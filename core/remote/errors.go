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

package remote

import (
	"google.golang.org/grpc/status"

	"github.com/coral-db/coral/pkg/errors"
)

// statusOf normalizes transport failures into the SDK's status taxonomy.
// Errors from gRPC-backed transports carry a grpc status; simulated
// transports attach codes through pkg/errors. A stream that closed without a
// terminal status classifies as unknown.
func statusOf(err error) errors.StatusCode {
	if err == nil {
		return 0
	}

	if code := errors.StatusOf(err); code != 0 {
		return code
	}
	if st, ok := status.FromError(err); ok {
		return errors.StatusCode(st.Code())
	}
	return errors.ErrCodeUnknown
}

// isRetryableListenError reports whether a listen stream failure preserves
// state and retries with backoff. Unauthenticated retries because the token
// may merely have expired; the manager invalidates it before reconnecting.
func isRetryableListenError(err error) bool {
	switch statusOf(err) {
	case errors.ErrCodeUnavailable,
		errors.ErrCodeDeadlineExceeded,
		errors.ErrCodeInternal,
		errors.ErrCodeUnknown,
		errors.ErrCodeUnauthenticated,
		errors.ErrCodeResourceExhausted:
		return true
	default:
		return false
	}
}

// isRetryableWriteError reports whether a write stream failure retries the
// outstanding pipeline. Resource exhaustion is terminal for the batch at the
// head of the pipeline, unlike on the listen stream.
func isRetryableWriteError(err error) bool {
	switch statusOf(err) {
	case errors.ErrCodeUnavailable,
		errors.ErrCodeDeadlineExceeded,
		errors.ErrCodeInternal,
		errors.ErrCodeUnknown,
		errors.ErrCodeUnauthenticated:
		return true
	default:
		return false
	}
}
