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

package errors_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coral-db/coral/pkg/errors"
)

func TestErrors(t *testing.T) {
	t.Run("status of test", func(t *testing.T) {
		err := errors.NotFound("document not found")
		assert.Equal(t, errors.ErrCodeNotFound, errors.StatusOf(err))
		assert.True(t, errors.IsStatus(err, errors.ErrCodeNotFound))
		assert.False(t, errors.IsStatus(err, errors.ErrCodeInternal))

		assert.Equal(t, errors.StatusCode(0), errors.StatusOf(nil))
		assert.Equal(t, errors.StatusCode(0), errors.StatusOf(fmt.Errorf("plain")))
	})

	t.Run("wrapped status test", func(t *testing.T) {
		err := fmt.Errorf("find lease: %w", errors.Unavailable("store down"))
		assert.Equal(t, errors.ErrCodeUnavailable, errors.StatusOf(err))

		nested := fmt.Errorf("outer: %w", err)
		assert.True(t, errors.IsStatus(nested, errors.ErrCodeUnavailable))
	})

	t.Run("with status test", func(t *testing.T) {
		cause := fmt.Errorf("dial tcp: connection refused")
		err := errors.WithStatus(cause, errors.ErrCodeUnavailable)
		assert.Equal(t, cause.Error(), err.Error())
		assert.Equal(t, errors.ErrCodeUnavailable, err.Status())
	})
}
