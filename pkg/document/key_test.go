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

package document_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coral-db/coral/pkg/document"
	"github.com/coral-db/coral/pkg/errors"
)

func TestKey(t *testing.T) {
	t.Run("validation test", func(t *testing.T) {
		key, err := document.NewKey("rooms/r1")
		assert.NoError(t, err)
		assert.Equal(t, "rooms/r1", key.String())

		key, err = document.NewKey("rooms/r1/messages/m1")
		assert.NoError(t, err)
		assert.Equal(t, "rooms/r1/messages", key.Collection())
		assert.Equal(t, "m1", key.ID())

		_, err = document.NewKey("")
		assert.True(t, errors.IsStatus(err, errors.ErrCodeInvalidArgument))

		// An odd number of segments points to a collection, not a document.
		_, err = document.NewKey("rooms")
		assert.True(t, errors.IsStatus(err, errors.ErrCodeInvalidArgument))
		_, err = document.NewKey("rooms/r1/messages")
		assert.True(t, errors.IsStatus(err, errors.ErrCodeInvalidArgument))

		_, err = document.NewKey("rooms//m1/x")
		assert.True(t, errors.IsStatus(err, errors.ErrCodeInvalidArgument))
	})

	t.Run("segments test", func(t *testing.T) {
		key, err := document.NewKey("rooms/r1/messages/m1")
		assert.NoError(t, err)
		assert.Equal(t, []string{"rooms", "r1", "messages", "m1"}, key.Segments())
	})

	t.Run("ordering test", func(t *testing.T) {
		a := document.Key("rooms/a")
		b := document.Key("rooms/b")
		nested := document.Key("rooms/a/messages/m1")

		assert.True(t, a.Less(b))
		assert.False(t, b.Less(a))
		assert.Zero(t, a.Compare(a))

		// A key sorts before its own sub-collection documents.
		assert.True(t, a.Less(nested))
		assert.True(t, nested.Less(b))
	})
}
