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
)

func TestMutation(t *testing.T) {
	key := document.Key("rooms/r1")

	t.Run("set test", func(t *testing.T) {
		set := document.NewSet(key, document.Fields{"name": "general"})

		doc := set.ApplyTo(nil)
		assert.True(t, doc.Exists())
		assert.Equal(t, document.VersionZero, doc.Version())
		name, _ := doc.Field("name")
		assert.Equal(t, "general", name)

		base := document.New(key, 7, document.Fields{"name": "old", "topic": "x"})
		doc = set.ApplyTo(base)
		assert.Equal(t, document.Version(7), doc.Version())
		_, ok := doc.Field("topic")
		assert.False(t, ok)
	})

	t.Run("set does not alias mutation fields test", func(t *testing.T) {
		fields := document.Fields{"name": "general"}
		set := document.NewSet(key, fields)

		doc := set.ApplyTo(nil)
		doc.Fields()["name"] = "changed"
		assert.Equal(t, "general", fields["name"])
	})

	t.Run("patch test", func(t *testing.T) {
		base := document.New(key, 3, document.Fields{"name": "general", "topic": "x"})
		patch := document.NewPatch(key, document.Fields{"topic": "y"}, []string{"topic"})

		doc := patch.ApplyTo(base)
		topic, _ := doc.Field("topic")
		assert.Equal(t, "y", topic)
		name, _ := doc.Field("name")
		assert.Equal(t, "general", name)

		// A field path without a value deletes the field.
		clear := document.NewPatch(key, document.Fields{}, []string{"topic"})
		doc = clear.ApplyTo(base)
		_, ok := doc.Field("topic")
		assert.False(t, ok)
	})

	t.Run("patch without base test", func(t *testing.T) {
		patch := document.NewPatch(key, document.Fields{"topic": "y"}, []string{"topic"})

		// A patch of an unknown or absent document yields no document; the
		// engine resolves this through limbo resolution.
		assert.Nil(t, patch.ApplyTo(nil))

		tomb := document.NewTombstone(key, 5)
		assert.Equal(t, tomb, patch.ApplyTo(tomb))
	})

	t.Run("delete test", func(t *testing.T) {
		del := document.NewDelete(key)
		doc := del.ApplyTo(document.New(key, 3, document.Fields{"name": "general"}))
		assert.False(t, doc.Exists())
	})

	t.Run("verify test", func(t *testing.T) {
		verify := document.NewVerify(key, true)
		base := document.New(key, 3, document.Fields{"name": "general"})
		assert.Equal(t, base, verify.ApplyTo(base))
		assert.Nil(t, verify.ApplyTo(nil))
	})

	t.Run("apply result test", func(t *testing.T) {
		set := document.NewSet(key, document.Fields{"name": "general"})
		doc := set.ApplyResult(nil, document.MutationResult{Version: 42})
		assert.True(t, doc.Exists())
		assert.Equal(t, document.Version(42), doc.Version())

		del := document.NewDelete(key)
		doc = del.ApplyResult(doc, document.MutationResult{Version: 43})
		assert.False(t, doc.Exists())
		assert.Equal(t, document.Version(43), doc.Version())
	})

	t.Run("apply result of uncorroborated patch test", func(t *testing.T) {
		patch := document.NewPatch(key, document.Fields{"topic": "y"}, []string{"topic"})

		// The server accepted the patch but the local cache has no base: the
		// result is a tombstone at the commit version, so the watch stream
		// re-delivers the authoritative state.
		doc := patch.ApplyResult(nil, document.MutationResult{Version: 42})
		assert.False(t, doc.Exists())
		assert.Equal(t, document.Version(42), doc.Version())

		base := document.New(key, 3, document.Fields{"name": "general"})
		doc = patch.ApplyResult(base, document.MutationResult{Version: 42})
		assert.True(t, doc.Exists())
		assert.Equal(t, document.Version(42), doc.Version())
		topic, _ := doc.Field("topic")
		assert.Equal(t, "y", topic)
	})
}

func TestFields(t *testing.T) {
	t.Run("deep copy test", func(t *testing.T) {
		fields := document.Fields{
			"name": "general",
			"meta": map[string]interface{}{"pinned": true},
		}

		copied := fields.DeepCopy()
		copied["name"] = "changed"
		copied["meta"].(map[string]interface{})["pinned"] = false

		assert.Equal(t, "general", fields["name"])
		assert.Equal(t, true, fields["meta"].(map[string]interface{})["pinned"])

		assert.Nil(t, document.Fields(nil).DeepCopy())
	})
}
