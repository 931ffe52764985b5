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

package document

// MutationType is the kind of a mutation.
type MutationType int

const (
	// MutationSet replaces the whole document with the given fields.
	MutationSet MutationType = iota + 1

	// MutationPatch updates only the fields named by FieldPaths.
	MutationPatch

	// MutationDelete removes the document.
	MutationDelete

	// MutationVerify asserts the existence state of the document without
	// changing it. The assertion is evaluated by the server.
	MutationVerify
)

// String returns the string representation of the mutation type.
func (t MutationType) String() string {
	switch t {
	case MutationSet:
		return "set"
	case MutationPatch:
		return "patch"
	case MutationDelete:
		return "delete"
	case MutationVerify:
		return "verify"
	default:
		return "unknown"
	}
}

// Mutation is a single key-addressed write. Applying a mutation to a document
// state is pure and deterministic: the same mutation applied to the same
// state always yields the same result.
type Mutation struct {
	// Type is the kind of this mutation.
	Type MutationType

	// Key is the document this mutation addresses.
	Key Key

	// Fields carries the values for Set and Patch mutations.
	Fields Fields

	// FieldPaths names the top-level fields a Patch mutation touches.
	FieldPaths []string

	// ExpectExists is the existence assertion of a Verify mutation.
	ExpectExists bool
}

// NewSet creates a Set mutation.
func NewSet(key Key, fields Fields) Mutation {
	return Mutation{Type: MutationSet, Key: key, Fields: fields}
}

// NewPatch creates a Patch mutation updating the given field paths.
func NewPatch(key Key, fields Fields, fieldPaths []string) Mutation {
	return Mutation{Type: MutationPatch, Key: key, Fields: fields, FieldPaths: fieldPaths}
}

// NewDelete creates a Delete mutation.
func NewDelete(key Key) Mutation {
	return Mutation{Type: MutationDelete, Key: key}
}

// NewVerify creates a Verify mutation asserting the given existence state.
func NewVerify(key Key, expectExists bool) Mutation {
	return Mutation{Type: MutationVerify, Key: key, ExpectExists: expectExists}
}

// ApplyTo applies this mutation to the given document state and returns the
// resulting state. A nil base means the document state is unknown; the result
// of applying a Set or Delete to an unknown state is still fully determined.
// Patch applied to an unknown or absent document yields no document, since
// there is nothing to patch; this is the case the sync engine resolves
// through limbo resolution.
func (m Mutation) ApplyTo(base *Document) *Document {
	switch m.Type {
	case MutationSet:
		version := VersionZero
		if base != nil {
			version = base.Version()
		}
		return New(m.Key, version, m.Fields.DeepCopy())

	case MutationPatch:
		if base == nil || !base.Exists() {
			return base
		}
		fields := base.Fields().DeepCopy()
		for _, path := range m.FieldPaths {
			if v, ok := m.Fields[path]; ok {
				fields[path] = v
			} else {
				delete(fields, path)
			}
		}
		return New(m.Key, base.Version(), fields)

	case MutationDelete:
		return NewTombstone(m.Key, VersionZero)

	case MutationVerify:
		return base

	default:
		panic("unknown mutation type")
	}
}

// MutationResult is the server-side outcome of a single mutation within an
// acknowledged batch, paired positionally with the batch's mutations.
type MutationResult struct {
	// Version is the version of the document after the mutation.
	Version Version
}

// ApplyResult applies an acknowledged mutation to the given document state
// using the server-provided result. Unlike ApplyTo, the resulting state
// carries the authoritative post-commit version.
func (m Mutation) ApplyResult(base *Document, result MutationResult) *Document {
	switch m.Type {
	case MutationSet:
		return New(m.Key, result.Version, m.Fields.DeepCopy())

	case MutationPatch:
		patched := m.ApplyTo(base)
		if patched == nil || !patched.Exists() {
			// The server accepted a patch the client could not corroborate
			// locally. Record absence at the commit version so the watch
			// stream re-delivers the document.
			return NewTombstone(m.Key, result.Version)
		}
		return New(m.Key, result.Version, patched.Fields())

	case MutationDelete:
		return NewTombstone(m.Key, result.Version)

	case MutationVerify:
		return base

	default:
		panic("unknown mutation type")
	}
}
