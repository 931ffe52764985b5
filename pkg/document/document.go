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

// Package document provides the document model of the Coral client: keys,
// cached document states and the mutations that transform them.
package document

// Version is a server-issued document version. Versions observed through the
// watch stream are monotonic per key within a listen session. VersionZero
// means the version is unknown.
type Version int64

// VersionZero is the zero value of Version.
const VersionZero Version = 0

// Fields holds the field values of a document.
type Fields map[string]interface{}

// DeepCopy returns a copy of the fields. Nested maps are copied as well.
func (f Fields) DeepCopy() Fields {
	if f == nil {
		return nil
	}

	copied := make(Fields, len(f))
	for k, v := range f {
		if nested, ok := v.(map[string]interface{}); ok {
			copied[k] = map[string]interface{}(Fields(nested).DeepCopy())
			continue
		}
		copied[k] = v
	}
	return copied
}

// Document is the cached state of a single document: either present with
// field values, or known-absent (a tombstone carrying the version at which
// absence was observed).
type Document struct {
	key     Key
	version Version
	fields  Fields
	exists  bool
}

// New creates a present document with the given fields.
func New(key Key, version Version, fields Fields) *Document {
	return &Document{
		key:     key,
		version: version,
		fields:  fields,
		exists:  true,
	}
}

// NewTombstone creates a known-absent document.
func NewTombstone(key Key, version Version) *Document {
	return &Document{
		key:     key,
		version: version,
		exists:  false,
	}
}

// Key returns the key of this document.
func (d *Document) Key() Key {
	return d.key
}

// Version returns the version of this document.
func (d *Document) Version() Version {
	return d.version
}

// Fields returns the field values of this document. It returns nil for a
// tombstone.
func (d *Document) Fields() Fields {
	return d.fields
}

// Field returns the value of a single top-level field.
func (d *Document) Field(name string) (interface{}, bool) {
	if !d.exists {
		return nil, false
	}
	v, ok := d.fields[name]
	return v, ok
}

// Exists returns whether this document is present.
func (d *Document) Exists() bool {
	return d.exists
}

// DeepCopy returns a copy of this document.
func (d *Document) DeepCopy() *Document {
	return &Document{
		key:     d.key,
		version: d.version,
		fields:  d.fields.DeepCopy(),
		exists:  d.exists,
	}
}
