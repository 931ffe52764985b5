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

import (
	"strings"

	"github.com/coral-db/coral/pkg/errors"
)

// Key is the immutable path of a document. It consists of slash-separated
// segments alternating between collection names and document ids, so a
// document path always has an even number of segments. Keys are totally
// ordered segment by segment.
type Key string

// NewKey creates a Key from the given path after validating it.
func NewKey(path string) (Key, error) {
	if path == "" {
		return "", errors.InvalidArgument("document key must not be empty")
	}

	segments := strings.Split(path, "/")
	if len(segments)%2 != 0 {
		return "", errors.InvalidArgument("document key must point to a document, not a collection: " + path)
	}
	for _, seg := range segments {
		if seg == "" {
			return "", errors.InvalidArgument("document key must not contain empty segments: " + path)
		}
	}

	return Key(path), nil
}

// String returns the string representation of this Key.
func (k Key) String() string {
	return string(k)
}

// Segments returns the path segments of this Key.
func (k Key) Segments() []string {
	return strings.Split(string(k), "/")
}

// Collection returns the parent collection path of this Key.
func (k Key) Collection() string {
	segments := k.Segments()
	return strings.Join(segments[:len(segments)-1], "/")
}

// ID returns the final segment of this Key.
func (k Key) ID() string {
	segments := k.Segments()
	return segments[len(segments)-1]
}

// Compare compares this Key with the other segment by segment. It returns a
// negative number, zero, or a positive number as this Key sorts before, equal
// to, or after the other.
func (k Key) Compare(other Key) int {
	a, b := k.Segments(), other.Segments()
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := strings.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

// Less reports whether this Key sorts before the other.
func (k Key) Less(other Key) bool {
	return k.Compare(other) < 0
}
