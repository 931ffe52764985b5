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

package core

import (
	"github.com/coral-db/coral/pkg/document"
)

// WatchChange is one unit of information delivered by the listen stream.
// It is a tagged union: exactly one of DocumentChange, TargetChange or
// ExistenceFilterChange.
type WatchChange interface {
	isWatchChange()
}

// DocumentChange reports that a document entered or left the result sets of
// some targets.
type DocumentChange struct {
	// UpdatedTargetIDs are the targets whose result sets now include the
	// document.
	UpdatedTargetIDs []TargetID

	// RemovedTargetIDs are the targets whose result sets no longer include
	// the document.
	RemovedTargetIDs []TargetID

	// Key is the document key the change is about.
	Key document.Key

	// Document is the new state of the document, or a tombstone when the
	// document was deleted.
	Document *document.Document
}

func (DocumentChange) isWatchChange() {}

// TargetChangeState is the state transition a TargetChange announces.
type TargetChangeState int

const (
	// TargetNoChange is a watermark. With an empty target id list it marks a
	// snapshot boundary: everything accumulated so far is consistent.
	TargetNoChange TargetChangeState = iota

	// TargetAdded acknowledges that the server started listening.
	TargetAdded

	// TargetRemoved reports that the server stopped listening, with an
	// optional cause.
	TargetRemoved

	// TargetCurrent reports that the target caught up with the server's
	// current state.
	TargetCurrent

	// TargetReset discards the target's accumulated state; the client must
	// listen again from scratch.
	TargetReset
)

// String returns the string representation of the state.
func (s TargetChangeState) String() string {
	switch s {
	case TargetNoChange:
		return "no-change"
	case TargetAdded:
		return "added"
	case TargetRemoved:
		return "removed"
	case TargetCurrent:
		return "current"
	case TargetReset:
		return "reset"
	default:
		return "unknown"
	}
}

// TargetChange reports a state transition of one or more targets. An empty
// TargetIDs slice addresses every active target.
type TargetChange struct {
	// State is the announced transition.
	State TargetChangeState

	// TargetIDs are the affected targets.
	TargetIDs []TargetID

	// ResumeToken is the cursor to resume from after this change.
	ResumeToken ResumeToken

	// Cause carries the error of a TargetRemoved transition.
	Cause error
}

func (TargetChange) isWatchChange() {}

// ExistenceFilterChange carries the server's count of documents in a
// target's result set, used to detect missed deletes.
type ExistenceFilterChange struct {
	// TargetID is the filtered target.
	TargetID TargetID

	// Count is the number of documents the server believes the target
	// matches.
	Count int
}

func (ExistenceFilterChange) isWatchChange() {}
