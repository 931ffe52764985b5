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

// TargetSnapshot is the per-target slice of a RemoteEvent: the membership
// deltas accumulated between two snapshot boundaries.
type TargetSnapshot struct {
	// ResumeToken is the cursor the target can resume from after this
	// snapshot.
	ResumeToken ResumeToken

	// Current reports whether the target has received a full consistent
	// view and is no longer serving from cache.
	Current bool

	// AddedDocuments are keys that entered the result set.
	AddedDocuments map[document.Key]struct{}

	// ModifiedDocuments are keys that changed while in the result set.
	ModifiedDocuments map[document.Key]struct{}

	// RemovedDocuments are keys that left the result set.
	RemovedDocuments map[document.Key]struct{}
}

// NewTargetSnapshot creates an empty TargetSnapshot.
func NewTargetSnapshot() *TargetSnapshot {
	return &TargetSnapshot{
		AddedDocuments:    make(map[document.Key]struct{}),
		ModifiedDocuments: make(map[document.Key]struct{}),
		RemovedDocuments:  make(map[document.Key]struct{}),
	}
}

// RemoteEvent is one consistent snapshot flushed at a snapshot boundary. It
// carries per-target membership deltas and per-document value deltas and is
// the only shape in which stream data reaches the sync engine.
type RemoteEvent struct {
	// SnapshotVersion is the version the snapshot is consistent at.
	SnapshotVersion document.Version

	// TargetChanges maps each affected target to its deltas.
	TargetChanges map[TargetID]*TargetSnapshot

	// TargetMismatches are targets whose existence filter did not match the
	// local result-set size; they must be re-listened without resume token.
	TargetMismatches []TargetID

	// DocumentUpdates are the new document states, tombstones included.
	DocumentUpdates map[document.Key]*document.Document
}
