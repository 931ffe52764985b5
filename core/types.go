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

// Package core provides the types shared by the sync engine, the stream
// managers and the storage layer: targets, watch changes and remote events.
package core

import (
	"bytes"
	"fmt"

	"github.com/coral-db/coral/pkg/document"
)

// TargetID identifies a server-side listen target. It is locally assigned
// and stable for the life of the subscription.
type TargetID int32

// BatchID identifies a mutation batch. BatchIDs increase monotonically in
// enqueue order within one mutation queue.
type BatchID int64

// SequenceNumber is a tick of the process-wide logical clock. Every change to
// a target's relevance or a document's cache membership is stamped with the
// current tick; the garbage collector derives its eviction threshold from
// these ticks rather than from wall time.
type SequenceNumber int64

// ResumeToken is an opaque server-issued cursor that lets a target's stream
// resume without re-sending all prior results.
type ResumeToken []byte

// Equal reports whether two resume tokens are the same.
func (t ResumeToken) Equal(other ResumeToken) bool {
	return bytes.Equal(t, other)
}

// TargetPurpose is the reason a target exists.
type TargetPurpose int

const (
	// PurposeListen is a target serving an application listen.
	PurposeListen TargetPurpose = iota + 1

	// PurposeExistenceFilterMismatch is a target re-listened after an
	// existence filter mismatch, with its resume token discarded.
	PurposeExistenceFilterMismatch

	// PurposeLimboResolution is a single-document target resolving a limbo
	// document.
	PurposeLimboResolution
)

// String returns the string representation of the purpose.
func (p TargetPurpose) String() string {
	switch p {
	case PurposeListen:
		return "listen"
	case PurposeExistenceFilterMismatch:
		return "existence-filter-mismatch"
	case PurposeLimboResolution:
		return "limbo-resolution"
	default:
		return "unknown"
	}
}

// Target is a normalized subscription: either all documents of a collection
// or a single document key. Query planning and matching beyond this shape is
// the responsibility of an external collaborator.
type Target struct {
	// Collection is the collection path of a query target.
	Collection string

	// Key is the document key of a single-document target.
	Key document.Key
}

// NewCollectionTarget creates a target subscribing to a collection.
func NewCollectionTarget(collection string) Target {
	return Target{Collection: collection}
}

// NewDocumentTarget creates a target subscribing to a single document.
func NewDocumentTarget(key document.Key) Target {
	return Target{Key: key}
}

// IsDocumentTarget returns whether this target subscribes to a single
// document.
func (t Target) IsDocumentTarget() bool {
	return t.Key != ""
}

// CanonicalID returns a canonical string identifying this target. Two
// targets with the same CanonicalID are interchangeable.
func (t Target) CanonicalID() string {
	if t.IsDocumentTarget() {
		return "doc:" + t.Key.String()
	}
	return "col:" + t.Collection
}

// Matches reports whether a document with the given key belongs to this
// target's result set, as far as the target shape alone can tell.
func (t Target) Matches(key document.Key) bool {
	if t.IsDocumentTarget() {
		return t.Key == key
	}
	return key.Collection() == t.Collection
}

// TargetData is the locally persisted state of a target.
type TargetData struct {
	// Target is the subscription this state belongs to.
	Target Target

	// TargetID is the locally assigned id of the target.
	TargetID TargetID

	// Purpose is the reason the target exists.
	Purpose TargetPurpose

	// SequenceNumber is the tick at which the target was last referenced.
	SequenceNumber SequenceNumber

	// SnapshotVersion is the version of the last consistent snapshot that
	// included this target.
	SnapshotVersion document.Version

	// ResumeToken is the cursor of the last consistent snapshot. Once
	// advanced it never moves backwards within a session.
	ResumeToken ResumeToken
}

// NewTargetData creates TargetData for a fresh subscription.
func NewTargetData(target Target, id TargetID, purpose TargetPurpose, seq SequenceNumber) *TargetData {
	return &TargetData{
		Target:         target,
		TargetID:       id,
		Purpose:        purpose,
		SequenceNumber: seq,
	}
}

// WithResumeToken returns a copy of this TargetData with the given resume
// token and snapshot version.
func (d *TargetData) WithResumeToken(token ResumeToken, version document.Version) *TargetData {
	copied := *d
	copied.ResumeToken = token
	copied.SnapshotVersion = version
	return &copied
}

// WithSequenceNumber returns a copy of this TargetData stamped with the given
// sequence number.
func (d *TargetData) WithSequenceNumber(seq SequenceNumber) *TargetData {
	copied := *d
	copied.SequenceNumber = seq
	return &copied
}

// String returns a short description of this TargetData.
func (d *TargetData) String() string {
	return fmt.Sprintf("target(%d, %s, %s)", d.TargetID, d.Target.CanonicalID(), d.Purpose)
}

// OnlineState is the perceived connectivity to the remote endpoint.
type OnlineState int

const (
	// OnlineStateUnknown means no verdict yet; snapshots stay optimistic.
	OnlineStateUnknown OnlineState = iota

	// OnlineStateOnline means the watch stream is healthy.
	OnlineStateOnline

	// OnlineStateOffline means connection attempts keep failing; snapshots
	// are served from cache until the stream recovers.
	OnlineStateOffline
)

// String returns the string representation of the online state.
func (s OnlineState) String() string {
	switch s {
	case OnlineStateOnline:
		return "online"
	case OnlineStateOffline:
		return "offline"
	default:
		return "unknown"
	}
}
