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

// Package database provides the persistence contract of the client: cached
// documents, the durable mutation queue, listen targets, the primary lease
// and per-instance client metadata. Every method of Database is atomic;
// compound methods such as CommitSnapshot and AcknowledgeBatch execute as one
// transaction inside the implementation, all-or-nothing. Concurrent
// transactions from co-resident instances are serialized by the store, not by
// the engine.
package database

import (
	"context"
	"time"

	"github.com/coral-db/coral/core"
	"github.com/coral-db/coral/pkg/document"
	"github.com/coral-db/coral/pkg/errors"
)

var (
	// ErrDocumentNotFound is returned when the document could not be found.
	ErrDocumentNotFound = errors.NotFound("document not found")

	// ErrBatchNotFound is returned when the mutation batch could not be found.
	ErrBatchNotFound = errors.NotFound("mutation batch not found")

	// ErrTargetNotFound is returned when the target could not be found.
	ErrTargetNotFound = errors.NotFound("target not found")

	// ErrInvalidLeaseToken is returned when a lease renewal presents a token
	// that no longer matches the lease record.
	ErrInvalidLeaseToken = errors.FailedPrecond("invalid lease token")
)

// DocInfo is one row of the document cache.
type DocInfo struct {
	// Key is the document key, unique within the cache.
	Key document.Key `bson:"key"`

	// Collection is the parent collection path, kept denormalized for
	// indexed collection scans.
	Collection string `bson:"collection"`

	// Version is the last version observed for the key.
	Version document.Version `bson:"version"`

	// Fields holds the document values. Nil for a tombstone.
	Fields document.Fields `bson:"fields,omitempty"`

	// Tombstone marks known absence.
	Tombstone bool `bson:"tombstone"`

	// SequenceNumber is the tick at which the document was last referenced.
	SequenceNumber core.SequenceNumber `bson:"sequence_number"`
}

// ToDocument converts this row to a document state.
func (i *DocInfo) ToDocument() *document.Document {
	if i.Tombstone {
		return document.NewTombstone(i.Key, i.Version)
	}
	return document.New(i.Key, i.Version, i.Fields)
}

// NewDocInfo creates a row from a document state stamped with the given tick.
func NewDocInfo(doc *document.Document, seq core.SequenceNumber) *DocInfo {
	return &DocInfo{
		Key:            doc.Key(),
		Collection:     doc.Key().Collection(),
		Version:        doc.Version(),
		Fields:         doc.Fields(),
		Tombstone:      !doc.Exists(),
		SequenceNumber: seq,
	}
}

// BatchState is the lifecycle state of a mutation batch.
type BatchState int

const (
	// BatchPending means the batch has not been acknowledged yet.
	BatchPending BatchState = iota + 1

	// BatchAcknowledged means the server committed the batch. The batch
	// stays in the queue until the acknowledgment has been surfaced, then it
	// is removed.
	BatchAcknowledged
)

// String returns the string representation of the state.
func (s BatchState) String() string {
	switch s {
	case BatchPending:
		return "pending"
	case BatchAcknowledged:
		return "acknowledged"
	default:
		return "unknown"
	}
}

// MutationBatchInfo is one row of the durable mutation queue.
type MutationBatchInfo struct {
	// BatchID is the queue-wide monotonically increasing id of the batch.
	BatchID core.BatchID `bson:"batch_id"`

	// Owner is the id of the client instance that enqueued the batch.
	Owner string `bson:"owner"`

	// Mutations are the writes of the batch, in submission order.
	Mutations []document.Mutation `bson:"mutations"`

	// State is the lifecycle state of the batch.
	State BatchState `bson:"state"`

	// CommitVersion is the server commit version of an acknowledged batch.
	CommitVersion document.Version `bson:"commit_version"`

	// Results are the per-mutation outcomes of an acknowledged batch, paired
	// positionally with Mutations.
	Results []document.MutationResult `bson:"results,omitempty"`

	// EnqueuedAt is the local wall time the batch was enqueued.
	EnqueuedAt time.Time `bson:"enqueued_at"`
}

// Keys returns the set of document keys the batch touches.
func (i *MutationBatchInfo) Keys() map[document.Key]struct{} {
	keys := make(map[document.Key]struct{}, len(i.Mutations))
	for _, m := range i.Mutations {
		keys[m.Key] = struct{}{}
	}
	return keys
}

// TargetInfo is one row of the target store.
type TargetInfo struct {
	// TargetID is the locally assigned target id, unique within the store.
	TargetID core.TargetID `bson:"target_id"`

	// CanonicalID is the canonical form of the target, indexed for lookup
	// by query.
	CanonicalID string `bson:"canonical_id"`

	// Target is the subscription shape.
	Target core.Target `bson:"target"`

	// Purpose is the reason the target exists.
	Purpose core.TargetPurpose `bson:"purpose"`

	// SequenceNumber is the tick at which the target was last referenced.
	SequenceNumber core.SequenceNumber `bson:"sequence_number"`

	// SnapshotVersion is the version of the last snapshot that included the
	// target.
	SnapshotVersion document.Version `bson:"snapshot_version"`

	// ResumeToken is the cursor of the last snapshot.
	ResumeToken core.ResumeToken `bson:"resume_token"`
}

// ToTargetData converts this row to engine-level target state.
func (i *TargetInfo) ToTargetData() *core.TargetData {
	return &core.TargetData{
		Target:          i.Target,
		TargetID:        i.TargetID,
		Purpose:         i.Purpose,
		SequenceNumber:  i.SequenceNumber,
		SnapshotVersion: i.SnapshotVersion,
		ResumeToken:     i.ResumeToken,
	}
}

// NewTargetInfo creates a row from engine-level target state.
func NewTargetInfo(data *core.TargetData) *TargetInfo {
	return &TargetInfo{
		TargetID:        data.TargetID,
		CanonicalID:     data.Target.CanonicalID(),
		Target:          data.Target,
		Purpose:         data.Purpose,
		SequenceNumber:  data.SequenceNumber,
		SnapshotVersion: data.SnapshotVersion,
		ResumeToken:     data.ResumeToken,
	}
}

// LeaseInfo is the single primary-lease row shared by co-resident instances.
type LeaseInfo struct {
	// Owner is the client id holding the lease.
	Owner string `bson:"owner"`

	// LeaseToken authenticates renewals; it changes on every renewal.
	LeaseToken string `bson:"lease_token"`

	// ExpiresAt is when the lease lapses unless renewed.
	ExpiresAt time.Time `bson:"expires_at"`

	// UpdatedAt is when the lease row was last written.
	UpdatedAt time.Time `bson:"updated_at"`
}

// ClientInfo is one row of per-instance metadata, used for election only.
type ClientInfo struct {
	// ID is the client instance id.
	ID string `bson:"id"`

	// UpdatedAt is the last heartbeat of the instance.
	UpdatedAt time.Time `bson:"updated_at"`
}

// Database is the persistence contract. Implementations must guarantee
// rollback of a compound method that fails partway.
type Database interface {
	// Close closes the database.
	Close() error

	// Documents

	// FindDocument returns the cached row for the key, or nil when the key
	// has never been cached.
	FindDocument(ctx context.Context, key document.Key) (*DocInfo, error)

	// FindDocumentsInCollection returns every cached, non-tombstone row of
	// the collection, ordered by key.
	FindDocumentsInCollection(ctx context.Context, collection string) ([]*DocInfo, error)

	// SetDocuments writes the given rows, replacing existing rows per key.
	SetDocuments(ctx context.Context, docs []*DocInfo) error

	// RemoveDocuments deletes the rows of the given keys. Missing keys are
	// ignored. It returns the number of rows deleted.
	RemoveDocuments(ctx context.Context, keys []document.Key) (int, error)

	// FindDocumentsBefore returns up to limit rows whose sequence number is
	// at or below the threshold, in ascending sequence order.
	FindDocumentsBefore(ctx context.Context, threshold core.SequenceNumber, limit int) ([]*DocInfo, error)

	// DocumentSequenceNumbers returns the last-used tick of every cached
	// document.
	DocumentSequenceNumbers(ctx context.Context) ([]core.SequenceNumber, error)

	// CommitSnapshot atomically writes the document and target rows of one
	// snapshot boundary.
	CommitSnapshot(ctx context.Context, docs []*DocInfo, targets []*TargetInfo) error

	// Mutation queue

	// EnqueueMutationBatch appends a batch with the next BatchID and
	// returns it.
	EnqueueMutationBatch(ctx context.Context, owner string, mutations []document.Mutation) (*MutationBatchInfo, error)

	// FindMutationBatch returns the batch with the given id, or
	// ErrBatchNotFound.
	FindMutationBatch(ctx context.Context, id core.BatchID) (*MutationBatchInfo, error)

	// FindPendingBatches returns every batch still in the queue, for all
	// owners, in BatchID order.
	FindPendingBatches(ctx context.Context) ([]*MutationBatchInfo, error)

	// AcknowledgeBatch atomically marks the batch acknowledged with the
	// commit version and per-mutation results, and writes the resulting
	// document rows.
	AcknowledgeBatch(
		ctx context.Context,
		id core.BatchID,
		version document.Version,
		results []document.MutationResult,
		docs []*DocInfo,
	) error

	// RemoveMutationBatch removes the batch from the queue and returns it.
	RemoveMutationBatch(ctx context.Context, id core.BatchID) (*MutationBatchInfo, error)

	// FindPendingMutationKeys returns the keys addressed by any batch still
	// in the queue.
	FindPendingMutationKeys(ctx context.Context) (map[document.Key]struct{}, error)

	// Targets

	// AllocateTargetID returns the next unused target id. Allocated ids are
	// never reused, across restarts included.
	AllocateTargetID(ctx context.Context) (core.TargetID, error)

	// AddTarget inserts a target row.
	AddTarget(ctx context.Context, info *TargetInfo) error

	// UpdateTarget replaces the row of the target.
	UpdateTarget(ctx context.Context, info *TargetInfo) error

	// RemoveTarget deletes the row of the target.
	RemoveTarget(ctx context.Context, id core.TargetID) error

	// FindTarget returns the row of the target, or ErrTargetNotFound.
	FindTarget(ctx context.Context, id core.TargetID) (*TargetInfo, error)

	// FindTargetByCanonicalID returns the row matching the canonical id, or
	// nil when no such target is stored.
	FindTargetByCanonicalID(ctx context.Context, canonicalID string) (*TargetInfo, error)

	// ListTargets returns every stored target.
	ListTargets(ctx context.Context) ([]*TargetInfo, error)

	// HighestSequenceNumber returns the highest tick recorded on any target
	// or document row, for counter recovery at startup.
	HighestSequenceNumber(ctx context.Context) (core.SequenceNumber, error)

	// Lease

	// TryLease attempts to acquire or renew the primary lease. With an empty
	// token it acquires: it returns the new lease, or nil when another
	// unexpired lease exists. With a token it renews and returns
	// ErrInvalidLeaseToken when the token no longer matches.
	TryLease(ctx context.Context, owner, leaseToken string, leaseDuration time.Duration) (*LeaseInfo, error)

	// FindLease returns the current lease row, or nil when none was ever
	// written.
	FindLease(ctx context.Context) (*LeaseInfo, error)

	// ReleaseLease drops the lease if the owner still holds it.
	ReleaseLease(ctx context.Context, owner string) error

	// Client metadata

	// UpsertClient records a heartbeat for the instance.
	UpsertClient(ctx context.Context, id string, now time.Time) error

	// FindActiveClients returns instances whose heartbeat is within the
	// window ending at now.
	FindActiveClients(ctx context.Context, now time.Time, window time.Duration) ([]*ClientInfo, error)

	// PruneClients removes instances whose heartbeat is older than the
	// window ending at now. It returns the number of rows removed.
	PruneClients(ctx context.Context, now time.Time, window time.Duration) (int, error)
}
