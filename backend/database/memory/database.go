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

// Package memory implements the database interface using an in-memory
// database. It is the default store and the one used in tests.
package memory

import (
	"context"
	"fmt"
	gotime "time"

	"github.com/hashicorp/go-memdb"
	"github.com/rs/xid"

	"github.com/coral-db/coral/backend/database"
	"github.com/coral-db/coral/core"
	"github.com/coral-db/coral/pkg/document"
)

const metadataID = "singleton"

// metadataRecord carries the allocation counters.
type metadataRecord struct {
	ID              string
	HighestTargetID core.TargetID
	HighestBatchID  core.BatchID
}

// leaseRecord wraps LeaseInfo with a fixed ID for storage.
type leaseRecord struct {
	ID string
	*database.LeaseInfo
}

const leaseID = "primary"

// DB is an in-memory database.
type DB struct {
	db *memdb.MemDB
}

// New returns a new in-memory database.
func New() (*DB, error) {
	memDB, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("new memdb: %w", err)
	}

	return &DB{
		db: memDB,
	}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return nil
}

func copyDocInfo(info *database.DocInfo) *database.DocInfo {
	copied := *info
	copied.Fields = info.Fields.DeepCopy()
	return &copied
}

func copyBatchInfo(info *database.MutationBatchInfo) *database.MutationBatchInfo {
	copied := *info
	copied.Mutations = append([]document.Mutation(nil), info.Mutations...)
	copied.Results = append([]document.MutationResult(nil), info.Results...)
	return &copied
}

func copyTargetInfo(info *database.TargetInfo) *database.TargetInfo {
	copied := *info
	copied.ResumeToken = append(core.ResumeToken(nil), info.ResumeToken...)
	return &copied
}

// FindDocument returns the cached row for the key, or nil.
func (d *DB) FindDocument(_ context.Context, key document.Key) (*database.DocInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tblDocuments, "id", key.String())
	if err != nil {
		return nil, fmt.Errorf("find document of %s: %w", key, err)
	}
	if raw == nil {
		return nil, nil
	}

	return copyDocInfo(raw.(*database.DocInfo)), nil
}

// FindDocumentsInCollection returns the cached present documents of the
// collection in key order.
func (d *DB) FindDocumentsInCollection(_ context.Context, collection string) ([]*database.DocInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tblDocuments, "collection", collection)
	if err != nil {
		return nil, fmt.Errorf("find documents in %s: %w", collection, err)
	}

	var infos []*database.DocInfo
	for raw := it.Next(); raw != nil; raw = it.Next() {
		info := raw.(*database.DocInfo)
		if info.Tombstone {
			continue
		}
		infos = append(infos, copyDocInfo(info))
	}
	return infos, nil
}

// SetDocuments writes the given rows.
func (d *DB) SetDocuments(_ context.Context, docs []*database.DocInfo) error {
	txn := d.db.Txn(true)
	defer txn.Abort()

	for _, doc := range docs {
		if err := txn.Insert(tblDocuments, copyDocInfo(doc)); err != nil {
			return fmt.Errorf("insert document of %s: %w", doc.Key, err)
		}
	}

	txn.Commit()
	return nil
}

// RemoveDocuments deletes the rows of the given keys.
func (d *DB) RemoveDocuments(_ context.Context, keys []document.Key) (int, error) {
	txn := d.db.Txn(true)
	defer txn.Abort()

	removed := 0
	for _, key := range keys {
		raw, err := txn.First(tblDocuments, "id", key.String())
		if err != nil {
			return 0, fmt.Errorf("find document of %s: %w", key, err)
		}
		if raw == nil {
			continue
		}
		if err := txn.Delete(tblDocuments, raw); err != nil {
			return 0, fmt.Errorf("delete document of %s: %w", key, err)
		}
		removed++
	}

	txn.Commit()
	return removed, nil
}

// FindDocumentsBefore returns up to limit rows with sequence number at or
// below the threshold, in ascending sequence order.
func (d *DB) FindDocumentsBefore(
	_ context.Context,
	threshold core.SequenceNumber,
	limit int,
) ([]*database.DocInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tblDocuments, "sequence_number")
	if err != nil {
		return nil, fmt.Errorf("scan documents by sequence: %w", err)
	}

	var infos []*database.DocInfo
	for raw := it.Next(); raw != nil; raw = it.Next() {
		info := raw.(*database.DocInfo)
		if info.SequenceNumber > threshold {
			break
		}
		infos = append(infos, copyDocInfo(info))
		if limit > 0 && len(infos) >= limit {
			break
		}
	}
	return infos, nil
}

// DocumentSequenceNumbers returns the last-used tick of every cached document.
func (d *DB) DocumentSequenceNumbers(_ context.Context) ([]core.SequenceNumber, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tblDocuments, "id")
	if err != nil {
		return nil, fmt.Errorf("scan documents: %w", err)
	}

	var seqs []core.SequenceNumber
	for raw := it.Next(); raw != nil; raw = it.Next() {
		seqs = append(seqs, raw.(*database.DocInfo).SequenceNumber)
	}
	return seqs, nil
}

// CommitSnapshot atomically writes the document and target rows of one
// snapshot boundary.
func (d *DB) CommitSnapshot(
	_ context.Context,
	docs []*database.DocInfo,
	targets []*database.TargetInfo,
) error {
	txn := d.db.Txn(true)
	defer txn.Abort()

	for _, doc := range docs {
		if err := txn.Insert(tblDocuments, copyDocInfo(doc)); err != nil {
			return fmt.Errorf("insert document of %s: %w", doc.Key, err)
		}
	}
	for _, target := range targets {
		if err := txn.Insert(tblTargets, copyTargetInfo(target)); err != nil {
			return fmt.Errorf("insert target %d: %w", target.TargetID, err)
		}
	}

	txn.Commit()
	return nil
}

// EnqueueMutationBatch appends a batch with the next BatchID.
func (d *DB) EnqueueMutationBatch(
	_ context.Context,
	owner string,
	mutations []document.Mutation,
) (*database.MutationBatchInfo, error) {
	txn := d.db.Txn(true)
	defer txn.Abort()

	meta, err := d.loadMetadata(txn)
	if err != nil {
		return nil, err
	}
	meta.HighestBatchID++

	info := &database.MutationBatchInfo{
		BatchID:    meta.HighestBatchID,
		Owner:      owner,
		Mutations:  append([]document.Mutation(nil), mutations...),
		State:      database.BatchPending,
		EnqueuedAt: gotime.Now(),
	}

	if err := txn.Insert(tblMutations, info); err != nil {
		return nil, fmt.Errorf("insert mutation batch %d: %w", info.BatchID, err)
	}
	if err := txn.Insert(tblMetadata, meta); err != nil {
		return nil, fmt.Errorf("update metadata: %w", err)
	}

	txn.Commit()
	return copyBatchInfo(info), nil
}

// FindMutationBatch returns the batch with the given id.
func (d *DB) FindMutationBatch(_ context.Context, id core.BatchID) (*database.MutationBatchInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tblMutations, "id", int64(id))
	if err != nil {
		return nil, fmt.Errorf("find mutation batch %d: %w", id, err)
	}
	if raw == nil {
		return nil, database.ErrBatchNotFound
	}

	return copyBatchInfo(raw.(*database.MutationBatchInfo)), nil
}

// FindPendingBatches returns every queued batch in BatchID order.
func (d *DB) FindPendingBatches(_ context.Context) ([]*database.MutationBatchInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tblMutations, "id")
	if err != nil {
		return nil, fmt.Errorf("scan mutation batches: %w", err)
	}

	var infos []*database.MutationBatchInfo
	for raw := it.Next(); raw != nil; raw = it.Next() {
		infos = append(infos, copyBatchInfo(raw.(*database.MutationBatchInfo)))
	}
	return infos, nil
}

// AcknowledgeBatch marks the batch acknowledged and writes the resulting
// document rows in one transaction.
func (d *DB) AcknowledgeBatch(
	_ context.Context,
	id core.BatchID,
	version document.Version,
	results []document.MutationResult,
	docs []*database.DocInfo,
) error {
	txn := d.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tblMutations, "id", int64(id))
	if err != nil {
		return fmt.Errorf("find mutation batch %d: %w", id, err)
	}
	if raw == nil {
		return database.ErrBatchNotFound
	}

	info := copyBatchInfo(raw.(*database.MutationBatchInfo))
	info.State = database.BatchAcknowledged
	info.CommitVersion = version
	info.Results = append([]document.MutationResult(nil), results...)

	if err := txn.Insert(tblMutations, info); err != nil {
		return fmt.Errorf("update mutation batch %d: %w", id, err)
	}
	for _, doc := range docs {
		if err := txn.Insert(tblDocuments, copyDocInfo(doc)); err != nil {
			return fmt.Errorf("insert document of %s: %w", doc.Key, err)
		}
	}

	txn.Commit()
	return nil
}

// RemoveMutationBatch removes the batch from the queue and returns it.
func (d *DB) RemoveMutationBatch(_ context.Context, id core.BatchID) (*database.MutationBatchInfo, error) {
	txn := d.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tblMutations, "id", int64(id))
	if err != nil {
		return nil, fmt.Errorf("find mutation batch %d: %w", id, err)
	}
	if raw == nil {
		return nil, database.ErrBatchNotFound
	}

	if err := txn.Delete(tblMutations, raw); err != nil {
		return nil, fmt.Errorf("delete mutation batch %d: %w", id, err)
	}

	txn.Commit()
	return copyBatchInfo(raw.(*database.MutationBatchInfo)), nil
}

// FindPendingMutationKeys returns the keys addressed by any queued batch.
func (d *DB) FindPendingMutationKeys(_ context.Context) (map[document.Key]struct{}, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tblMutations, "id")
	if err != nil {
		return nil, fmt.Errorf("scan mutation batches: %w", err)
	}

	keys := make(map[document.Key]struct{})
	for raw := it.Next(); raw != nil; raw = it.Next() {
		for key := range raw.(*database.MutationBatchInfo).Keys() {
			keys[key] = struct{}{}
		}
	}
	return keys, nil
}

// AllocateTargetID returns the next unused target id.
func (d *DB) AllocateTargetID(_ context.Context) (core.TargetID, error) {
	txn := d.db.Txn(true)
	defer txn.Abort()

	meta, err := d.loadMetadata(txn)
	if err != nil {
		return 0, err
	}
	meta.HighestTargetID++

	if err := txn.Insert(tblMetadata, meta); err != nil {
		return 0, fmt.Errorf("update metadata: %w", err)
	}

	txn.Commit()
	return meta.HighestTargetID, nil
}

// AddTarget inserts a target row.
func (d *DB) AddTarget(_ context.Context, info *database.TargetInfo) error {
	txn := d.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(tblTargets, copyTargetInfo(info)); err != nil {
		return fmt.Errorf("insert target %d: %w", info.TargetID, err)
	}

	txn.Commit()
	return nil
}

// UpdateTarget replaces the row of the target.
func (d *DB) UpdateTarget(_ context.Context, info *database.TargetInfo) error {
	return d.AddTarget(context.Background(), info)
}

// RemoveTarget deletes the row of the target.
func (d *DB) RemoveTarget(_ context.Context, id core.TargetID) error {
	txn := d.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tblTargets, "id", int32(id))
	if err != nil {
		return fmt.Errorf("find target %d: %w", id, err)
	}
	if raw == nil {
		return database.ErrTargetNotFound
	}

	if err := txn.Delete(tblTargets, raw); err != nil {
		return fmt.Errorf("delete target %d: %w", id, err)
	}

	txn.Commit()
	return nil
}

// FindTarget returns the row of the target.
func (d *DB) FindTarget(_ context.Context, id core.TargetID) (*database.TargetInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tblTargets, "id", int32(id))
	if err != nil {
		return nil, fmt.Errorf("find target %d: %w", id, err)
	}
	if raw == nil {
		return nil, database.ErrTargetNotFound
	}

	return copyTargetInfo(raw.(*database.TargetInfo)), nil
}

// FindTargetByCanonicalID returns the first listen target matching the
// canonical id, or nil. Limbo-resolution targets are never shared, so they
// are skipped.
func (d *DB) FindTargetByCanonicalID(_ context.Context, canonicalID string) (*database.TargetInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tblTargets, "canonical_id", canonicalID)
	if err != nil {
		return nil, fmt.Errorf("find target by %s: %w", canonicalID, err)
	}

	for raw := it.Next(); raw != nil; raw = it.Next() {
		info := raw.(*database.TargetInfo)
		if info.Purpose == core.PurposeLimboResolution {
			continue
		}
		return copyTargetInfo(info), nil
	}
	return nil, nil
}

// ListTargets returns every stored target.
func (d *DB) ListTargets(_ context.Context) ([]*database.TargetInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tblTargets, "id")
	if err != nil {
		return nil, fmt.Errorf("scan targets: %w", err)
	}

	var infos []*database.TargetInfo
	for raw := it.Next(); raw != nil; raw = it.Next() {
		infos = append(infos, copyTargetInfo(raw.(*database.TargetInfo)))
	}
	return infos, nil
}

// HighestSequenceNumber returns the highest tick on any target or document.
func (d *DB) HighestSequenceNumber(_ context.Context) (core.SequenceNumber, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	var highest core.SequenceNumber

	it, err := txn.GetReverse(tblDocuments, "sequence_number")
	if err != nil {
		return 0, fmt.Errorf("scan documents by sequence: %w", err)
	}
	if raw := it.Next(); raw != nil {
		highest = raw.(*database.DocInfo).SequenceNumber
	}

	targets, err := txn.Get(tblTargets, "id")
	if err != nil {
		return 0, fmt.Errorf("scan targets: %w", err)
	}
	for raw := targets.Next(); raw != nil; raw = targets.Next() {
		if seq := raw.(*database.TargetInfo).SequenceNumber; seq > highest {
			highest = seq
		}
	}

	return highest, nil
}

// TryLease attempts to acquire or renew the primary lease.
func (d *DB) TryLease(
	_ context.Context,
	owner string,
	leaseToken string,
	leaseDuration gotime.Duration,
) (*database.LeaseInfo, error) {
	txn := d.db.Txn(true)
	defer txn.Abort()

	now := gotime.Now()
	expiresAt := now.Add(leaseDuration)

	raw, err := txn.First(tblLeases, "id", leaseID)
	if err != nil {
		return nil, fmt.Errorf("find lease: %w", err)
	}

	var existing *database.LeaseInfo
	if raw != nil {
		existing = raw.(*leaseRecord).LeaseInfo
	}

	if leaseToken == "" {
		// Acquiring: blocked by another owner's unexpired lease. An owner
		// re-acquiring its own lease (e.g. after losing the token on a
		// restart) is allowed.
		if existing != nil && existing.Owner != owner && existing.ExpiresAt.After(now) {
			return nil, nil
		}
	} else {
		if existing == nil || existing.LeaseToken != leaseToken ||
			existing.Owner != owner || existing.ExpiresAt.Before(now) {
			return nil, database.ErrInvalidLeaseToken
		}
	}

	lease := &database.LeaseInfo{
		Owner:      owner,
		LeaseToken: xid.New().String(),
		ExpiresAt:  expiresAt,
		UpdatedAt:  now,
	}

	if err := txn.Insert(tblLeases, &leaseRecord{ID: leaseID, LeaseInfo: lease}); err != nil {
		return nil, fmt.Errorf("insert lease: %w", err)
	}

	txn.Commit()
	copied := *lease
	return &copied, nil
}

// FindLease returns the current lease row, or nil.
func (d *DB) FindLease(_ context.Context) (*database.LeaseInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tblLeases, "id", leaseID)
	if err != nil {
		return nil, fmt.Errorf("find lease: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	copied := *raw.(*leaseRecord).LeaseInfo
	return &copied, nil
}

// ReleaseLease drops the lease if the owner still holds it.
func (d *DB) ReleaseLease(_ context.Context, owner string) error {
	txn := d.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tblLeases, "id", leaseID)
	if err != nil {
		return fmt.Errorf("find lease: %w", err)
	}
	if raw == nil || raw.(*leaseRecord).Owner != owner {
		return nil
	}

	if err := txn.Delete(tblLeases, raw); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}

	txn.Commit()
	return nil
}

// UpsertClient records a heartbeat for the instance.
func (d *DB) UpsertClient(_ context.Context, id string, now gotime.Time) error {
	txn := d.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(tblClients, &database.ClientInfo{ID: id, UpdatedAt: now}); err != nil {
		return fmt.Errorf("insert client of %s: %w", id, err)
	}

	txn.Commit()
	return nil
}

// FindActiveClients returns instances whose heartbeat is within the window.
func (d *DB) FindActiveClients(
	_ context.Context,
	now gotime.Time,
	window gotime.Duration,
) ([]*database.ClientInfo, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tblClients, "id")
	if err != nil {
		return nil, fmt.Errorf("scan clients: %w", err)
	}

	cutoff := now.Add(-window)
	var infos []*database.ClientInfo
	for raw := it.Next(); raw != nil; raw = it.Next() {
		info := raw.(*database.ClientInfo)
		if info.UpdatedAt.Before(cutoff) {
			continue
		}
		copied := *info
		infos = append(infos, &copied)
	}
	return infos, nil
}

// PruneClients removes instances whose heartbeat is older than the window.
func (d *DB) PruneClients(_ context.Context, now gotime.Time, window gotime.Duration) (int, error) {
	txn := d.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tblClients, "id")
	if err != nil {
		return 0, fmt.Errorf("scan clients: %w", err)
	}

	cutoff := now.Add(-window)
	var stale []interface{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if raw.(*database.ClientInfo).UpdatedAt.Before(cutoff) {
			stale = append(stale, raw)
		}
	}
	for _, raw := range stale {
		if err := txn.Delete(tblClients, raw); err != nil {
			return 0, fmt.Errorf("delete client: %w", err)
		}
	}

	txn.Commit()
	return len(stale), nil
}

// loadMetadata returns the metadata record of the given transaction,
// creating it on first use.
func (d *DB) loadMetadata(txn *memdb.Txn) (*metadataRecord, error) {
	raw, err := txn.First(tblMetadata, "id", metadataID)
	if err != nil {
		return nil, fmt.Errorf("find metadata: %w", err)
	}
	if raw == nil {
		return &metadataRecord{ID: metadataID}, nil
	}

	copied := *raw.(*metadataRecord)
	return &copied, nil
}
