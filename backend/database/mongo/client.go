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

// Package mongo implements the database interface using MongoDB. It is the
// durable variant of the store, sharing the schema described in the database
// package.
package mongo

import (
	"context"
	gotime "time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/coral-db/coral/backend/database"
	"github.com/coral-db/coral/core"
	"github.com/coral-db/coral/logging"
	"github.com/coral-db/coral/pkg/document"
	"github.com/rs/xid"

	"fmt"
)

const (
	colDocuments = "documents"
	colMutations = "mutations"
	colTargets   = "targets"
	colLeases    = "leases"
	colClients   = "clients"
	colMetadata  = "metadata"

	metadataID = "singleton"
	leaseID    = "primary"
)

// Config is the configuration for creating a Client instance.
type Config struct {
	ConnectionTimeout gotime.Duration `validate:"required"`
	ConnectionURI     string          `validate:"required,url"`
	CoralDatabase     string          `validate:"required"`
	PingTimeout       gotime.Duration `validate:"required"`
}

// Client is a MongoDB-backed database implementation.
type Client struct {
	config *Config
	client *mongo.Client
}

// Dial creates a new client connected per the given configuration. The
// caller's logger, if any, rides on the context.
func Dial(ctx context.Context, conf *Config) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, conf.ConnectionTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(conf.ConnectionURI))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", conf.ConnectionURI, err)
	}

	ctxPing, cancelPing := context.WithTimeout(ctx, conf.PingTimeout)
	defer cancelPing()

	if err := client.Ping(ctxPing, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping %s: %w", conf.ConnectionURI, err)
	}

	if err := ensureIndexes(ctx, client.Database(conf.CoralDatabase)); err != nil {
		return nil, err
	}

	logging.From(ctx).Infof("connected, URI: %s, DB: %s", conf.ConnectionURI, conf.CoralDatabase)

	return &Client{
		config: conf,
		client: client,
	}, nil
}

// Close closes the client.
func (c *Client) Close() error {
	if err := c.client.Disconnect(context.Background()); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

func (c *Client) collection(name string) *mongo.Collection {
	return c.client.Database(c.config.CoralDatabase).Collection(name)
}

// withTransaction runs the given work inside a server-side transaction.
func (c *Client) withTransaction(
	ctx context.Context,
	work func(ctx mongo.SessionContext) error,
) error {
	session, err := c.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	if _, err := session.WithTransaction(ctx, func(sctx mongo.SessionContext) (interface{}, error) {
		return nil, work(sctx)
	}); err != nil {
		return fmt.Errorf("run transaction: %w", err)
	}
	return nil
}

// FindDocument returns the cached row for the key, or nil.
func (c *Client) FindDocument(ctx context.Context, key document.Key) (*database.DocInfo, error) {
	info := database.DocInfo{}
	res := c.collection(colDocuments).FindOne(ctx, bson.M{"key": key.String()})
	if res.Err() == mongo.ErrNoDocuments {
		return nil, nil
	}
	if res.Err() != nil {
		return nil, fmt.Errorf("find document of %s: %w", key, res.Err())
	}
	if err := res.Decode(&info); err != nil {
		return nil, fmt.Errorf("decode document of %s: %w", key, err)
	}
	return &info, nil
}

// FindDocumentsInCollection returns the cached present documents of the
// collection in key order.
func (c *Client) FindDocumentsInCollection(ctx context.Context, collection string) ([]*database.DocInfo, error) {
	cursor, err := c.collection(colDocuments).Find(ctx, bson.M{
		"collection": collection,
		"tombstone":  false,
	}, options.Find().SetSort(bson.M{"key": 1}))
	if err != nil {
		return nil, fmt.Errorf("find documents in %s: %w", collection, err)
	}

	var infos []*database.DocInfo
	if err := cursor.All(ctx, &infos); err != nil {
		return nil, fmt.Errorf("decode documents in %s: %w", collection, err)
	}
	return infos, nil
}

// SetDocuments writes the given rows.
func (c *Client) SetDocuments(ctx context.Context, docs []*database.DocInfo) error {
	if len(docs) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(docs))
	for _, doc := range docs {
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"key": doc.Key.String()}).
			SetReplacement(doc).
			SetUpsert(true))
	}

	if _, err := c.collection(colDocuments).BulkWrite(ctx, models); err != nil {
		return fmt.Errorf("bulk write documents: %w", err)
	}
	return nil
}

// RemoveDocuments deletes the rows of the given keys.
func (c *Client) RemoveDocuments(ctx context.Context, keys []document.Key) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	raw := make([]string, 0, len(keys))
	for _, key := range keys {
		raw = append(raw, key.String())
	}

	res, err := c.collection(colDocuments).DeleteMany(ctx, bson.M{"key": bson.M{"$in": raw}})
	if err != nil {
		return 0, fmt.Errorf("delete documents: %w", err)
	}
	return int(res.DeletedCount), nil
}

// FindDocumentsBefore returns up to limit rows with sequence number at or
// below the threshold, in ascending sequence order.
func (c *Client) FindDocumentsBefore(
	ctx context.Context,
	threshold core.SequenceNumber,
	limit int,
) ([]*database.DocInfo, error) {
	opts := options.Find().SetSort(bson.M{"sequence_number": 1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := c.collection(colDocuments).Find(ctx, bson.M{
		"sequence_number": bson.M{"$lte": int64(threshold)},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("find documents before %d: %w", threshold, err)
	}

	var infos []*database.DocInfo
	if err := cursor.All(ctx, &infos); err != nil {
		return nil, fmt.Errorf("decode documents before %d: %w", threshold, err)
	}
	return infos, nil
}

// DocumentSequenceNumbers returns the last-used tick of every cached document.
func (c *Client) DocumentSequenceNumbers(ctx context.Context) ([]core.SequenceNumber, error) {
	cursor, err := c.collection(colDocuments).Find(ctx, bson.M{},
		options.Find().SetProjection(bson.M{"sequence_number": 1}))
	if err != nil {
		return nil, fmt.Errorf("scan document sequences: %w", err)
	}

	var rows []struct {
		SequenceNumber core.SequenceNumber `bson:"sequence_number"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode document sequences: %w", err)
	}

	seqs := make([]core.SequenceNumber, 0, len(rows))
	for _, row := range rows {
		seqs = append(seqs, row.SequenceNumber)
	}
	return seqs, nil
}

// CommitSnapshot atomically writes the document and target rows of one
// snapshot boundary.
func (c *Client) CommitSnapshot(
	ctx context.Context,
	docs []*database.DocInfo,
	targets []*database.TargetInfo,
) error {
	return c.withTransaction(ctx, func(sctx mongo.SessionContext) error {
		if err := c.SetDocuments(sctx, docs); err != nil {
			return err
		}
		for _, target := range targets {
			if err := c.UpdateTarget(sctx, target); err != nil {
				return err
			}
		}
		return nil
	})
}

// EnqueueMutationBatch appends a batch with the next BatchID.
func (c *Client) EnqueueMutationBatch(
	ctx context.Context,
	owner string,
	mutations []document.Mutation,
) (*database.MutationBatchInfo, error) {
	id, err := c.nextCounter(ctx, "highest_batch_id")
	if err != nil {
		return nil, err
	}

	info := &database.MutationBatchInfo{
		BatchID:    core.BatchID(id),
		Owner:      owner,
		Mutations:  append([]document.Mutation(nil), mutations...),
		State:      database.BatchPending,
		EnqueuedAt: gotime.Now(),
	}

	if _, err := c.collection(colMutations).InsertOne(ctx, info); err != nil {
		return nil, fmt.Errorf("insert mutation batch %d: %w", info.BatchID, err)
	}
	return info, nil
}

// FindMutationBatch returns the batch with the given id.
func (c *Client) FindMutationBatch(ctx context.Context, id core.BatchID) (*database.MutationBatchInfo, error) {
	info := database.MutationBatchInfo{}
	res := c.collection(colMutations).FindOne(ctx, bson.M{"batch_id": int64(id)})
	if res.Err() == mongo.ErrNoDocuments {
		return nil, database.ErrBatchNotFound
	}
	if res.Err() != nil {
		return nil, fmt.Errorf("find mutation batch %d: %w", id, res.Err())
	}
	if err := res.Decode(&info); err != nil {
		return nil, fmt.Errorf("decode mutation batch %d: %w", id, err)
	}
	return &info, nil
}

// FindPendingBatches returns every queued batch in BatchID order.
func (c *Client) FindPendingBatches(ctx context.Context) ([]*database.MutationBatchInfo, error) {
	cursor, err := c.collection(colMutations).Find(ctx, bson.M{},
		options.Find().SetSort(bson.M{"batch_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("scan mutation batches: %w", err)
	}

	var infos []*database.MutationBatchInfo
	if err := cursor.All(ctx, &infos); err != nil {
		return nil, fmt.Errorf("decode mutation batches: %w", err)
	}
	return infos, nil
}

// AcknowledgeBatch marks the batch acknowledged and writes the resulting
// document rows in one transaction.
func (c *Client) AcknowledgeBatch(
	ctx context.Context,
	id core.BatchID,
	version document.Version,
	results []document.MutationResult,
	docs []*database.DocInfo,
) error {
	return c.withTransaction(ctx, func(sctx mongo.SessionContext) error {
		res, err := c.collection(colMutations).UpdateOne(sctx, bson.M{
			"batch_id": int64(id),
		}, bson.M{
			"$set": bson.M{
				"state":          database.BatchAcknowledged,
				"commit_version": int64(version),
				"results":        results,
			},
		})
		if err != nil {
			return fmt.Errorf("update mutation batch %d: %w", id, err)
		}
		if res.MatchedCount == 0 {
			return database.ErrBatchNotFound
		}

		return c.SetDocuments(sctx, docs)
	})
}

// RemoveMutationBatch removes the batch from the queue and returns it.
func (c *Client) RemoveMutationBatch(ctx context.Context, id core.BatchID) (*database.MutationBatchInfo, error) {
	info := database.MutationBatchInfo{}
	res := c.collection(colMutations).FindOneAndDelete(ctx, bson.M{"batch_id": int64(id)})
	if res.Err() == mongo.ErrNoDocuments {
		return nil, database.ErrBatchNotFound
	}
	if res.Err() != nil {
		return nil, fmt.Errorf("delete mutation batch %d: %w", id, res.Err())
	}
	if err := res.Decode(&info); err != nil {
		return nil, fmt.Errorf("decode mutation batch %d: %w", id, err)
	}
	return &info, nil
}

// FindPendingMutationKeys returns the keys addressed by any queued batch.
func (c *Client) FindPendingMutationKeys(ctx context.Context) (map[document.Key]struct{}, error) {
	batches, err := c.FindPendingBatches(ctx)
	if err != nil {
		return nil, err
	}

	keys := make(map[document.Key]struct{})
	for _, batch := range batches {
		for key := range batch.Keys() {
			keys[key] = struct{}{}
		}
	}
	return keys, nil
}

// AllocateTargetID returns the next unused target id.
func (c *Client) AllocateTargetID(ctx context.Context) (core.TargetID, error) {
	id, err := c.nextCounter(ctx, "highest_target_id")
	if err != nil {
		return 0, err
	}
	return core.TargetID(id), nil
}

// AddTarget inserts a target row.
func (c *Client) AddTarget(ctx context.Context, info *database.TargetInfo) error {
	return c.UpdateTarget(ctx, info)
}

// UpdateTarget replaces the row of the target.
func (c *Client) UpdateTarget(ctx context.Context, info *database.TargetInfo) error {
	if _, err := c.collection(colTargets).ReplaceOne(ctx, bson.M{
		"target_id": int32(info.TargetID),
	}, info, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("replace target %d: %w", info.TargetID, err)
	}
	return nil
}

// RemoveTarget deletes the row of the target.
func (c *Client) RemoveTarget(ctx context.Context, id core.TargetID) error {
	res, err := c.collection(colTargets).DeleteOne(ctx, bson.M{"target_id": int32(id)})
	if err != nil {
		return fmt.Errorf("delete target %d: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return database.ErrTargetNotFound
	}
	return nil
}

// FindTarget returns the row of the target.
func (c *Client) FindTarget(ctx context.Context, id core.TargetID) (*database.TargetInfo, error) {
	info := database.TargetInfo{}
	res := c.collection(colTargets).FindOne(ctx, bson.M{"target_id": int32(id)})
	if res.Err() == mongo.ErrNoDocuments {
		return nil, database.ErrTargetNotFound
	}
	if res.Err() != nil {
		return nil, fmt.Errorf("find target %d: %w", id, res.Err())
	}
	if err := res.Decode(&info); err != nil {
		return nil, fmt.Errorf("decode target %d: %w", id, err)
	}
	return &info, nil
}

// FindTargetByCanonicalID returns the first listen target matching the
// canonical id, or nil.
func (c *Client) FindTargetByCanonicalID(ctx context.Context, canonicalID string) (*database.TargetInfo, error) {
	info := database.TargetInfo{}
	res := c.collection(colTargets).FindOne(ctx, bson.M{
		"canonical_id": canonicalID,
		"purpose":      bson.M{"$ne": int(core.PurposeLimboResolution)},
	})
	if res.Err() == mongo.ErrNoDocuments {
		return nil, nil
	}
	if res.Err() != nil {
		return nil, fmt.Errorf("find target by %s: %w", canonicalID, res.Err())
	}
	if err := res.Decode(&info); err != nil {
		return nil, fmt.Errorf("decode target by %s: %w", canonicalID, err)
	}
	return &info, nil
}

// ListTargets returns every stored target.
func (c *Client) ListTargets(ctx context.Context) ([]*database.TargetInfo, error) {
	cursor, err := c.collection(colTargets).Find(ctx, bson.M{},
		options.Find().SetSort(bson.M{"target_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("scan targets: %w", err)
	}

	var infos []*database.TargetInfo
	if err := cursor.All(ctx, &infos); err != nil {
		return nil, fmt.Errorf("decode targets: %w", err)
	}
	return infos, nil
}

// HighestSequenceNumber returns the highest tick on any target or document.
func (c *Client) HighestSequenceNumber(ctx context.Context) (core.SequenceNumber, error) {
	var highest core.SequenceNumber

	row := struct {
		SequenceNumber core.SequenceNumber `bson:"sequence_number"`
	}{}

	res := c.collection(colDocuments).FindOne(ctx, bson.M{},
		options.FindOne().SetSort(bson.M{"sequence_number": -1}))
	if res.Err() == nil {
		if err := res.Decode(&row); err != nil {
			return 0, fmt.Errorf("decode document sequence: %w", err)
		}
		highest = row.SequenceNumber
	} else if res.Err() != mongo.ErrNoDocuments {
		return 0, fmt.Errorf("find highest document sequence: %w", res.Err())
	}

	res = c.collection(colTargets).FindOne(ctx, bson.M{},
		options.FindOne().SetSort(bson.M{"sequence_number": -1}))
	if res.Err() == nil {
		if err := res.Decode(&row); err != nil {
			return 0, fmt.Errorf("decode target sequence: %w", err)
		}
		if row.SequenceNumber > highest {
			highest = row.SequenceNumber
		}
	} else if res.Err() != mongo.ErrNoDocuments {
		return 0, fmt.Errorf("find highest target sequence: %w", res.Err())
	}

	return highest, nil
}

// TryLease attempts to acquire or renew the primary lease.
func (c *Client) TryLease(
	ctx context.Context,
	owner string,
	leaseToken string,
	leaseDuration gotime.Duration,
) (*database.LeaseInfo, error) {
	now := gotime.Now()
	lease := &database.LeaseInfo{
		Owner:      owner,
		LeaseToken: xid.New().String(),
		ExpiresAt:  now.Add(leaseDuration),
		UpdatedAt:  now,
	}

	var filter bson.M
	if leaseToken == "" {
		// Acquire: no row, an expired row, or our own row.
		filter = bson.M{
			"_id": leaseID,
			"$or": bson.A{
				bson.M{"owner": owner},
				bson.M{"expires_at": bson.M{"$lt": now}},
			},
		}
	} else {
		filter = bson.M{
			"_id":         leaseID,
			"owner":       owner,
			"lease_token": leaseToken,
			"expires_at":  bson.M{"$gte": now},
		}
	}

	res := c.collection(colLeases).FindOneAndUpdate(ctx, filter, bson.M{
		"$set": bson.M{
			"owner":       lease.Owner,
			"lease_token": lease.LeaseToken,
			"expires_at":  lease.ExpiresAt,
			"updated_at":  lease.UpdatedAt,
		},
	}, options.FindOneAndUpdate().SetReturnDocument(options.After))

	if res.Err() == mongo.ErrNoDocuments {
		if leaseToken != "" {
			return nil, database.ErrInvalidLeaseToken
		}

		// No matching row. Either the lease is held by a live owner, or the
		// row does not exist yet; insert resolves the race via the _id key.
		if _, err := c.collection(colLeases).InsertOne(ctx, bson.M{
			"_id":         leaseID,
			"owner":       lease.Owner,
			"lease_token": lease.LeaseToken,
			"expires_at":  lease.ExpiresAt,
			"updated_at":  lease.UpdatedAt,
		}); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("insert lease: %w", err)
		}
		return lease, nil
	}
	if res.Err() != nil {
		return nil, fmt.Errorf("update lease: %w", res.Err())
	}

	return lease, nil
}

// FindLease returns the current lease row, or nil.
func (c *Client) FindLease(ctx context.Context) (*database.LeaseInfo, error) {
	info := database.LeaseInfo{}
	res := c.collection(colLeases).FindOne(ctx, bson.M{"_id": leaseID})
	if res.Err() == mongo.ErrNoDocuments {
		return nil, nil
	}
	if res.Err() != nil {
		return nil, fmt.Errorf("find lease: %w", res.Err())
	}
	if err := res.Decode(&info); err != nil {
		return nil, fmt.Errorf("decode lease: %w", err)
	}
	return &info, nil
}

// ReleaseLease drops the lease if the owner still holds it.
func (c *Client) ReleaseLease(ctx context.Context, owner string) error {
	if _, err := c.collection(colLeases).DeleteOne(ctx, bson.M{
		"_id":   leaseID,
		"owner": owner,
	}); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return nil
}

// UpsertClient records a heartbeat for the instance.
func (c *Client) UpsertClient(ctx context.Context, id string, now gotime.Time) error {
	if _, err := c.collection(colClients).UpdateOne(ctx, bson.M{
		"id": id,
	}, bson.M{
		"$set": bson.M{"updated_at": now},
	}, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("upsert client of %s: %w", id, err)
	}
	return nil
}

// FindActiveClients returns instances whose heartbeat is within the window.
func (c *Client) FindActiveClients(
	ctx context.Context,
	now gotime.Time,
	window gotime.Duration,
) ([]*database.ClientInfo, error) {
	cursor, err := c.collection(colClients).Find(ctx, bson.M{
		"updated_at": bson.M{"$gte": now.Add(-window)},
	})
	if err != nil {
		return nil, fmt.Errorf("scan clients: %w", err)
	}

	var infos []*database.ClientInfo
	if err := cursor.All(ctx, &infos); err != nil {
		return nil, fmt.Errorf("decode clients: %w", err)
	}
	return infos, nil
}

// PruneClients removes instances whose heartbeat is older than the window.
func (c *Client) PruneClients(ctx context.Context, now gotime.Time, window gotime.Duration) (int, error) {
	res, err := c.collection(colClients).DeleteMany(ctx, bson.M{
		"updated_at": bson.M{"$lt": now.Add(-window)},
	})
	if err != nil {
		return 0, fmt.Errorf("prune clients: %w", err)
	}
	return int(res.DeletedCount), nil
}

// nextCounter atomically increments and returns the named allocation counter.
func (c *Client) nextCounter(ctx context.Context, name string) (int64, error) {
	res := c.collection(colMetadata).FindOneAndUpdate(ctx, bson.M{
		"_id": metadataID,
	}, bson.M{
		"$inc": bson.M{name: int64(1)},
	}, options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After))
	if res.Err() != nil {
		return 0, fmt.Errorf("increment %s: %w", name, res.Err())
	}

	raw := bson.M{}
	if err := res.Decode(&raw); err != nil {
		return 0, fmt.Errorf("decode %s: %w", name, err)
	}

	switch v := raw[name].(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("unexpected counter type for %s", name)
	}
}
