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

// Package client provides the application-facing surface of the Coral
// synchronization core: listen, write and the state queries, on top of the
// sync engine.
package client

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/coral-db/coral/backend/broadcast"
	"github.com/coral-db/coral/backend/database"
	"github.com/coral-db/coral/backend/database/memory"
	"github.com/coral-db/coral/backend/database/mongo"
	"github.com/coral-db/coral/core"
	"github.com/coral-db/coral/core/remote"
	"github.com/coral-db/coral/engine"
	"github.com/coral-db/coral/logging"
	"github.com/coral-db/coral/metrics"
	"github.com/coral-db/coral/pkg/async"
	"github.com/coral-db/coral/pkg/document"
	"github.com/coral-db/coral/pkg/errors"
)

type status int

const (
	deactivated status = iota
	activated
)

// Client is one instance of the Coral client. Co-resident instances sharing
// a Database and a broadcast medium elect a primary among themselves; the
// client surface behaves identically either way.
type Client struct {
	key    string
	db     database.Database
	ownsDB bool
	medium broadcast.Medium
	queue  *async.Queue
	engine *engine.SyncEngine
	logger logging.Logger
	status status
}

// New creates a Client with the given transport.
func New(transport remote.Transport, opts ...Option) (*Client, error) {
	var options Options
	for _, opt := range opts {
		opt(&options)
	}
	if err := validator.New().Struct(&options); err != nil {
		return nil, fmt.Errorf("validate options: %w", err)
	}

	if options.LogLevel != "" {
		if err := logging.SetLogLevel(options.LogLevel); err != nil {
			return nil, err
		}
	}

	key := options.Key
	if key == "" {
		key = uuid.NewString()
	}
	logger := logging.New("client", logging.NewField("key", key))

	db := options.Database
	ownsDB := false
	if db == nil && options.Mongo != nil {
		dialed, err := mongo.Dial(logging.With(context.Background(), logger), options.Mongo)
		if err != nil {
			return nil, fmt.Errorf("dial mongo: %w", err)
		}
		db = dialed
		ownsDB = true
	}
	if db == nil {
		created, err := memory.New()
		if err != nil {
			return nil, fmt.Errorf("create memory database: %w", err)
		}
		db = created
		ownsDB = true
	}

	medium := options.Medium
	if medium == nil {
		medium = broadcast.NewHub().Attach()
	}

	tokens := options.Tokens
	if tokens == nil {
		tokens = remote.StaticToken("")
	}

	queue := async.NewQueue()
	eng := engine.NewSyncEngine(key, db, transport, tokens, medium, queue, engine.Options{
		MaxConcurrentLimboResolutions: options.MaxConcurrentLimboResolutions,
		Election:                      options.Election,
		LRU:                           options.LRU,
	})

	return &Client{
		key:    key,
		db:     db,
		ownsDB: ownsDB,
		medium: medium,
		queue:  queue,
		engine: eng,
		logger: logger,
	}, nil
}

// Activate starts the client: durable state is recovered and the instance
// joins the election.
func (c *Client) Activate(ctx context.Context) error {
	if c.status == activated {
		return nil
	}
	if err := c.engine.Start(ctx); err != nil {
		return fmt.Errorf("start sync engine: %w", err)
	}
	c.status = activated
	c.logger.Infof("client activated")
	return nil
}

// Deactivate stops the client. Pending writes stay durable and resume on
// the next activation.
func (c *Client) Deactivate(ctx context.Context) error {
	if c.status == deactivated {
		return nil
	}
	if err := c.engine.Close(); err != nil {
		return err
	}
	c.status = deactivated
	c.logger.Infof("client deactivated")
	return nil
}

// Close deactivates the client and releases its resources.
func (c *Client) Close(ctx context.Context) error {
	if err := c.Deactivate(ctx); err != nil {
		return err
	}
	if err := c.medium.Close(); err != nil {
		return err
	}
	c.queue.Close()
	if c.ownsDB {
		if err := c.db.Close(); err != nil {
			return fmt.Errorf("close database: %w", err)
		}
	}
	return nil
}

// Key returns the instance key of this client.
func (c *Client) Key() string {
	return c.key
}

// IsActive returns whether this client is activated.
func (c *Client) IsActive() bool {
	return c.status == activated
}

// Listen subscribes to a collection or a single document. The listener
// receives an initial snapshot from cache, then a snapshot per visible
// change, until Unlisten or a terminal error.
func (c *Client) Listen(ctx context.Context, target core.Target, listener engine.Listener) (core.TargetID, error) {
	if c.status != activated {
		return 0, errors.FailedPrecond("client is not activated")
	}
	return c.engine.Listen(ctx, target, listener)
}

// Unlisten removes a subscription.
func (c *Client) Unlisten(ctx context.Context, id core.TargetID) error {
	if c.status != activated {
		return errors.FailedPrecond("client is not activated")
	}
	return c.engine.Unlisten(ctx, id)
}

// Write enqueues a mutation batch. The callback fires exactly once with the
// terminal outcome of the batch, surviving stream reconnects and primary
// handovers.
func (c *Client) Write(ctx context.Context, mutations []document.Mutation, callback engine.WriteCallback) (core.BatchID, error) {
	if c.status != activated {
		return 0, errors.FailedPrecond("client is not activated")
	}
	return c.engine.Write(ctx, mutations, callback)
}

// WriteSync enqueues a mutation batch and blocks until its terminal
// outcome or context cancellation. Cancellation abandons the wait only; the
// batch stays in the durable queue.
func (c *Client) WriteSync(ctx context.Context, mutations []document.Mutation) error {
	done := make(chan error, 1)
	if _, err := c.Write(ctx, mutations, func(err error) {
		done <- err
	}); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SnapshotsInSync registers a listener invoked after every event batch that
// leaves local state consistent with what listeners have seen.
func (c *Client) SnapshotsInSync(listener func()) {
	c.engine.AddSnapshotsInSyncListener(listener)
}

// IsPrimary reports whether this instance holds the primary role.
func (c *Client) IsPrimary() bool {
	return c.engine.IsPrimary()
}

// OnlineState returns the perceived connectivity.
func (c *Client) OnlineState() core.OnlineState {
	return c.engine.OnlineState()
}

// ActiveTargets returns the ids of currently listened targets.
func (c *Client) ActiveTargets() []core.TargetID {
	return c.engine.ActiveTargets()
}

// EnqueuedLimboKeys returns limbo documents waiting for a resolution slot.
func (c *Client) EnqueuedLimboKeys() []document.Key {
	return c.engine.EnqueuedLimboKeys()
}

// ActiveLimboResolutions returns limbo documents with a dedicated watch
// target.
func (c *Client) ActiveLimboResolutions() map[document.Key]core.TargetID {
	return c.engine.ActiveLimboResolutions()
}

// Metrics returns the metrics of this client.
func (c *Client) Metrics() *metrics.Metrics {
	return c.engine.Metrics()
}
