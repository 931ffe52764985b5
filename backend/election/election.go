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

// Package election elects a single primary among co-resident client
// instances through a lease record in the shared durable store. The lease is
// a liveness mechanism: transient dual primaries are tolerated and resolved
// by lease expiry, never by hard mutual exclusion, so no data-consistency
// invariant may depend on it.
package election

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coral-db/coral/backend/database"
	"github.com/coral-db/coral/logging"
	"github.com/coral-db/coral/pkg/async"
)

// Timer ids of the coordinator's delayed tasks.
const (
	// TimerLeaseRefresh drives lease acquisition and renewal.
	TimerLeaseRefresh async.TimerID = "primary-lease-refresh"

	// TimerClientHeartbeat drives client metadata heartbeats and pruning.
	TimerClientHeartbeat async.TimerID = "client-metadata-heartbeat"
)

// State is the role of an instance.
type State int

const (
	// StateSecondary mirrors state published by the primary.
	StateSecondary State = iota

	// StatePrimary owns the network streams and the garbage collector.
	StatePrimary
)

// String returns the string representation of the state.
func (s State) String() string {
	if s == StatePrimary {
		return "primary"
	}
	return "secondary"
}

// Config configures the coordinator.
type Config struct {
	// LeaseDuration is how long an unrenewed lease stays valid.
	LeaseDuration time.Duration `validate:"required"`

	// RenewalInterval is the period of lease renewal and takeover attempts.
	RenewalInterval time.Duration `validate:"required"`

	// ClientWindow is the heartbeat window after which a client metadata
	// row counts as inactive and is pruned.
	ClientWindow time.Duration `validate:"required"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() *Config {
	return &Config{
		LeaseDuration:   5 * time.Second,
		RenewalInterval: 2 * time.Second,
		ClientWindow:    30 * time.Second,
	}
}

// Coordinator runs the Secondary/Primary state machine of one instance. All
// transitions run as tasks on the instance's queue, driven only by observed
// lease records and timer ticks.
type Coordinator struct {
	clientID string
	db       database.Database
	queue    *async.Queue
	conf     *Config
	logger   logging.Logger

	state      State
	leaseToken string
	degraded   bool
	closed     bool

	// isPrimary mirrors state for cross-goroutine reads.
	isPrimary atomic.Bool

	// onStateChange is invoked, on the queue, after each transition.
	onStateChange func(primary bool)
}

// NewCoordinator creates a coordinator for the given instance.
func NewCoordinator(
	clientID string,
	db database.Database,
	queue *async.Queue,
	conf *Config,
	onStateChange func(primary bool),
) *Coordinator {
	if conf == nil {
		conf = DefaultConfig()
	}

	return &Coordinator{
		clientID:      clientID,
		db:            db,
		queue:         queue,
		conf:          conf,
		logger:        logging.New("election", logging.NewField("client", clientID)),
		state:         StateSecondary,
		onStateChange: onStateChange,
	}
}

// Start begins heartbeating and electing. The first cycle runs immediately.
func (c *Coordinator) Start() {
	c.queue.Enqueue(func() {
		c.heartbeat(context.Background())
		c.electionCycle(context.Background())
	})
}

// Stop releases the lease if held and cancels the coordinator's timers.
// It runs as a queue task and blocks until the transition completed.
func (c *Coordinator) Stop() {
	c.queue.EnqueueAndWait(func() {
		c.closed = true
		c.queue.Cancel(TimerLeaseRefresh)
		c.queue.Cancel(TimerClientHeartbeat)

		if c.state == StatePrimary {
			if err := c.db.ReleaseLease(context.Background(), c.clientID); err != nil {
				c.logger.Warnf("release lease: %v", err)
			}
			c.transitionTo(StateSecondary)
		}
	})
}

// IsPrimary returns whether this instance currently holds the primary role.
// Safe to call from any goroutine.
func (c *Coordinator) IsPrimary() bool {
	return c.isPrimary.Load()
}

// heartbeat upserts this instance's metadata row and prunes inactive rows.
func (c *Coordinator) heartbeat(ctx context.Context) {
	if c.closed {
		return
	}

	now := time.Now()
	if err := c.db.UpsertClient(ctx, c.clientID, now); err != nil {
		c.logger.Warnf("upsert client metadata: %v", err)
	}
	if _, err := c.db.PruneClients(ctx, now, c.conf.ClientWindow); err != nil {
		c.logger.Warnf("prune client metadata: %v", err)
	}

	c.queue.Schedule(TimerClientHeartbeat, c.conf.ClientWindow/3, func() {
		c.heartbeat(context.Background())
	})
}

// electionCycle runs one acquisition or renewal attempt and schedules the
// next one.
func (c *Coordinator) electionCycle(ctx context.Context) {
	if c.closed {
		return
	}

	switch c.state {
	case StatePrimary:
		c.renewLease(ctx)
	case StateSecondary:
		c.tryAcquireLease(ctx)
	}

	c.queue.Schedule(TimerLeaseRefresh, c.conf.RenewalInterval, func() {
		c.electionCycle(context.Background())
	})
}

// tryAcquireLease attempts a takeover. It succeeds when no unexpired lease
// exists; a visible, responsive holder blocks it.
func (c *Coordinator) tryAcquireLease(ctx context.Context) {
	lease, err := c.db.TryLease(ctx, c.clientID, "", c.conf.LeaseDuration)
	if err != nil {
		c.enterDegraded(err)
		return
	}
	c.leaveDegraded()

	if lease == nil {
		return
	}

	c.leaseToken = lease.LeaseToken
	c.transitionTo(StatePrimary)
	c.logger.Infof("primary lease acquired, expires at %s", lease.ExpiresAt.Format(time.RFC3339))
}

// renewLease renews the held lease. Losing the lease demotes to secondary.
func (c *Coordinator) renewLease(ctx context.Context) {
	lease, err := c.db.TryLease(ctx, c.clientID, c.leaseToken, c.conf.LeaseDuration)
	if err == database.ErrInvalidLeaseToken {
		c.leaseToken = ""
		c.transitionTo(StateSecondary)
		c.logger.Infof("primary lease lost")
		return
	}
	if err != nil {
		c.enterDegraded(err)
		return
	}
	c.leaveDegraded()

	c.leaseToken = lease.LeaseToken
}

// enterDegraded handles shared-store unavailability: every instance acts as
// if it were the sole primary, best effort, and must not crash.
func (c *Coordinator) enterDegraded(cause error) {
	if !c.degraded {
		c.logger.Warnf("shared store unavailable, degrading to sole-primary mode: %v", cause)
		c.degraded = true
	}
	if c.state != StatePrimary {
		c.transitionTo(StatePrimary)
	}
}

// leaveDegraded re-enters lease-governed operation once the store recovers.
func (c *Coordinator) leaveDegraded() {
	if !c.degraded {
		return
	}

	c.logger.Infof("shared store recovered, resuming lease-governed election")
	c.degraded = false
	if c.leaseToken == "" && c.state == StatePrimary {
		c.transitionTo(StateSecondary)
	}
}

// transitionTo switches the role and notifies the owner.
func (c *Coordinator) transitionTo(state State) {
	if c.state == state {
		return
	}

	c.state = state
	c.isPrimary.Store(state == StatePrimary)
	if c.onStateChange != nil {
		c.onStateChange(state == StatePrimary)
	}
}
