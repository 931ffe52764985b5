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

package remote

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/coral-db/coral/core"
	"github.com/coral-db/coral/logging"
	"github.com/coral-db/coral/pkg/async"
	"github.com/coral-db/coral/pkg/errors"
)

// Timer ids of the listen stream's delayed tasks.
const (
	// TimerListenBackoff delays stream reconnection attempts.
	TimerListenBackoff async.TimerID = "listen-stream-connection-backoff"

	// TimerOnlineStateTimeout demotes a connection attempt that neither
	// succeeds nor fails within the timeout to offline.
	TimerOnlineStateTimeout async.TimerID = "online-state-timeout"
)

// connectionTimeout is how long a connection attempt may stay in the
// unknown online state before the client reports offline.
const connectionTimeout = 10 * time.Second

// maxListenFailuresBeforeOffline is the number of consecutive stream
// failures after which the client reports offline.
const maxListenFailuresBeforeOffline = 1

// ListenDelegate receives the outcomes of the listen stream. All methods are
// invoked from tasks on the instance queue.
type ListenDelegate interface {
	// HandleRemoteEvent delivers one consistent snapshot. The delegate
	// commits it atomically and advances resume tokens.
	HandleRemoteEvent(event *core.RemoteEvent)

	// HandleTargetError reports a server-side removal of one target with a
	// terminal cause. The delegate surfaces the error to the target's
	// listeners and drops the target.
	HandleTargetError(id core.TargetID, err error)

	// HandleOnlineStateChange reports online state transitions.
	HandleOnlineStateChange(state core.OnlineState)
}

// WatchStreamManager maintains the single logical listen connection: the
// desired target set, resilient reconnects that re-issue every target with
// its last resume token, and the accumulation/commit cycle of incoming
// watch changes. All methods must be called from tasks on the instance
// queue; stream callbacks re-enter through it.
type WatchStreamManager struct {
	transport  Transport
	tokens     TokenProvider
	queue      *async.Queue
	aggregator *Aggregator
	delegate   ListenDelegate
	logger     logging.Logger

	targets map[core.TargetID]*core.TargetData

	stream     ListenStream
	generation int
	connecting bool
	enabled    bool

	backoff      *backoff
	failureCount int
	onlineState  core.OnlineState
}

// NewWatchStreamManager creates a WatchStreamManager.
func NewWatchStreamManager(
	transport Transport,
	tokens TokenProvider,
	queue *async.Queue,
	provider TargetMetadataProvider,
	delegate ListenDelegate,
) *WatchStreamManager {
	return &WatchStreamManager{
		transport:  transport,
		tokens:     tokens,
		queue:      queue,
		aggregator: NewAggregator(provider),
		delegate:   delegate,
		logger:     logging.New("watchstream"),
		targets:    make(map[core.TargetID]*core.TargetData),
		backoff:    newBackoff(),
	}
}

// Start enables the manager and connects if targets are already desired.
func (m *WatchStreamManager) Start() {
	m.enabled = true
	if len(m.targets) > 0 {
		m.connect()
	}
}

// Stop disables the manager and tears the stream down. The desired target
// set survives; a later Start re-issues every target.
func (m *WatchStreamManager) Stop() {
	m.enabled = false
	m.queue.Cancel(TimerListenBackoff)
	m.queue.Cancel(TimerOnlineStateTimeout)
	m.teardown()
	m.updateOnlineState(core.OnlineStateUnknown)
}

// Listen adds a target to the desired set and issues it on the open stream.
func (m *WatchStreamManager) Listen(data *core.TargetData) {
	m.targets[data.TargetID] = data

	if !m.enabled {
		return
	}
	if m.stream == nil {
		m.connect()
		return
	}
	if err := m.stream.WatchTarget(data); err != nil {
		// The read loop observes the same failure and drives reconnect.
		m.logger.Debugf("watch target %d: %v", data.TargetID, err)
	}
}

// Unlisten removes a target from the desired set, drops its accumulated
// changes and unwatches it on the open stream.
func (m *WatchStreamManager) Unlisten(id core.TargetID) {
	delete(m.targets, id)
	m.aggregator.RemoveTarget(id)

	if m.stream == nil {
		return
	}
	if err := m.stream.UnwatchTarget(id); err != nil {
		m.logger.Debugf("unwatch target %d: %v", id, err)
	}
	if len(m.targets) == 0 {
		m.teardown()
	}
}

// IsStarted reports whether the manager is enabled.
func (m *WatchStreamManager) IsStarted() bool {
	return m.enabled
}

// IsOpen reports whether a stream is currently open.
func (m *WatchStreamManager) IsOpen() bool {
	return m.stream != nil
}

// connect opens a stream asynchronously. Opening may block on auth and
// dialing, so it runs off the queue and re-enters through it.
func (m *WatchStreamManager) connect() {
	if m.stream != nil || m.connecting || !m.enabled {
		return
	}
	m.connecting = true
	m.generation++
	generation := m.generation

	if m.onlineState == core.OnlineStateUnknown {
		m.queue.Schedule(TimerOnlineStateTimeout, connectionTimeout, func() {
			if m.onlineState == core.OnlineStateUnknown {
				m.updateOnlineState(core.OnlineStateOffline)
			}
		})
	}

	go func() {
		stream, err := m.openStream()
		m.queue.Enqueue(func() {
			if generation != m.generation {
				if stream != nil {
					_ = stream.Close()
				}
				return
			}
			m.connecting = false

			if err != nil {
				m.handleStreamClose(generation, err)
				return
			}
			m.handleStreamOpen(generation, stream)
		})
	}()
}

func (m *WatchStreamManager) openStream() (ListenStream, error) {
	ctx := context.Background()
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch auth token: %w", err)
	}
	return m.transport.OpenListenStream(ctx, token)
}

// handleStreamOpen re-issues every desired target with its last known
// resume token and starts the read loop.
func (m *WatchStreamManager) handleStreamOpen(generation int, stream ListenStream) {
	if !m.enabled {
		_ = stream.Close()
		return
	}
	m.stream = stream

	for _, data := range m.targets {
		if err := stream.WatchTarget(data); err != nil {
			m.logger.Debugf("watch target %d: %v", data.TargetID, err)
			break
		}
	}

	go m.readLoop(generation, stream)
}

// readLoop pumps stream messages onto the queue until the stream fails.
func (m *WatchStreamManager) readLoop(generation int, stream ListenStream) {
	for {
		change, err := stream.Recv()
		if err != nil {
			m.queue.Enqueue(func() {
				m.handleStreamClose(generation, err)
			})
			return
		}
		m.queue.Enqueue(func() {
			m.handleChange(generation, change)
		})
	}
}

// handleChange dispatches one watch change and flushes a remote event at
// each snapshot boundary.
func (m *WatchStreamManager) handleChange(generation int, change core.WatchChange) {
	if generation != m.generation || m.stream == nil {
		return
	}

	// Any message proves the connection is healthy.
	m.backoff.Reset()
	m.failureCount = 0
	m.queue.Cancel(TimerOnlineStateTimeout)
	m.updateOnlineState(core.OnlineStateOnline)

	switch c := change.(type) {
	case *core.DocumentChange:
		m.aggregator.HandleDocumentChange(c)
	case *core.TargetChange:
		if c.State == core.TargetRemoved && c.Cause != nil {
			for _, id := range c.TargetIDs {
				delete(m.targets, id)
				m.aggregator.RemoveTarget(id)
				m.delegate.HandleTargetError(id, c.Cause)
			}
			return
		}
		m.aggregator.HandleTargetChange(c)
	case *core.ExistenceFilterChange:
		m.aggregator.HandleExistenceFilter(c)
	}

	if IsSnapshotBoundary(change) {
		m.delegate.HandleRemoteEvent(m.aggregator.CreateRemoteEvent())
	}
}

// handleStreamClose handles a failed or peer-closed stream: retryable causes
// reconnect after backoff, terminal causes surface per-target errors and
// drop every desired target.
func (m *WatchStreamManager) handleStreamClose(generation int, cause error) {
	if generation != m.generation {
		return
	}
	m.stream = nil
	m.connecting = false
	m.aggregator.Reset()

	if !m.enabled {
		return
	}

	if statusOf(cause) == errors.ErrCodeUnauthenticated {
		// The server refused the token; the next attempt fetches a fresh
		// one.
		m.tokens.InvalidateToken()
	}

	if !isRetryableListenError(cause) {
		m.logger.Warnf("listen stream failed terminally: %v", cause)
		for id := range m.targets {
			m.delegate.HandleTargetError(id, cause)
		}
		m.targets = make(map[core.TargetID]*core.TargetData)
		m.updateOnlineState(core.OnlineStateOffline)
		return
	}

	m.failureCount++
	if m.failureCount >= maxListenFailuresBeforeOffline {
		m.updateOnlineState(core.OnlineStateOffline)
	}
	if errors.IsStatus(cause, errors.ErrCodeResourceExhausted) {
		m.backoff.ResetToMax()
	}

	delay := m.backoff.NextDelay()
	if logging.Enabled(zap.DebugLevel) {
		m.logger.Debugf("listen stream closed, reconnecting in %s: %v", delay, cause)
	}
	m.queue.Schedule(TimerListenBackoff, delay, func() {
		if m.enabled && len(m.targets) > 0 {
			m.connect()
		}
	})
}

// teardown closes the stream without touching the desired target set.
func (m *WatchStreamManager) teardown() {
	m.generation++
	m.connecting = false
	m.aggregator.Reset()
	if m.stream != nil {
		_ = m.stream.Close()
		m.stream = nil
	}
}

func (m *WatchStreamManager) updateOnlineState(state core.OnlineState) {
	if m.onlineState == state {
		return
	}
	m.onlineState = state
	m.delegate.HandleOnlineStateChange(state)
}
