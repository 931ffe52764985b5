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

	"github.com/coral-db/coral/backend/database"
	"github.com/coral-db/coral/core"
	"github.com/coral-db/coral/logging"
	"github.com/coral-db/coral/pkg/async"
	"github.com/coral-db/coral/pkg/document"
	"github.com/coral-db/coral/pkg/errors"
)

// Timer ids of the write stream's delayed tasks.
const (
	// TimerWriteBackoff delays stream reconnection attempts.
	TimerWriteBackoff async.TimerID = "write-stream-connection-backoff"

	// TimerWriteIdle closes a write stream that carried no batch for a
	// while. The durable queue is untouched; the stream reopens on the
	// next batch.
	TimerWriteIdle async.TimerID = "write-stream-idle"
)

// maxPipelineDepth is the maximum number of unacknowledged batches on the
// wire. Further pending batches wait until an ack or reject frees capacity.
const maxPipelineDepth = 10

// writeIdleTimeout is how long an empty pipeline keeps the stream open.
const writeIdleTimeout = 10 * time.Second

// WriteDelegate receives the outcomes of the write stream. All methods are
// invoked from tasks on the instance queue.
type WriteDelegate interface {
	// HandleBatchAcknowledged reports the server commit of one batch, with
	// per-mutation results paired positionally with the batch's mutations.
	HandleBatchAcknowledged(id core.BatchID, commit document.Version, results []document.MutationResult)

	// HandleBatchRejected reports the terminal rejection of one batch. The
	// pipeline continues with the next batch.
	HandleBatchRejected(id core.BatchID, err error)

	// FillWritePipeline asks the owner to offer more pending batches via
	// AddBatch, invoked whenever capacity frees up.
	FillWritePipeline()
}

// WriteStreamManager maintains the ordered pipeline of outstanding mutation
// batches. Every stream session opens with a mutation-free handshake that
// must complete before the first batch; each send echoes the continuation
// token of the prior response. All methods must be called from tasks on the
// instance queue.
type WriteStreamManager struct {
	transport Transport
	tokens    TokenProvider
	queue     *async.Queue
	delegate  WriteDelegate
	logger    logging.Logger

	stream            WriteStream
	generation        int
	connecting        bool
	enabled           bool
	handshakeComplete bool
	streamToken       []byte

	// pipeline holds sent-but-unacknowledged batches in submission order.
	pipeline []*database.MutationBatchInfo

	backoff *backoff
}

// NewWriteStreamManager creates a WriteStreamManager.
func NewWriteStreamManager(
	transport Transport,
	tokens TokenProvider,
	queue *async.Queue,
	delegate WriteDelegate,
) *WriteStreamManager {
	return &WriteStreamManager{
		transport: transport,
		tokens:    tokens,
		queue:     queue,
		delegate:  delegate,
		logger:    logging.New("writestream"),
		backoff:   newBackoff(),
	}
}

// Start enables the manager and asks the owner for pending batches.
func (m *WriteStreamManager) Start() {
	m.enabled = true
	m.delegate.FillWritePipeline()
}

// Stop disables the manager and tears the stream down. Outstanding batches
// stay pending in the durable queue and are re-offered on the next Start.
func (m *WriteStreamManager) Stop() {
	m.enabled = false
	m.queue.Cancel(TimerWriteBackoff)
	m.queue.Cancel(TimerWriteIdle)
	m.teardown()
	m.pipeline = nil
}

// CanAddBatch reports whether the pipeline has capacity for another batch.
func (m *WriteStreamManager) CanAddBatch() bool {
	return m.enabled && len(m.pipeline) < maxPipelineDepth
}

// InFlight returns the number of unacknowledged batches.
func (m *WriteStreamManager) InFlight() int {
	return len(m.pipeline)
}

// AddBatch appends a batch to the pipeline and sends it once the handshake
// completed. Callers must check CanAddBatch first; offering a batch already
// in the pipeline is a contract violation.
func (m *WriteStreamManager) AddBatch(batch *database.MutationBatchInfo) {
	for _, inflight := range m.pipeline {
		if inflight.BatchID == batch.BatchID {
			m.logger.Errorf("batch %d offered twice", batch.BatchID)
			return
		}
	}

	m.queue.Cancel(TimerWriteIdle)
	m.pipeline = append(m.pipeline, batch)

	if m.stream == nil {
		m.connect()
		return
	}
	if m.handshakeComplete {
		m.sendBatch(batch)
	}
}

// connect opens a stream asynchronously, off the queue.
func (m *WriteStreamManager) connect() {
	if m.stream != nil || m.connecting || !m.enabled {
		return
	}
	m.connecting = true
	m.generation++
	generation := m.generation

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

func (m *WriteStreamManager) openStream() (WriteStream, error) {
	ctx := context.Background()
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch auth token: %w", err)
	}
	return m.transport.OpenWriteStream(ctx, token)
}

// handleStreamOpen sends the handshake and starts the read loop. No batch
// goes on the wire before the handshake response.
func (m *WriteStreamManager) handleStreamOpen(generation int, stream WriteStream) {
	if !m.enabled {
		_ = stream.Close()
		return
	}
	m.stream = stream
	m.handshakeComplete = false

	if err := stream.Send(&WriteRequest{StreamToken: m.streamToken}); err != nil {
		m.logger.Debugf("send handshake: %v", err)
	}

	go m.readLoop(generation, stream)
}

func (m *WriteStreamManager) readLoop(generation int, stream WriteStream) {
	for {
		resp, err := stream.Recv()
		if err != nil {
			m.queue.Enqueue(func() {
				m.handleStreamClose(generation, err)
			})
			return
		}
		m.queue.Enqueue(func() {
			m.handleResponse(generation, resp)
		})
	}
}

// handleResponse completes the handshake or acknowledges the batch at the
// head of the pipeline.
func (m *WriteStreamManager) handleResponse(generation int, resp *WriteResponse) {
	if generation != m.generation || m.stream == nil {
		return
	}

	m.backoff.Reset()
	if len(resp.StreamToken) > 0 {
		m.streamToken = resp.StreamToken
	}

	if !m.handshakeComplete {
		m.handshakeComplete = true
		// Re-send the outstanding pipeline in submission order, then let
		// the owner top it up.
		for _, batch := range m.pipeline {
			m.sendBatch(batch)
		}
		m.delegate.FillWritePipeline()
		m.armIdleTimer()
		return
	}

	if len(m.pipeline) == 0 {
		m.logger.Errorf("write response without outstanding batch")
		return
	}
	batch := m.pipeline[0]
	m.pipeline = m.pipeline[1:]

	m.delegate.HandleBatchAcknowledged(batch.BatchID, resp.CommitVersion, resp.MutationResults)
	m.delegate.FillWritePipeline()
	m.armIdleTimer()
}

// handleStreamClose handles a failed or peer-closed stream. Transient causes
// keep the pipeline and reconnect with backoff; a terminal cause rejects the
// batch at the head of the pipeline and continues with the rest.
func (m *WriteStreamManager) handleStreamClose(generation int, cause error) {
	if generation != m.generation {
		return
	}
	wasHandshakeComplete := m.handshakeComplete
	m.stream = nil
	m.connecting = false
	m.handshakeComplete = false

	if !m.enabled {
		return
	}

	if statusOf(cause) == errors.ErrCodeUnauthenticated {
		// The server refused the token; the next attempt fetches a fresh
		// one.
		m.tokens.InvalidateToken()
	}

	if !isRetryableWriteError(cause) {
		if wasHandshakeComplete && len(m.pipeline) > 0 {
			// The failure is specific to the batch at the head of the
			// pipeline; reject it and continue with the rest.
			head := m.pipeline[0]
			m.pipeline = m.pipeline[1:]
			m.logger.Warnf("batch %d rejected: %v", head.BatchID, cause)
			m.delegate.HandleBatchRejected(head.BatchID, cause)
		} else {
			// The handshake itself failed terminally; the continuation
			// token may be stale, so the next session starts clean.
			m.streamToken = nil
		}
	}
	if errors.IsStatus(cause, errors.ErrCodeResourceExhausted) {
		m.backoff.ResetToMax()
	}

	if len(m.pipeline) == 0 {
		m.delegate.FillWritePipeline()
		return
	}

	delay := m.backoff.NextDelay()
	if logging.Enabled(zap.DebugLevel) {
		m.logger.Debugf("write stream closed, reconnecting in %s: %v", delay, cause)
	}
	m.queue.Schedule(TimerWriteBackoff, delay, func() {
		if m.enabled && len(m.pipeline) > 0 {
			m.connect()
		}
	})
}

func (m *WriteStreamManager) sendBatch(batch *database.MutationBatchInfo) {
	err := m.stream.Send(&WriteRequest{
		StreamToken: m.streamToken,
		Mutations:   batch.Mutations,
	})
	if err != nil {
		// The read loop observes the same failure and drives recovery.
		m.logger.Debugf("send batch %d: %v", batch.BatchID, err)
	}
}

// armIdleTimer schedules stream teardown when nothing is outstanding.
func (m *WriteStreamManager) armIdleTimer() {
	if len(m.pipeline) > 0 {
		return
	}
	m.queue.Schedule(TimerWriteIdle, writeIdleTimeout, func() {
		if len(m.pipeline) == 0 {
			m.teardown()
		}
	})
}

// teardown closes the stream without touching the pipeline.
func (m *WriteStreamManager) teardown() {
	m.generation++
	m.connecting = false
	m.handshakeComplete = false
	if m.stream != nil {
		_ = m.stream.Close()
		m.stream = nil
	}
}
