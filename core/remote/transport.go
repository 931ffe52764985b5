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

// Package remote implements the network half of the synchronization engine:
// the listen stream that delivers watch changes, the write stream that
// carries the mutation pipeline, and the aggregation that turns raw watch
// changes into consistent remote events at snapshot boundaries.
package remote

import (
	"context"

	"github.com/coral-db/coral/core"
	"github.com/coral-db/coral/pkg/document"
)

// TokenProvider supplies the auth token attached to stream openings. The
// engine never inspects the token.
type TokenProvider interface {
	// Token returns the token for the next stream opening.
	Token(ctx context.Context) (string, error)

	// InvalidateToken discards any cached token after the server refused
	// it. The next Token call must fetch a fresh one.
	InvalidateToken()
}

// StaticToken is a TokenProvider returning a fixed token. The empty token is
// valid and means unauthenticated.
type StaticToken string

// Token returns the token.
func (t StaticToken) Token(ctx context.Context) (string, error) {
	return string(t), nil
}

// InvalidateToken is a no-op; a static token cannot be refreshed.
func (t StaticToken) InvalidateToken() {}

// ListenStream is one open listen connection. The peer may close it at any
// time, including before the first message; every method may return an error
// carrying a status code used for retry classification.
type ListenStream interface {
	// WatchTarget asks the server to start watching the given target. The
	// resume token of the target data, if any, resumes from a prior
	// session.
	WatchTarget(data *core.TargetData) error

	// UnwatchTarget asks the server to stop watching the target.
	UnwatchTarget(id core.TargetID) error

	// Recv blocks until the next watch change or stream failure.
	Recv() (core.WatchChange, error)

	// Close tears the stream down. Safe to call concurrently with Recv.
	Close() error
}

// WriteRequest is one message on the write stream. A request with no
// mutations is the handshake that must open every stream session.
type WriteRequest struct {
	// StreamToken is the continuation token of the prior response on this
	// stream. Empty on the handshake.
	StreamToken []byte

	// Mutations is the ordered content of one batch.
	Mutations []document.Mutation
}

// WriteResponse is the server's answer to one WriteRequest.
type WriteResponse struct {
	// StreamToken continues the stream; it must be echoed on the next
	// request.
	StreamToken []byte

	// CommitVersion is the version the batch was committed at. Zero on the
	// handshake response.
	CommitVersion document.Version

	// MutationResults pair positionally with the request's mutations.
	MutationResults []document.MutationResult
}

// WriteStream is one open write connection.
type WriteStream interface {
	// Send writes one request. It fails if the stream is already closed.
	Send(req *WriteRequest) error

	// Recv blocks until the next response or stream failure.
	Recv() (*WriteResponse, error)

	// Close tears the stream down. Safe to call concurrently with Recv.
	Close() error
}

// Transport opens streams to the remote endpoint. Implementations are
// swappable; tests use a scripted in-memory transport.
type Transport interface {
	OpenListenStream(ctx context.Context, authToken string) (ListenStream, error)
	OpenWriteStream(ctx context.Context, authToken string) (WriteStream, error)
}
