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

package client_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coral-db/coral/client"
	"github.com/coral-db/coral/core"
	"github.com/coral-db/coral/core/remote"
	"github.com/coral-db/coral/engine"
	"github.com/coral-db/coral/pkg/document"
	"github.com/coral-db/coral/pkg/errors"
)

const waitTimeout = 5 * time.Second

// fakeTransport hands out scripted in-memory streams.
type fakeTransport struct {
	listenStreams chan *fakeListenStream
	writeStreams  chan *fakeWriteStream
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		listenStreams: make(chan *fakeListenStream, 8),
		writeStreams:  make(chan *fakeWriteStream, 8),
	}
}

func (t *fakeTransport) OpenListenStream(
	ctx context.Context,
	authToken string,
) (remote.ListenStream, error) {
	s := &fakeListenStream{closed: make(chan struct{})}
	t.listenStreams <- s
	return s, nil
}

func (t *fakeTransport) OpenWriteStream(
	ctx context.Context,
	authToken string,
) (remote.WriteStream, error) {
	s := &fakeWriteStream{
		incoming: make(chan *remote.WriteResponse, 16),
		closed:   make(chan struct{}),
	}
	t.writeStreams <- s
	return s, nil
}

// fakeListenStream never delivers a change; Recv blocks until Close.
type fakeListenStream struct {
	closed chan struct{}
	once   sync.Once
}

func (s *fakeListenStream) WatchTarget(data *core.TargetData) error { return nil }
func (s *fakeListenStream) UnwatchTarget(id core.TargetID) error    { return nil }

func (s *fakeListenStream) Recv() (core.WatchChange, error) {
	<-s.closed
	return nil, errors.Unavailable("stream closed")
}

func (s *fakeListenStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeWriteStream struct {
	mu       sync.Mutex
	requests []*remote.WriteRequest

	incoming chan *remote.WriteResponse
	closed   chan struct{}
	once     sync.Once
}

func (s *fakeWriteStream) Send(req *remote.WriteRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return nil
}

func (s *fakeWriteStream) Recv() (*remote.WriteResponse, error) {
	select {
	case resp := <-s.incoming:
		return resp, nil
	case <-s.closed:
		return nil, errors.Unavailable("stream closed")
	}
}

func (s *fakeWriteStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeWriteStream) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *fakeWriteStream) mutationCount(i int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests[i].Mutations)
}

// serveWrites acknowledges every batch the transport receives, so WriteSync
// callers unblock.
func serveWrites(tr *fakeTransport, done <-chan struct{}) {
	for {
		select {
		case s := <-tr.writeStreams:
			go func(s *fakeWriteStream) {
				served := 0
				for {
					select {
					case <-done:
						return
					case <-s.closed:
						return
					default:
					}
					if s.requestCount() > served {
						if s.mutationCount(served) == 0 {
							s.incoming <- &remote.WriteResponse{StreamToken: []byte("tok")}
						} else {
							s.incoming <- &remote.WriteResponse{
								StreamToken:     []byte("tok"),
								CommitVersion:   1,
								MutationResults: []document.MutationResult{{Version: 1}},
							}
						}
						served++
						continue
					}
					time.Sleep(time.Millisecond)
				}
			}(s)
		case <-done:
			return
		}
	}
}

func TestClient(t *testing.T) {
	ctx := context.Background()

	t.Run("operations require activation test", func(t *testing.T) {
		c, err := client.New(newFakeTransport())
		assert.NoError(t, err)
		defer func() { assert.NoError(t, c.Close(ctx)) }()

		assert.False(t, c.IsActive())
		assert.NotEmpty(t, c.Key())

		_, err = c.Listen(ctx, core.NewCollectionTarget("rooms"), engine.Listener{})
		assert.True(t, errors.IsStatus(err, errors.ErrCodeFailedPrecondition))

		err = c.Unlisten(ctx, 1)
		assert.True(t, errors.IsStatus(err, errors.ErrCodeFailedPrecondition))

		_, err = c.Write(ctx, []document.Mutation{document.NewDelete("rooms/r1")}, nil)
		assert.True(t, errors.IsStatus(err, errors.ErrCodeFailedPrecondition))
	})

	t.Run("activate and deactivate are idempotent test", func(t *testing.T) {
		c, err := client.New(newFakeTransport(), client.WithKey("c1"))
		assert.NoError(t, err)
		assert.Equal(t, "c1", c.Key())

		assert.NoError(t, c.Activate(ctx))
		assert.NoError(t, c.Activate(ctx))
		assert.True(t, c.IsActive())

		// A sole instance with a private medium is always primary.
		assert.Eventually(t, c.IsPrimary, waitTimeout, time.Millisecond)

		assert.NoError(t, c.Deactivate(ctx))
		assert.NoError(t, c.Deactivate(ctx))
		assert.False(t, c.IsActive())

		assert.NoError(t, c.Close(ctx))
	})

	t.Run("invalid options are rejected test", func(t *testing.T) {
		_, err := client.New(newFakeTransport(), client.WithLogLevel("verbose"))
		assert.Error(t, err)

		_, err = client.New(newFakeTransport(), client.WithMaxConcurrentLimboResolutions(-1))
		assert.Error(t, err)
	})

	t.Run("empty write is rejected test", func(t *testing.T) {
		c, err := client.New(newFakeTransport())
		assert.NoError(t, err)
		defer func() { assert.NoError(t, c.Close(ctx)) }()
		assert.NoError(t, c.Activate(ctx))

		_, err = c.Write(ctx, nil, nil)
		assert.True(t, errors.IsStatus(err, errors.ErrCodeInvalidArgument))
	})

	t.Run("write sync blocks until the outcome test", func(t *testing.T) {
		tr := newFakeTransport()
		done := make(chan struct{})
		defer close(done)
		go serveWrites(tr, done)

		c, err := client.New(tr)
		assert.NoError(t, err)
		defer func() { assert.NoError(t, c.Close(ctx)) }()
		assert.NoError(t, c.Activate(ctx))

		err = c.WriteSync(ctx, []document.Mutation{
			document.NewSet("rooms/r1", document.Fields{"n": int64(1)}),
		})
		assert.NoError(t, err)
	})

	t.Run("write sync respects cancellation test", func(t *testing.T) {
		// The transport opens streams but never answers the handshake.
		c, err := client.New(newFakeTransport())
		assert.NoError(t, err)
		defer func() { assert.NoError(t, c.Close(ctx)) }()
		assert.NoError(t, c.Activate(ctx))

		cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		err = c.WriteSync(cancelCtx, []document.Mutation{
			document.NewSet("rooms/r1", document.Fields{"n": int64(1)}),
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("listen and unlisten test", func(t *testing.T) {
		c, err := client.New(newFakeTransport())
		assert.NoError(t, err)
		defer func() { assert.NoError(t, c.Close(ctx)) }()
		assert.NoError(t, c.Activate(ctx))

		snaps := make(chan *engine.Snapshot, 4)
		id, err := c.Listen(ctx, core.NewCollectionTarget("rooms"), engine.Listener{
			OnSnapshot: func(s *engine.Snapshot) { snaps <- s },
		})
		assert.NoError(t, err)

		select {
		case snapshot := <-snaps:
			assert.True(t, snapshot.FromCache)
			assert.Empty(t, snapshot.Documents)
		case <-time.After(waitTimeout):
			t.Fatal("no initial snapshot delivered")
		}

		assert.Equal(t, []core.TargetID{id}, c.ActiveTargets())
		assert.NoError(t, c.Unlisten(ctx, id))
		assert.Empty(t, c.ActiveTargets())
	})
}
