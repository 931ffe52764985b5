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

package remote_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coral-db/coral/backend/database"
	"github.com/coral-db/coral/core"
	"github.com/coral-db/coral/core/remote"
	"github.com/coral-db/coral/pkg/async"
	"github.com/coral-db/coral/pkg/document"
	"github.com/coral-db/coral/pkg/errors"
)

type fakeWriteStream struct {
	mu       sync.Mutex
	requests []*remote.WriteRequest
	err      error

	incoming chan *remote.WriteResponse
	closed   chan struct{}
	once     sync.Once
}

func (s *fakeWriteStream) Send(req *remote.WriteRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.requests = append(s.requests, req)
	return nil
}

func (s *fakeWriteStream) Recv() (*remote.WriteResponse, error) {
	select {
	case resp := <-s.incoming:
		return resp, nil
	case <-s.closed:
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, s.err
	}
}

func (s *fakeWriteStream) Close() error {
	s.fail(errors.Unavailable("stream closed"))
	return nil
}

func (s *fakeWriteStream) push(resp *remote.WriteResponse) {
	s.incoming <- resp
}

func (s *fakeWriteStream) fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.closed)
	})
}

func (s *fakeWriteStream) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *fakeWriteStream) request(i int) *remote.WriteRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func awaitWriteStream(t *testing.T, tr *fakeTransport) *fakeWriteStream {
	t.Helper()
	select {
	case s := <-tr.writeStreams:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("no write stream opened")
		return nil
	}
}

// writeRecorder records delegate callbacks and offers queued batches back to
// the manager when asked to fill the pipeline.
type writeRecorder struct {
	mu      sync.Mutex
	mgr     *remote.WriteStreamManager
	pending []*database.MutationBatchInfo
	acks    []core.BatchID
	commits map[core.BatchID]document.Version
	rejects map[core.BatchID]error
}

func newWriteRecorder() *writeRecorder {
	return &writeRecorder{
		commits: make(map[core.BatchID]document.Version),
		rejects: make(map[core.BatchID]error),
	}
}

func (r *writeRecorder) HandleBatchAcknowledged(
	id core.BatchID,
	commit document.Version,
	results []document.MutationResult,
) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, id)
	r.commits[id] = commit
}

func (r *writeRecorder) HandleBatchRejected(id core.BatchID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejects[id] = err
}

func (r *writeRecorder) FillWritePipeline() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.pending) > 0 && r.mgr.CanAddBatch() {
		batch := r.pending[0]
		r.pending = r.pending[1:]
		r.mgr.AddBatch(batch)
	}
}

func (r *writeRecorder) addPending(batches ...*database.MutationBatchInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, batches...)
}

func (r *writeRecorder) ackedBatches() []core.BatchID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.BatchID(nil), r.acks...)
}

func (r *writeRecorder) commit(id core.BatchID) document.Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commits[id]
}

func (r *writeRecorder) reject(id core.BatchID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejects[id]
}

func testBatch(id core.BatchID) *database.MutationBatchInfo {
	key := document.Key(fmt.Sprintf("rooms/r%d", id))
	return &database.MutationBatchInfo{
		BatchID:   id,
		Owner:     "c1",
		Mutations: []document.Mutation{document.NewSet(key, document.Fields{"n": int64(id)})},
	}
}

type writeFixture struct {
	queue *async.Queue
	tr    *fakeTransport
	rec   *writeRecorder
	mgr   *remote.WriteStreamManager
}

func setUpWrite(t *testing.T) *writeFixture {
	return setUpWriteWithTokens(t, remote.StaticToken(""))
}

func setUpWriteWithTokens(t *testing.T, tokens remote.TokenProvider) *writeFixture {
	t.Helper()
	f := &writeFixture{
		queue: async.NewQueue(),
		tr:    newFakeTransport(),
		rec:   newWriteRecorder(),
	}
	f.mgr = remote.NewWriteStreamManager(f.tr, tokens, f.queue, f.rec)
	f.rec.mgr = f.mgr
	t.Cleanup(f.queue.Close)
	return f
}

func (f *writeFixture) start(t *testing.T) {
	t.Helper()
	f.queue.EnqueueAndWait(func() { f.mgr.Start() })
}

// completeHandshake waits for the handshake request and answers it.
func completeHandshake(t *testing.T, stream *fakeWriteStream, token string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return stream.requestCount() >= 1
	}, waitTimeout, time.Millisecond)
	assert.Empty(t, stream.request(0).Mutations)
	stream.push(&remote.WriteResponse{StreamToken: []byte(token)})
}

func TestWriteStreamManager(t *testing.T) {
	t.Run("handshake precedes the first batch test", func(t *testing.T) {
		f := setUpWrite(t)
		f.rec.addPending(testBatch(1))
		f.start(t)

		stream := awaitWriteStream(t, f.tr)
		completeHandshake(t, stream, "t1")

		assert.Eventually(t, func() bool {
			return stream.requestCount() == 2
		}, waitTimeout, time.Millisecond)

		req := stream.request(1)
		assert.Equal(t, []byte("t1"), req.StreamToken)
		assert.Len(t, req.Mutations, 1)
		assert.Equal(t, document.Key("rooms/r1"), req.Mutations[0].Key)

		stream.push(&remote.WriteResponse{
			StreamToken:     []byte("t2"),
			CommitVersion:   7,
			MutationResults: []document.MutationResult{{Version: 7}},
		})

		assert.Eventually(t, func() bool {
			return len(f.rec.ackedBatches()) == 1
		}, waitTimeout, time.Millisecond)
		assert.Equal(t, document.Version(7), f.rec.commit(1))

		// The drained pipeline arms the idle teardown.
		f.queue.Drain()
		assert.True(t, f.queue.ContainsDelayed(remote.TimerWriteIdle))
	})

	t.Run("batches are acknowledged in submission order test", func(t *testing.T) {
		f := setUpWrite(t)
		f.rec.addPending(testBatch(1), testBatch(2), testBatch(3))
		f.start(t)

		stream := awaitWriteStream(t, f.tr)
		completeHandshake(t, stream, "t1")

		assert.Eventually(t, func() bool {
			return stream.requestCount() == 4
		}, waitTimeout, time.Millisecond)
		for i := 1; i <= 3; i++ {
			assert.Equal(t, document.Key(fmt.Sprintf("rooms/r%d", i)), stream.request(i).Mutations[0].Key)
		}

		for i := 1; i <= 3; i++ {
			stream.push(&remote.WriteResponse{
				StreamToken:     []byte("t2"),
				CommitVersion:   document.Version(i),
				MutationResults: []document.MutationResult{{Version: document.Version(i)}},
			})
		}

		assert.Eventually(t, func() bool {
			return len(f.rec.ackedBatches()) == 3
		}, waitTimeout, time.Millisecond)
		assert.Equal(t, []core.BatchID{1, 2, 3}, f.rec.ackedBatches())
	})

	t.Run("pipeline depth is bounded test", func(t *testing.T) {
		f := setUpWrite(t)
		for i := 1; i <= 12; i++ {
			f.rec.addPending(testBatch(core.BatchID(i)))
		}
		f.start(t)

		stream := awaitWriteStream(t, f.tr)
		completeHandshake(t, stream, "t1")

		// Handshake plus ten batches; the rest wait for capacity.
		assert.Eventually(t, func() bool {
			return stream.requestCount() == 11
		}, waitTimeout, time.Millisecond)
		f.queue.Drain()
		assert.Equal(t, 11, stream.requestCount())

		stream.push(&remote.WriteResponse{
			StreamToken:     []byte("t2"),
			CommitVersion:   1,
			MutationResults: []document.MutationResult{{Version: 1}},
		})

		assert.Eventually(t, func() bool {
			return stream.requestCount() == 12
		}, waitTimeout, time.Millisecond)
		assert.Equal(t, document.Key("rooms/r11"), stream.request(11).Mutations[0].Key)
	})

	t.Run("transient failure resends the pipeline in order test", func(t *testing.T) {
		f := setUpWrite(t)
		f.rec.addPending(testBatch(1), testBatch(2))
		f.start(t)

		stream := awaitWriteStream(t, f.tr)
		completeHandshake(t, stream, "t1")
		assert.Eventually(t, func() bool {
			return stream.requestCount() == 3
		}, waitTimeout, time.Millisecond)

		stream.fail(errors.Unavailable("down"))

		// The fresh session keeps the continuation token, handshakes again
		// and resends both batches in submission order.
		next := awaitWriteStream(t, f.tr)
		assert.Eventually(t, func() bool {
			return next.requestCount() >= 1
		}, waitTimeout, time.Millisecond)
		assert.Empty(t, next.request(0).Mutations)
		assert.Equal(t, []byte("t1"), next.request(0).StreamToken)

		next.push(&remote.WriteResponse{StreamToken: []byte("t2")})
		assert.Eventually(t, func() bool {
			return next.requestCount() == 3
		}, waitTimeout, time.Millisecond)
		assert.Equal(t, document.Key("rooms/r1"), next.request(1).Mutations[0].Key)
		assert.Equal(t, document.Key("rooms/r2"), next.request(2).Mutations[0].Key)

		assert.Empty(t, f.rec.ackedBatches())
	})

	t.Run("terminal failure rejects the head batch test", func(t *testing.T) {
		f := setUpWrite(t)
		f.rec.addPending(testBatch(1), testBatch(2))
		f.start(t)

		stream := awaitWriteStream(t, f.tr)
		completeHandshake(t, stream, "t1")
		assert.Eventually(t, func() bool {
			return stream.requestCount() == 3
		}, waitTimeout, time.Millisecond)

		stream.fail(errors.FailedPrecond("conflict"))

		assert.Eventually(t, func() bool {
			return f.rec.reject(1) != nil
		}, waitTimeout, time.Millisecond)
		assert.True(t, errors.IsStatus(f.rec.reject(1), errors.ErrCodeFailedPrecondition))

		// The rest of the pipeline continues on a fresh session.
		next := awaitWriteStream(t, f.tr)
		completeHandshake(t, next, "t2")
		assert.Eventually(t, func() bool {
			return next.requestCount() == 2
		}, waitTimeout, time.Millisecond)
		assert.Equal(t, document.Key("rooms/r2"), next.request(1).Mutations[0].Key)
		assert.Nil(t, f.rec.reject(2))
	})

	t.Run("auth failure refreshes the token and keeps the pipeline test", func(t *testing.T) {
		tokens := newRefreshingTokens()
		f := setUpWriteWithTokens(t, tokens)
		f.rec.addPending(testBatch(1))
		f.start(t)

		stream := awaitWriteStream(t, f.tr)
		assert.Equal(t, "t1", f.tr.authToken(0))
		assert.Eventually(t, func() bool {
			return stream.requestCount() >= 1
		}, waitTimeout, time.Millisecond)

		stream.fail(errors.Unauthenticated("token expired"))

		// The cached token is invalidated exactly once and the fresh session
		// opens with a new one; the batch stays in the pipeline.
		next := awaitWriteStream(t, f.tr)
		assert.Equal(t, 1, tokens.invalidated())
		assert.Equal(t, "t2", f.tr.authToken(1))

		completeHandshake(t, next, "s1")
		assert.Eventually(t, func() bool {
			return next.requestCount() == 2
		}, waitTimeout, time.Millisecond)
		assert.Equal(t, document.Key("rooms/r1"), next.request(1).Mutations[0].Key)
		assert.Nil(t, f.rec.reject(1))
	})

	t.Run("terminal handshake failure clears the continuation token test", func(t *testing.T) {
		f := setUpWrite(t)
		f.rec.addPending(testBatch(1))
		f.start(t)

		stream := awaitWriteStream(t, f.tr)
		completeHandshake(t, stream, "t1")
		assert.Eventually(t, func() bool {
			return stream.requestCount() == 2
		}, waitTimeout, time.Millisecond)
		stream.push(&remote.WriteResponse{
			StreamToken:     []byte("t2"),
			CommitVersion:   1,
			MutationResults: []document.MutationResult{{Version: 1}},
		})
		assert.Eventually(t, func() bool {
			return len(f.rec.ackedBatches()) == 1
		}, waitTimeout, time.Millisecond)

		// The idle timer closes the drained session.
		f.queue.Drain()
		assert.True(t, f.queue.ContainsDelayed(remote.TimerWriteIdle))
		f.queue.ForceRunDelayedTasks()

		f.queue.EnqueueAndWait(func() { f.mgr.AddBatch(testBatch(2)) })
		second := awaitWriteStream(t, f.tr)
		assert.Eventually(t, func() bool {
			return second.requestCount() >= 1
		}, waitTimeout, time.Millisecond)
		assert.Equal(t, []byte("t2"), second.request(0).StreamToken)

		second.fail(errors.InvalidArgument("bad token"))

		// The next session starts without a continuation token; the batch at
		// the head was not rejected.
		third := awaitWriteStream(t, f.tr)
		assert.Eventually(t, func() bool {
			return third.requestCount() >= 1
		}, waitTimeout, time.Millisecond)
		assert.Empty(t, third.request(0).StreamToken)
		assert.Nil(t, f.rec.reject(2))
	})
}
