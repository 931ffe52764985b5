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

package eviction

import (
	"context"
	"fmt"
	"time"

	"github.com/coral-db/coral/backend/database"
	"github.com/coral-db/coral/core"
	"github.com/coral-db/coral/logging"
	"github.com/coral-db/coral/pkg/async"
	"github.com/coral-db/coral/pkg/document"
	"github.com/coral-db/coral/pkg/pq"
)

// TimerCollection drives periodic LRU collection passes.
const TimerCollection async.TimerID = "lru-collection"

// LRUConfig configures the LRU collector.
type LRUConfig struct {
	// Interval is the period between collection passes.
	Interval time.Duration `validate:"required"`

	// CacheSizeThreshold is the cached document count below which passes
	// are skipped.
	CacheSizeThreshold int `validate:"min=0"`

	// PercentileToCollect is the percentage of sequence numbers a pass
	// targets, counted from the least recently used end.
	PercentileToCollect int `validate:"min=0,max=100"`

	// MaxSequenceNumbersToCollect caps how many sequence numbers a single
	// pass may collect.
	MaxSequenceNumbersToCollect int `validate:"min=1"`

	// RemovalBatchSize bounds the documents removed per store call, so a
	// pass never holds one oversized transaction.
	RemovalBatchSize int `validate:"min=1"`
}

// DefaultLRUConfig returns the default LRU collector configuration.
func DefaultLRUConfig() *LRUConfig {
	return &LRUConfig{
		Interval:                    time.Minute,
		CacheSizeThreshold:          1000,
		PercentileToCollect:         10,
		MaxSequenceNumbersToCollect: 1000,
		RemovalBatchSize:            100,
	}
}

// LRUCollector removes the least-recently-used slice of the cache on a
// timer. Recency is the sequence number stamped on documents and targets
// when they were last referenced; the collector computes the sequence number
// at the configured percentile and drops everything at or below it that is
// not pinned. Only the primary instance runs passes.
type LRUCollector struct {
	db        database.Database
	delegate  ReferenceDelegate
	queue     *async.Queue
	conf      *LRUConfig
	isPrimary func() bool
	logger    logging.Logger
}

// NewLRUCollector creates an LRUCollector.
func NewLRUCollector(
	db database.Database,
	delegate ReferenceDelegate,
	queue *async.Queue,
	conf *LRUConfig,
	isPrimary func() bool,
) *LRUCollector {
	if conf == nil {
		conf = DefaultLRUConfig()
	}

	return &LRUCollector{
		db:        db,
		delegate:  delegate,
		queue:     queue,
		conf:      conf,
		isPrimary: isPrimary,
		logger:    logging.New("eviction"),
	}
}

// Start schedules periodic collection passes on the queue.
func (c *LRUCollector) Start() {
	c.schedule()
}

// Stop cancels the pending collection pass.
func (c *LRUCollector) Stop() {
	c.queue.Cancel(TimerCollection)
}

func (c *LRUCollector) schedule() {
	c.queue.Schedule(TimerCollection, c.conf.Interval, func() {
		if c.isPrimary() {
			if results, err := c.Collect(context.Background()); err != nil {
				c.logger.Warnf("collection pass: %v", err)
			} else if results.DidRun {
				c.logger.Infof(
					"collected %d sequence numbers, removed %d targets, %d documents",
					results.SequenceNumbersCollected,
					results.TargetsRemoved,
					results.DocumentsRemoved,
				)
			}
		}
		c.schedule()
	})
}

// ReleaseDocuments is a no-op; LRU eviction is deferred to timed passes.
func (c *LRUCollector) ReleaseDocuments(ctx context.Context, keys []document.Key) error {
	return nil
}

// Collect runs one collection pass.
func (c *LRUCollector) Collect(ctx context.Context) (Results, error) {
	seqs, err := c.db.DocumentSequenceNumbers(ctx)
	if err != nil {
		return Results{}, fmt.Errorf("list sequence numbers: %w", err)
	}
	if len(seqs) < c.conf.CacheSizeThreshold {
		return Results{}, nil
	}

	count := len(seqs) * c.conf.PercentileToCollect / 100
	if count > c.conf.MaxSequenceNumbersToCollect {
		count = c.conf.MaxSequenceNumbersToCollect
	}
	if count == 0 {
		return Results{}, nil
	}

	threshold := nthSequenceNumber(seqs, count)

	targetsRemoved, err := c.removeTargets(ctx, threshold)
	if err != nil {
		return Results{}, err
	}
	documentsRemoved, err := c.removeDocuments(ctx, threshold)
	if err != nil {
		return Results{}, err
	}

	return Results{
		DidRun:                   true,
		SequenceNumbersCollected: count,
		TargetsRemoved:           targetsRemoved,
		DocumentsRemoved:         documentsRemoved,
	}, nil
}

// removeTargets removes inactive targets last referenced at or below the
// threshold.
func (c *LRUCollector) removeTargets(ctx context.Context, threshold core.SequenceNumber) (int, error) {
	targets, err := c.db.ListTargets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list targets: %w", err)
	}

	active := c.delegate.ActiveTargetIDs()
	removed := 0
	for _, info := range targets {
		if info.SequenceNumber > threshold {
			continue
		}
		if _, ok := active[info.TargetID]; ok {
			continue
		}
		if err := c.db.RemoveTarget(ctx, info.TargetID); err != nil {
			return removed, fmt.Errorf("remove target %d: %w", info.TargetID, err)
		}
		removed++
	}
	return removed, nil
}

// removeDocuments removes unpinned documents last referenced at or below the
// threshold. Removals run in bounded chunks so a pass never holds one
// oversized transaction.
func (c *LRUCollector) removeDocuments(ctx context.Context, threshold core.SequenceNumber) (int, error) {
	infos, err := c.db.FindDocumentsBefore(ctx, threshold, c.conf.MaxSequenceNumbersToCollect)
	if err != nil {
		return 0, fmt.Errorf("find evictable documents: %w", err)
	}

	referenced := c.delegate.ReferencedKeys()
	keys := make([]document.Key, 0, len(infos))
	for _, info := range infos {
		if _, ok := referenced[info.Key]; ok {
			continue
		}
		keys = append(keys, info.Key)
	}

	removed := 0
	for len(keys) > 0 {
		chunk := keys
		if len(chunk) > c.conf.RemovalBatchSize {
			chunk = keys[:c.conf.RemovalBatchSize]
		}
		keys = keys[len(chunk):]

		count, err := c.db.RemoveDocuments(ctx, chunk)
		if err != nil {
			return removed, fmt.Errorf("remove evicted documents: %w", err)
		}
		removed += count
	}
	return removed, nil
}

// nthSequenceNumber returns the nth smallest sequence number. A bounded heap
// keeps the n smallest seen so far with the largest of them at the root, so
// one linear scan suffices.
func nthSequenceNumber(seqs []core.SequenceNumber, n int) core.SequenceNumber {
	buffer := pq.NewPriorityQueue[seqValue]()
	for _, seq := range seqs {
		if buffer.Len() < n {
			buffer.Push(seqValue(seq))
			continue
		}
		if buffer.Peek().Less(seqValue(seq)) {
			buffer.Pop()
			buffer.Push(seqValue(seq))
		}
	}
	return core.SequenceNumber(buffer.Peek())
}

// seqValue orders sequence numbers descending so a bounded min-heap keeps
// the n smallest and exposes the nth as its root.
type seqValue core.SequenceNumber

// Less reports whether v sorts before other.
func (v seqValue) Less(other seqValue) bool {
	return v > other
}
