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

package eviction_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coral-db/coral/backend/database"
	"github.com/coral-db/coral/backend/database/memory"
	"github.com/coral-db/coral/backend/eviction"
	"github.com/coral-db/coral/core"
	"github.com/coral-db/coral/pkg/async"
	"github.com/coral-db/coral/pkg/document"
)

// fakeDelegate pins a fixed set of targets and keys.
type fakeDelegate struct {
	targets map[core.TargetID]struct{}
	keys    map[document.Key]struct{}
}

func (d *fakeDelegate) ActiveTargetIDs() map[core.TargetID]struct{} {
	return d.targets
}

func (d *fakeDelegate) ReferencedKeys() map[document.Key]struct{} {
	return d.keys
}

func setUpDB(t *testing.T) *memory.DB {
	t.Helper()
	db, err := memory.New()
	assert.NoError(t, err)
	return db
}

func seedDocuments(t *testing.T, db database.Database, count int) []document.Key {
	t.Helper()
	keys := make([]document.Key, 0, count)
	infos := make([]*database.DocInfo, 0, count)
	for i := 1; i <= count; i++ {
		key := document.Key(fmt.Sprintf("rooms/r%04d", i))
		keys = append(keys, key)
		doc := document.New(key, document.Version(i), document.Fields{"i": int64(i)})
		infos = append(infos, database.NewDocInfo(doc, core.SequenceNumber(i)))
	}
	assert.NoError(t, db.SetDocuments(context.Background(), infos))
	return keys
}

func TestEagerCollector(t *testing.T) {
	ctx := context.Background()

	t.Run("release removes unreferenced documents test", func(t *testing.T) {
		db := setUpDB(t)
		keys := seedDocuments(t, db, 3)
		delegate := &fakeDelegate{
			targets: map[core.TargetID]struct{}{},
			keys:    map[document.Key]struct{}{keys[0]: {}},
		}
		collector := eviction.NewEagerCollector(db, delegate)

		assert.NoError(t, collector.ReleaseDocuments(ctx, keys))

		// The pinned document survives, the rest are gone.
		info, err := db.FindDocument(ctx, keys[0])
		assert.NoError(t, err)
		assert.NotNil(t, info)
		for _, key := range keys[1:] {
			info, err := db.FindDocument(ctx, key)
			assert.NoError(t, err)
			assert.Nil(t, info)
		}
	})

	t.Run("collect is a no-op test", func(t *testing.T) {
		db := setUpDB(t)
		seedDocuments(t, db, 3)
		collector := eviction.NewEagerCollector(db, &fakeDelegate{})

		results, err := collector.Collect(ctx)
		assert.NoError(t, err)
		assert.False(t, results.DidRun)

		seqs, err := db.DocumentSequenceNumbers(ctx)
		assert.NoError(t, err)
		assert.Len(t, seqs, 3)
	})
}

func TestLRUCollector(t *testing.T) {
	ctx := context.Background()

	lruConf := func() *eviction.LRUConfig {
		return &eviction.LRUConfig{
			Interval:                    time.Hour,
			CacheSizeThreshold:          10,
			PercentileToCollect:         20,
			MaxSequenceNumbersToCollect: 1000,
			RemovalBatchSize:            3,
		}
	}

	t.Run("collects percentile from lru end test", func(t *testing.T) {
		db := setUpDB(t)
		keys := seedDocuments(t, db, 100)
		delegate := &fakeDelegate{
			targets: map[core.TargetID]struct{}{},
			keys:    map[document.Key]struct{}{},
		}
		collector := eviction.NewLRUCollector(db, delegate, async.NewQueue(), lruConf(), func() bool { return true })

		results, err := collector.Collect(ctx)
		assert.NoError(t, err)
		assert.True(t, results.DidRun)
		assert.Equal(t, 20, results.SequenceNumbersCollected)
		assert.Equal(t, 20, results.DocumentsRemoved)

		// The 20 least recently used rows are gone, the rest survive.
		for _, key := range keys[:20] {
			info, err := db.FindDocument(ctx, key)
			assert.NoError(t, err)
			assert.Nil(t, info)
		}
		info, err := db.FindDocument(ctx, keys[20])
		assert.NoError(t, err)
		assert.NotNil(t, info)
	})

	t.Run("referenced documents are never evicted test", func(t *testing.T) {
		db := setUpDB(t)
		keys := seedDocuments(t, db, 100)
		delegate := &fakeDelegate{
			targets: map[core.TargetID]struct{}{},
			keys: map[document.Key]struct{}{
				keys[0]: {},
				keys[5]: {},
			},
		}
		collector := eviction.NewLRUCollector(db, delegate, async.NewQueue(), lruConf(), func() bool { return true })

		results, err := collector.Collect(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 18, results.DocumentsRemoved)

		for _, key := range []document.Key{keys[0], keys[5]} {
			info, err := db.FindDocument(ctx, key)
			assert.NoError(t, err)
			assert.NotNil(t, info)
		}
	})

	t.Run("active targets are never evicted test", func(t *testing.T) {
		db := setUpDB(t)
		seedDocuments(t, db, 100)

		stale := core.NewTargetData(core.NewCollectionTarget("halls"), 1, core.PurposeListen, 2)
		live := core.NewTargetData(core.NewCollectionTarget("rooms"), 2, core.PurposeListen, 3)
		assert.NoError(t, db.AddTarget(ctx, database.NewTargetInfo(stale)))
		assert.NoError(t, db.AddTarget(ctx, database.NewTargetInfo(live)))

		delegate := &fakeDelegate{
			targets: map[core.TargetID]struct{}{2: {}},
			keys:    map[document.Key]struct{}{},
		}
		collector := eviction.NewLRUCollector(db, delegate, async.NewQueue(), lruConf(), func() bool { return true })

		results, err := collector.Collect(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 1, results.TargetsRemoved)

		_, err = db.FindTarget(ctx, 1)
		assert.ErrorIs(t, err, database.ErrTargetNotFound)
		_, err = db.FindTarget(ctx, 2)
		assert.NoError(t, err)
	})

	t.Run("small cache skips the pass test", func(t *testing.T) {
		db := setUpDB(t)
		seedDocuments(t, db, 5)
		collector := eviction.NewLRUCollector(db, &fakeDelegate{}, async.NewQueue(), lruConf(), func() bool { return true })

		results, err := collector.Collect(ctx)
		assert.NoError(t, err)
		assert.False(t, results.DidRun)

		seqs, err := db.DocumentSequenceNumbers(ctx)
		assert.NoError(t, err)
		assert.Len(t, seqs, 5)
	})

	t.Run("timer pass only runs on the primary test", func(t *testing.T) {
		db := setUpDB(t)
		seedDocuments(t, db, 100)
		queue := async.NewQueue()
		defer queue.Close()

		collector := eviction.NewLRUCollector(db, &fakeDelegate{
			targets: map[core.TargetID]struct{}{},
			keys:    map[document.Key]struct{}{},
		}, queue, lruConf(), func() bool { return false })
		collector.Start()

		queue.ForceRunDelayedTasks()
		seqs, err := db.DocumentSequenceNumbers(ctx)
		assert.NoError(t, err)
		assert.Len(t, seqs, 100)

		collector.Stop()
		assert.False(t, queue.ContainsDelayed(eviction.TimerCollection))
	})
}
