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

// Package eviction bounds the size of the local document cache. Two
// strategies are provided: eager eviction removes documents the moment
// nothing references them, LRU eviction periodically removes the
// least-recently-used slice of the cache by sequence number. A document that
// is referenced by an active target, a pending mutation or an in-flight
// limbo resolution is never evicted; dropping it would only cost a refetch,
// never correctness, but the reference set keeps the common path cheap.
package eviction

import (
	"context"

	"github.com/coral-db/coral/core"
	"github.com/coral-db/coral/pkg/document"
)

// Results summarizes one collection pass.
type Results struct {
	// DidRun reports whether the pass ran at all. A pass is skipped when
	// the cache is below the activation threshold.
	DidRun bool

	// SequenceNumbersCollected is the number of sequence numbers at or
	// below the computed threshold.
	SequenceNumbersCollected int

	// TargetsRemoved is the number of inactive targets removed.
	TargetsRemoved int

	// DocumentsRemoved is the number of cached documents removed.
	DocumentsRemoved int
}

// ReferenceDelegate exposes the live references of the engine. Everything it
// reports is pinned and must survive collection.
type ReferenceDelegate interface {
	// ActiveTargetIDs returns the ids of currently listened targets,
	// including limbo resolution targets.
	ActiveTargetIDs() map[core.TargetID]struct{}

	// ReferencedKeys returns the keys of documents pinned by active
	// targets, pending mutations or limbo resolution.
	ReferencedKeys() map[document.Key]struct{}
}

// Collector is the cache eviction contract.
type Collector interface {
	// Collect runs one collection pass. For eager collectors this is a
	// no-op; eviction already happened at release time.
	Collect(ctx context.Context) (Results, error)

	// ReleaseDocuments is invoked when the given documents stop being
	// referenced. Eager collectors evict here.
	ReleaseDocuments(ctx context.Context, keys []document.Key) error
}
