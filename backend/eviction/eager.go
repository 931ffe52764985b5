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

	"go.uber.org/zap"

	"github.com/coral-db/coral/backend/database"
	"github.com/coral-db/coral/logging"
	"github.com/coral-db/coral/pkg/document"
)

// EagerCollector evicts a cached document as soon as nothing references it.
type EagerCollector struct {
	db       database.Database
	delegate ReferenceDelegate
	logger   logging.Logger
}

// NewEagerCollector creates an EagerCollector.
func NewEagerCollector(db database.Database, delegate ReferenceDelegate) *EagerCollector {
	return &EagerCollector{
		db:       db,
		delegate: delegate,
		logger:   logging.New("eviction"),
	}
}

// Collect is a no-op; eager eviction happens in ReleaseDocuments.
func (c *EagerCollector) Collect(ctx context.Context) (Results, error) {
	return Results{}, nil
}

// ReleaseDocuments removes the given documents unless they are still
// referenced.
func (c *EagerCollector) ReleaseDocuments(ctx context.Context, keys []document.Key) error {
	referenced := c.delegate.ReferencedKeys()

	evictable := make([]document.Key, 0, len(keys))
	for _, key := range keys {
		if _, ok := referenced[key]; ok {
			continue
		}
		evictable = append(evictable, key)
	}
	if len(evictable) == 0 {
		return nil
	}

	count, err := c.db.RemoveDocuments(ctx, evictable)
	if err != nil {
		return fmt.Errorf("remove released documents: %w", err)
	}

	if logging.Enabled(zap.DebugLevel) {
		c.logger.Debugf("evicted %d released documents", count)
	}
	return nil
}
