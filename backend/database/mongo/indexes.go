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

package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type collectionIndexes struct {
	collection string
	indexes    []mongo.IndexModel
}

var indexes = []collectionIndexes{
	{
		collection: colDocuments,
		indexes: []mongo.IndexModel{{
			Keys:    bson.M{"key": 1},
			Options: options.Index().SetUnique(true),
		}, {
			Keys: bson.M{"collection": 1},
		}, {
			Keys: bson.M{"sequence_number": 1},
		}},
	},
	{
		collection: colMutations,
		indexes: []mongo.IndexModel{{
			Keys:    bson.M{"batch_id": 1},
			Options: options.Index().SetUnique(true),
		}, {
			Keys: bson.M{"owner": 1},
		}},
	},
	{
		collection: colTargets,
		indexes: []mongo.IndexModel{{
			Keys:    bson.M{"target_id": 1},
			Options: options.Index().SetUnique(true),
		}, {
			Keys: bson.M{"canonical_id": 1},
		}},
	},
	{
		collection: colClients,
		indexes: []mongo.IndexModel{{
			Keys:    bson.M{"id": 1},
			Options: options.Index().SetUnique(true),
		}, {
			Keys: bson.M{"updated_at": 1},
		}},
	},
}

// ensureIndexes creates the indexes of every collection.
func ensureIndexes(ctx context.Context, db *mongo.Database) error {
	for _, info := range indexes {
		if _, err := db.Collection(info.collection).Indexes().CreateMany(ctx, info.indexes); err != nil {
			return fmt.Errorf("create indexes of %s: %w", info.collection, err)
		}
	}
	return nil
}
