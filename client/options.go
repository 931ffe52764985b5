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

package client

import (
	"github.com/coral-db/coral/backend/broadcast"
	"github.com/coral-db/coral/backend/database"
	"github.com/coral-db/coral/backend/database/mongo"
	"github.com/coral-db/coral/backend/election"
	"github.com/coral-db/coral/backend/eviction"
	"github.com/coral-db/coral/core/remote"
)

// Options configures how we set up the client.
type Options struct {
	// Key is the unique id of this client instance among co-resident
	// instances. A random id is generated when empty.
	Key string

	// LogLevel sets the global log level.
	LogLevel string `validate:"omitempty,oneof=debug info warn error panic fatal"`

	// Database is the storage the client uses. Defaults to the in-memory
	// store; co-resident instances must share one Database.
	Database database.Database

	// Mongo, when set, makes the client dial MongoDB for storage instead.
	Mongo *mongo.Config

	// Medium is the broadcast medium shared by co-resident instances.
	// Defaults to a private hub, which makes this instance sole primary.
	Medium broadcast.Medium

	// Tokens supplies auth tokens for stream openings.
	Tokens remote.TokenProvider

	// Election tunes the primary election.
	Election *election.Config

	// LRU selects and tunes LRU cache eviction. Nil selects eager
	// eviction.
	LRU *eviction.LRUConfig

	// MaxConcurrentLimboResolutions caps active limbo resolutions.
	MaxConcurrentLimboResolutions int `validate:"min=0"`
}

// Option configures Options.
type Option func(*Options)

// WithKey configures the instance key of the client.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = key }
}

// WithLogLevel configures the log level of the client.
func WithLogLevel(level string) Option {
	return func(o *Options) { o.LogLevel = level }
}

// WithDatabase configures the storage of the client. Co-resident instances
// must share one Database for election and the durable mutation queue to
// work.
func WithDatabase(db database.Database) Option {
	return func(o *Options) { o.Database = db }
}

// WithMongo makes the client store its cache in MongoDB.
func WithMongo(conf *mongo.Config) Option {
	return func(o *Options) { o.Mongo = conf }
}

// WithBroadcastMedium configures the medium shared by co-resident
// instances.
func WithBroadcastMedium(medium broadcast.Medium) Option {
	return func(o *Options) { o.Medium = medium }
}

// WithTokenProvider configures the auth token source of the client.
func WithTokenProvider(tokens remote.TokenProvider) Option {
	return func(o *Options) { o.Tokens = tokens }
}

// WithStaticAuthToken configures a fixed auth token.
func WithStaticAuthToken(token string) Option {
	return func(o *Options) { o.Tokens = remote.StaticToken(token) }
}

// WithElectionConfig tunes the primary election.
func WithElectionConfig(conf *election.Config) Option {
	return func(o *Options) { o.Election = conf }
}

// WithLRUEviction selects LRU cache eviction with the given tuning. The
// default is eager eviction.
func WithLRUEviction(conf *eviction.LRUConfig) Option {
	return func(o *Options) { o.LRU = conf }
}

// WithMaxConcurrentLimboResolutions caps active limbo resolutions.
func WithMaxConcurrentLimboResolutions(max int) Option {
	return func(o *Options) { o.MaxConcurrentLimboResolutions = max }
}
