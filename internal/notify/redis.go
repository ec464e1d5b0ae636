// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tombee/relay/pkg/errors"
)

// DefaultRedisChannel is the pub/sub channel events are published to.
const DefaultRedisChannel = "relay:events"

// RedisConfig configures a RedisSink.
type RedisConfig struct {
	// URL is the Redis connection URL: redis://[:password@]host:port[/db]
	URL string

	// Channel defaults to DefaultRedisChannel.
	Channel string
}

// RedisSink publishes events as JSON to a Redis channel.
type RedisSink struct {
	client  *goredis.Client
	channel string
}

// NewRedisSink connects lazily; no command is sent until the first event.
func NewRedisSink(cfg RedisConfig) (*RedisSink, error) {
	if cfg.URL == "" {
		return nil, &errors.ConfigError{Key: "notify.redis.url", Reason: "required"}
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, &errors.ConfigError{Key: "notify.redis.url", Reason: "invalid URL", Cause: err}
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisChannel
	}
	return &RedisSink{client: goredis.NewClient(opts), channel: cfg.Channel}, nil
}

// Name implements Sink.
func (r *RedisSink) Name() string { return "redis" }

// Send implements Sink.
func (r *RedisSink) Send(ctx context.Context, ev *Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encoding event")
	}
	if err := r.client.Publish(ctx, r.channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", r.channel, err)
	}
	return nil
}

// Close releases the connection pool.
func (r *RedisSink) Close() error {
	return r.client.Close()
}
