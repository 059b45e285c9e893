/*
 * Copyright 2022 RapidLoop, Inc.
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

package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// responseCache backs the CacheGet and CacheSet functions of the runtime
// interface.
type responseCache interface {
	set(key uint64, value []byte)
	get(key uint64) (value []byte, found bool)
}

//------------------------------------------------------------------------------
// in-process cache

type memCache struct {
	m sync.Map
}

func newMemCache() *memCache {
	return &memCache{}
}

func (c *memCache) set(key uint64, value []byte) {
	if len(value) == 0 {
		c.m.Delete(key)
	} else {
		c.m.Store(key, value)
	}
}

func (c *memCache) get(key uint64) (value []byte, found bool) {
	if v, ok := c.m.Load(key); ok && v != nil {
		return v.([]byte), true
	}
	return nil, false
}

//------------------------------------------------------------------------------
// redis cache

const (
	redisKeyPrefix = "cruze:cache:"
	redisOpTimeout = 2 * time.Second
	// entries carry their own timestamp and are checked by the server; this
	// only bounds how long unreachable entries linger
	redisExpiry = time.Hour
)

type redisCache struct {
	client *redis.Client
	logger zerolog.Logger
}

func newRedisCache(addr string, logger zerolog.Logger) (*redisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  redisOpTimeout,
		WriteTimeout: redisOpTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection to %s failed: %w", addr, err)
	}

	logger.Info().Str("addr", addr).Msg("using redis cache")
	return &redisCache{client: client, logger: logger}, nil
}

func redisKey(key uint64) string {
	return redisKeyPrefix + strconv.FormatUint(key, 16)
}

func (c *redisCache) set(key uint64, value []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	var err error
	if len(value) == 0 {
		err = c.client.Del(ctx, redisKey(key)).Err()
	} else {
		err = c.client.Set(ctx, redisKey(key), value, redisExpiry).Err()
	}
	if err != nil {
		c.logger.Warn().Err(err).Uint64("key", key).Msg("redis cache set failed")
	}
}

func (c *redisCache) get(key uint64) (value []byte, found bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	value, err := c.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	} else if err != nil {
		c.logger.Warn().Err(err).Uint64("key", key).Msg("redis cache get failed")
		return nil, false
	}
	return value, true
}

func (c *redisCache) close() {
	if err := c.client.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to close redis client")
	}
}
