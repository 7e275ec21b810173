/*
Ferrymail - Standalone outbound email delivery engine.
Copyright © 2022-2024 Ferrymail contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package broker provides the shared key/value counter state used by rate
// limiting, reputation tracking and auth lockout.
//
// The backing store is Redis when one is configured. Without one the
// in-process implementation is used and the same counters become node-local
// and non-durable, which is acceptable for single-node deployments.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/framework/log"
)

// ErrNoKey is returned by Get for keys that do not exist or have expired.
var ErrNoKey = errors.New("broker: no such key")

type Broker interface {
	// Incr atomically increments the integer value at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets the time-to-live of key. Keys without a TTL persist until
	// deleted.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// Hash operations back the reputation entries.
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// New picks the implementation for cfg. An empty host selects the
// in-process fallback.
func New(cfg config.Broker, logger log.Logger) Broker {
	if cfg.Host == "" {
		logger.Msg("no broker configured, using in-process counters")
		return NewMemory()
	}

	b := NewRedis(cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Ping(ctx); err != nil {
		// Not fatal: the monitor keeps probing and raises
		// broker_disconnection, limits degrade to allowing.
		logger.Error("broker unreachable", err, "host", cfg.Host)
	}

	return b
}
