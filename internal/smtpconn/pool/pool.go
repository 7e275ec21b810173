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

// Package pool keeps established SMTP sessions around for reuse, bucketed
// by an opaque key (the MX hostname for outbound delivery).
package pool

import (
	"context"
	"sync"
	"time"
)

type Conn interface {
	Usable() bool
	LastUseAt() time.Time
	Close() error
}

type Config struct {
	// New is called on Get when no pooled connection is available for the
	// key.
	New func(ctx context.Context, key string) (Conn, error)

	// MaxKeys bounds the number of per-key buckets kept. Return prefers
	// evicting stale buckets over dropping the returned connection.
	MaxKeys        int
	MaxConnsPerKey int

	// MaxConnLifetime discards pooled connections that have not been used
	// for that long; most receivers drop idle sessions far earlier.
	MaxConnLifetime time.Duration

	// StaleKeyLifetime is how long an untouched bucket survives before the
	// cleanup pass closes everything in it.
	StaleKeyLifetime time.Duration
}

type slot struct {
	c chan Conn
	// To keep slot size smaller it is just a unix timestamp.
	lastUse int64
}

type P struct {
	cfg      Config
	keys     map[string]slot
	keysLock sync.Mutex

	cleanupStop chan struct{}
}

func New(cfg Config) *P {
	if cfg.New == nil {
		cfg.New = func(context.Context, string) (Conn, error) {
			return nil, nil
		}
	}

	p := &P{
		cfg:         cfg,
		keys:        make(map[string]slot, cfg.MaxKeys),
		cleanupStop: make(chan struct{}),
	}

	go p.cleanUpTick(p.cleanupStop)

	return p
}

func (p *P) cleanUpTick(stop chan struct{}) {
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			p.CleanUp()
		case <-stop:
			return
		}
	}
}

// CleanUp closes and forgets buckets that have not been touched for
// StaleKeyLifetime.
func (p *P) CleanUp() {
	p.keysLock.Lock()
	defer p.keysLock.Unlock()

	for k, v := range p.keys {
		if time.Unix(v.lastUse, 0).Add(p.cfg.StaleKeyLifetime).After(time.Now()) {
			continue
		}

		close(v.c)
		for conn := range v.c {
			go conn.Close()
		}
		delete(p.keys, k)
	}
}

// Get returns a pooled connection for the key or opens a fresh one via
// cfg.New. Pooled connections that turned unusable or sat idle past
// MaxConnLifetime are discarded on the way.
func (p *P) Get(ctx context.Context, key string) (Conn, error) {
	p.keysLock.Lock()

	bucket, ok := p.keys[key]
	if !ok {
		p.keysLock.Unlock()
		return p.cfg.New(ctx, key)
	}

	if time.Unix(bucket.lastUse, 0).Add(p.cfg.MaxConnLifetime).Before(time.Now()) {
		// Drop the whole bucket.
		delete(p.keys, key)
		close(bucket.c)

		// Close might take some time, unlock early.
		p.keysLock.Unlock()

		for conn := range bucket.c {
			conn.Close()
		}

		return p.cfg.New(ctx, key)
	}

	p.keysLock.Unlock()

	for {
		var conn Conn
		select {
		case conn, ok = <-bucket.c:
			if !ok {
				return p.cfg.New(ctx, key)
			}
		default:
			return p.cfg.New(ctx, key)
		}

		if !conn.Usable() {
			// Close might take some time, run in parallel.
			go conn.Close()
			continue
		}
		if conn.LastUseAt().Add(p.cfg.MaxConnLifetime).Before(time.Now()) {
			go conn.Close()
			continue
		}

		return conn, nil
	}
}

// Return hands a still-usable connection back to the pool. The connection
// is closed instead when the bucket is full or the pool is shut down.
func (p *P) Return(key string, c Conn) {
	p.keysLock.Lock()
	defer p.keysLock.Unlock()

	if p.keys == nil {
		go c.Close()
		return
	}

	bucket, ok := p.keys[key]
	if !ok {
		// Garbage-collect stale buckets to free up a spot.
		if len(p.keys) == p.cfg.MaxKeys {
			for k, v := range p.keys {
				if time.Unix(v.lastUse, 0).Add(p.cfg.StaleKeyLifetime).After(time.Now()) {
					continue
				}
				delete(p.keys, k)
				close(v.c)

				for conn := range v.c {
					conn.Close()
				}
			}
		}

		bucket = slot{
			c:       make(chan Conn, p.cfg.MaxConnsPerKey),
			lastUse: time.Now().Unix(),
		}
		p.keys[key] = bucket
	}

	select {
	case bucket.c <- c:
		bucket.lastUse = time.Now().Unix()
		p.keys[key] = bucket
	default:
		// Let it go, let it go...
		go c.Close()
	}
}

func (p *P) Close() {
	close(p.cleanupStop)

	p.keysLock.Lock()
	defer p.keysLock.Unlock()

	for k, v := range p.keys {
		close(v.c)
		for conn := range v.c {
			conn.Close()
		}
		delete(p.keys, k)
	}
	p.keys = nil
}
