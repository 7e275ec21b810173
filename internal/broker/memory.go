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

package broker

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value  string
	hash   map[string]string
	expiry time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

// Memory is the in-process Broker used when no Redis host is configured.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry

	stopReap chan struct{}
	reapDone chan struct{}
}

func NewMemory() *Memory {
	m := &Memory{
		entries:  make(map[string]*memEntry),
		stopReap: make(chan struct{}),
		reapDone: make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

func (m *Memory) reapLoop() {
	defer close(m.reapDone)
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-m.stopReap:
			return
		case now := <-t.C:
			m.mu.Lock()
			for k, e := range m.entries {
				if e.expired(now) {
					delete(m.entries, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

// get returns the live entry for key or nil. Caller holds mu.
func (m *Memory) get(key string) *memEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if e.expired(time.Now()) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.get(key)
	if e == nil {
		e = &memEntry{}
		m.entries[key] = e
	}
	n, _ := strconv.ParseInt(e.value, 10, 64)
	n++
	e.value = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.get(key); e != nil {
		e.expiry = time.Now().Add(ttl)
	}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.get(key)
	if e == nil {
		return "", ErrNoKey
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &memEntry{value: value}
	if ttl > 0 {
		e.expiry = time.Now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.get(key)
	if e == nil {
		e = &memEntry{hash: make(map[string]string)}
		m.entries[key] = e
	}
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	n, _ := strconv.ParseInt(e.hash[field], 10, 64)
	n += delta
	e.hash[field] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *Memory) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.get(key)
	if e == nil {
		e = &memEntry{hash: make(map[string]string)}
		m.entries[key] = e
	}
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	for f, v := range fields {
		e.hash[f] = v
	}
	return nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.get(key)
	if e == nil || e.hash == nil {
		// Redis returns an empty hash for missing keys, not an error.
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(e.hash))
	for f, v := range e.hash {
		out[f] = v
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	close(m.stopReap)
	<-m.reapDone
	return nil
}
