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

// Package reputation tracks per-destination delivery health and blocks
// destinations that keep failing.
//
// Keys take the form mx:<host> for a concrete MX and domain:<domain> for a
// recipient domain. Counters live in the broker (shared across nodes when
// the broker is Redis) and are periodically snapshotted to the reputation
// table so blocks survive restarts.
package reputation

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/framework/log"
	"github.com/ferrymail/ferrymail/internal/broker"
	"github.com/ferrymail/ferrymail/internal/store"
)

const keyPrefix = "rep:"

const (
	fieldSuccesses   = "successes"
	fieldFailures    = "failures"
	fieldConsecutive = "consecutive_failures"
	fieldLastOutcome = "last_outcome_at"
	fieldBlocked     = "blocked_until"
)

type Manager struct {
	cfg config.Reputation
	brk broker.Broker
	st  *store.Store

	Log log.Logger

	mu    sync.Mutex
	dirty map[string]struct{}

	stopFlush chan struct{}
	flushDone chan struct{}
}

func New(cfg config.Reputation, brk broker.Broker, st *store.Store, logger log.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		brk:       brk,
		st:        st,
		Log:       logger,
		dirty:     map[string]struct{}{},
		stopFlush: make(chan struct{}),
		flushDone: make(chan struct{}),
	}
}

func (m *Manager) Name() string {
	return "reputation"
}

func (m *Manager) InstanceName() string {
	return ""
}

// Start seeds the broker state from the store snapshot and begins the
// periodic flush.
func (m *Manager) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snaps, err := m.st.LoadReputation(ctx)
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		err := m.brk.HSet(ctx, keyPrefix+snap.Key, map[string]string{
			fieldSuccesses:   strconv.FormatInt(snap.Successes, 10),
			fieldFailures:    strconv.FormatInt(snap.Failures, 10),
			fieldConsecutive: strconv.FormatInt(snap.ConsecutiveFailures, 10),
			fieldLastOutcome: strconv.FormatInt(unix(snap.LastOutcomeAt), 10),
			fieldBlocked:     strconv.FormatInt(unix(snap.BlockedUntil), 10),
		})
		if err != nil {
			m.Log.Error("seed failed", err, "key", snap.Key)
		}
	}
	m.Log.DebugMsg("reputation state seeded", "entries", len(snaps))

	go m.flushLoop()
	return nil
}

func (m *Manager) Stop() error {
	close(m.stopFlush)
	<-m.flushDone

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	m.flush(ctx)
	return nil
}

// RecordSuccess resets the consecutive failure streak for key.
func (m *Manager) RecordSuccess(ctx context.Context, key string) {
	if _, err := m.brk.HIncrBy(ctx, keyPrefix+key, fieldSuccesses, 1); err != nil {
		m.Log.DebugMsg("broker unavailable, outcome dropped", "key", key, "reason", err)
		return
	}
	err := m.brk.HSet(ctx, keyPrefix+key, map[string]string{
		fieldConsecutive: "0",
		fieldBlocked:     "0",
		fieldLastOutcome: strconv.FormatInt(time.Now().Unix(), 10),
	})
	if err != nil {
		m.Log.DebugMsg("broker unavailable, outcome dropped", "key", key, "reason", err)
		return
	}
	m.markDirty(key)
}

// RecordFailure counts a failed delivery against key. A streak past the
// soft threshold blocks the destination for the soft block window; past the
// hard threshold, or when hard is set (permanent SMTP rejection), for the
// hard one.
func (m *Manager) RecordFailure(ctx context.Context, key, reason string, hard bool) {
	pkey := keyPrefix + key
	if _, err := m.brk.HIncrBy(ctx, pkey, fieldFailures, 1); err != nil {
		m.Log.DebugMsg("broker unavailable, outcome dropped", "key", key, "reason", err)
		return
	}
	streak, err := m.brk.HIncrBy(ctx, pkey, fieldConsecutive, 1)
	if err != nil {
		m.Log.DebugMsg("broker unavailable, outcome dropped", "key", key, "reason", err)
		return
	}

	fields := map[string]string{
		fieldLastOutcome: strconv.FormatInt(time.Now().Unix(), 10),
	}

	var block time.Duration
	switch {
	case hard || streak >= int64(m.cfg.HardThreshold):
		block = m.cfg.HardBlock
	case streak >= int64(m.cfg.SoftThreshold):
		block = m.cfg.SoftBlock
	}
	if block > 0 {
		until := time.Now().Add(block)
		fields[fieldBlocked] = strconv.FormatInt(until.Unix(), 10)
		m.Log.Msg("destination blocked", "key", key, "until", until.Format(time.RFC3339),
			"streak", streak, "reason", reason)
	}

	if err := m.brk.HSet(ctx, pkey, fields); err != nil {
		m.Log.DebugMsg("broker unavailable, outcome dropped", "key", key, "reason", err)
		return
	}
	m.markDirty(key)
}

// DeliveryAllowed reports whether key is currently deliverable. When it is
// not, the returned time says when the block lapses. Broker failures allow
// delivery: reputation is an optimization, not a correctness gate.
func (m *Manager) DeliveryAllowed(ctx context.Context, key string) (bool, time.Time) {
	fields, err := m.brk.HGetAll(ctx, keyPrefix+key)
	if err != nil {
		m.Log.DebugMsg("broker unavailable, allowing", "key", key, "reason", err)
		return true, time.Time{}
	}
	blockedUnix, _ := strconv.ParseInt(fields[fieldBlocked], 10, 64)
	if blockedUnix == 0 {
		return true, time.Time{}
	}
	until := time.Unix(blockedUnix, 0)
	if time.Now().After(until) {
		return true, time.Time{}
	}
	return false, until
}

// Snapshot reads the live state for key. Missing keys yield a zero snapshot.
func (m *Manager) Snapshot(ctx context.Context, key string) (*store.ReputationSnapshot, error) {
	fields, err := m.brk.HGetAll(ctx, keyPrefix+key)
	if err != nil {
		return nil, err
	}
	snap := &store.ReputationSnapshot{Key: key}
	snap.Successes, _ = strconv.ParseInt(fields[fieldSuccesses], 10, 64)
	snap.Failures, _ = strconv.ParseInt(fields[fieldFailures], 10, 64)
	snap.ConsecutiveFailures, _ = strconv.ParseInt(fields[fieldConsecutive], 10, 64)
	if v, _ := strconv.ParseInt(fields[fieldLastOutcome], 10, 64); v != 0 {
		snap.LastOutcomeAt = time.Unix(v, 0)
	}
	if v, _ := strconv.ParseInt(fields[fieldBlocked], 10, 64); v != 0 {
		snap.BlockedUntil = time.Unix(v, 0)
	}
	return snap, nil
}

func (m *Manager) markDirty(key string) {
	m.mu.Lock()
	m.dirty[key] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) flushLoop() {
	defer close(m.flushDone)
	t := time.NewTicker(m.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopFlush:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			m.flush(ctx)
			cancel()
		}
	}
}

func (m *Manager) flush(ctx context.Context) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.dirty))
	for k := range m.dirty {
		keys = append(keys, k)
	}
	m.dirty = map[string]struct{}{}
	m.mu.Unlock()

	for _, key := range keys {
		snap, err := m.Snapshot(ctx, key)
		if err != nil {
			m.markDirty(key)
			m.Log.Error("snapshot failed", err, "key", key)
			continue
		}
		// Lapsed blocks are dropped instead of persisted.
		if !snap.BlockedUntil.IsZero() && time.Now().After(snap.BlockedUntil) {
			snap.BlockedUntil = time.Time{}
			_ = m.brk.HSet(ctx, keyPrefix+key, map[string]string{fieldBlocked: "0"})
		}
		if err := m.st.SaveReputation(ctx, snap); err != nil {
			m.markDirty(key)
			m.Log.Error("flush failed", err, "key", key)
		}
	}
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
