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

// Package ratelimit implements the sliding-window limits applied to
// connections, authentication, sending and per-destination delivery.
//
// Counters live in the broker as one key per (scope, subject, sub-window).
// The decision sums the sub-windows covered by the scope's window, weighting
// the oldest one by its remaining overlap. Attempts count whether or not they
// are admitted, so a client hammering a full limit keeps it full.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/framework/log"
	"github.com/ferrymail/ferrymail/internal/broker"
	"github.com/ferrymail/ferrymail/internal/limiters"
)

type Scope string

const (
	// ScopeConnection counts connection attempts per client IP.
	ScopeConnection Scope = "connection"
	// ScopeAuth counts failed authentications per ip:username pair.
	ScopeAuth Scope = "auth"
	// ScopeSendUser counts accepted outbound messages per user.
	ScopeSendUser Scope = "send_user"
	// ScopeSendTenant counts accepted outbound messages per tenant.
	ScopeSendTenant Scope = "send_tenant"
	// ScopeSendDestination counts delivery attempts per recipient domain.
	ScopeSendDestination Scope = "send_destination"
)

// subWindow is the counter granularity. Windows shorter than this degrade
// to a single smoothed sub-window.
const subWindow = time.Minute

// Decision is the outcome of a Take call.
type Decision struct {
	Allowed bool

	// RetryAfter says when a deferred attempt is worth repeating: the
	// point where the oldest counted sub-window leaves the window.
	RetryAfter time.Duration
}

type Limiter struct {
	cfg config.RateLimit
	brk broker.Broker

	conns *limiters.BucketSet

	Log log.Logger
}

func New(cfg config.RateLimit, brk broker.Broker, logger log.Logger) *Limiter {
	return &Limiter{
		cfg: cfg,
		brk: brk,
		conns: limiters.NewBucketSet(func() limiters.L {
			return limiters.NewSemaphore(cfg.MaxConnsPerIP)
		}, time.Minute, 10000),
		Log: logger,
	}
}

func (l *Limiter) Name() string {
	return "ratelimit"
}

func (l *Limiter) InstanceName() string {
	return ""
}

func (l *Limiter) Close() error {
	l.conns.Close()
	return nil
}

func (l *Limiter) limitFor(scope Scope) config.Limit {
	switch scope {
	case ScopeConnection:
		return l.cfg.Connection
	case ScopeAuth:
		return l.cfg.Auth
	case ScopeSendUser:
		return l.cfg.SendUser
	case ScopeSendTenant:
		return l.cfg.SendTenant
	case ScopeSendDestination:
		return l.cfg.SendDestination
	}
	return config.Limit{}
}

// Take counts one attempt of subject against scope and decides whether it is
// admitted. Broker failures admit: limits are protection, not correctness.
func (l *Limiter) Take(ctx context.Context, scope Scope, subject string) Decision {
	lim := l.limitFor(scope)
	if lim.Max <= 0 {
		return Decision{Allowed: true}
	}

	now := time.Now()
	sub := int64(subWindow / time.Second)
	cur := now.Unix() / sub
	n := int64(lim.Window / subWindow)
	if n < 1 {
		n = 1
	}

	key := func(b int64) string {
		return fmt.Sprintf("rl:%s:%s:%d", scope, subject, b)
	}

	count, err := l.brk.Incr(ctx, key(cur))
	if err != nil {
		l.Log.DebugMsg("broker unavailable, admitting", "scope", scope, "reason", err)
		return Decision{Allowed: true}
	}
	if count == 1 {
		if err := l.brk.Expire(ctx, key(cur), lim.Window+2*subWindow); err != nil {
			l.Log.DebugMsg("expire failed", "scope", scope, "reason", err)
		}
	}

	sum := float64(count)
	oldest := cur
	for i := int64(1); i <= n; i++ {
		b := cur - i
		val, err := l.brk.Get(ctx, key(b))
		if err != nil {
			if errors.Is(err, broker.ErrNoKey) {
				continue
			}
			l.Log.DebugMsg("broker unavailable, admitting", "scope", scope, "reason", err)
			return Decision{Allowed: true}
		}
		cnt, _ := strconv.ParseFloat(val, 64)
		if cnt <= 0 {
			continue
		}
		if i == n {
			// The oldest sub-window only partially overlaps the window.
			elapsed := float64(now.Unix() - cur*sub)
			frac := 1 - elapsed/float64(sub)
			if frac <= 0 {
				continue
			}
			sum += cnt * frac
		} else {
			sum += cnt
		}
		oldest = b
	}

	if sum <= float64(lim.Max) {
		return Decision{Allowed: true}
	}

	deferralsTotal.WithLabelValues(string(scope)).Inc()

	retry := time.Unix((oldest+n+1)*sub, 0).Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	if max := lim.Window + subWindow; retry > max {
		retry = max
	}
	return Decision{Allowed: false, RetryAfter: retry}
}

// TakeConn accounts one concurrent connection from ip. False means the
// per-IP bound is reached and the connection should be rejected with a
// temporary error. Admitted connections must be paired with ReleaseConn.
func (l *Limiter) TakeConn(ip string) bool {
	return l.conns.TryTake(ip)
}

func (l *Limiter) ReleaseConn(ip string) {
	l.conns.Release(ip)
}
