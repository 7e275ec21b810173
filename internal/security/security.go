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

// Package security is the shared policy evaluator for the SMTP endpoints.
//
// It answers three questions: may this client connect (deny list, tarpit,
// reverse DNS), is this message structurally acceptable (header injection,
// relay abuse, MIME sanity) and does this message look like spam. Verdicts
// that matter for the audit trail are persisted as security events.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/framework/dns"
	"github.com/ferrymail/ferrymail/framework/exterrors"
	"github.com/ferrymail/ferrymail/framework/log"
	"github.com/ferrymail/ferrymail/internal/broker"
	"github.com/ferrymail/ferrymail/internal/reputation"
	"github.com/ferrymail/ferrymail/internal/store"
)

// Event kinds written to the security_events table.
const (
	EventRelayAbuse      = "relay_abuse"
	EventHeaderInjection = "header_injection"
	EventDuplicateHeader = "duplicate_header"
	EventMalformedMIME   = "malformed_mime"
	EventSpam            = "spam"
	EventAuthLockout     = "auth_lockout"
	EventDKIMFailure     = "dkim_failure"
)

const (
	authFailPrefix = "authfail:"
	authLockPrefix = "authlock:"

	// Lockout duration for the first failure past the window budget. Each
	// further failure doubles it, capped at the window length.
	lockoutBase = time.Minute

	ptrTimeout = 5 * time.Second
)

type Manager struct {
	cfg       config.Security
	authLimit config.Limit
	brk       broker.Broker
	st        *store.Store
	rep       *reputation.Manager

	denyNets []*net.IPNet
	resolver dns.Resolver

	Log log.Logger
}

// New builds the policy evaluator. rep may be nil, in which case the
// reputation tarpit is skipped.
func New(cfg config.Security, authLimit config.Limit, brk broker.Broker, st *store.Store, rep *reputation.Manager, logger log.Logger) (*Manager, error) {
	m := &Manager{
		cfg:       cfg,
		authLimit: authLimit,
		brk:       brk,
		st:        st,
		rep:       rep,
		resolver:  dns.DefaultResolver(),
		Log:       logger,
	}
	for _, cidr := range cfg.DenyCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("security: deny list: %w", err)
		}
		m.denyNets = append(m.denyNets, ipNet)
	}
	return m, nil
}

func (m *Manager) Name() string {
	return "security"
}

func (m *Manager) InstanceName() string {
	return ""
}

// ValidateConnection decides whether a client may open (or keep) an SMTP
// session. helo may be empty when the client has not sent EHLO yet; its
// syntax is then not checked.
//
// The returned error is an *exterrors.SMTPError carrying the reply to send
// before dropping the connection: 554 for the deny list, 421 for tarpitted
// addresses.
func (m *Manager) ValidateConnection(ctx context.Context, ip net.IP, helo string) error {
	for _, ipNet := range m.denyNets {
		if ipNet.Contains(ip) {
			return &exterrors.SMTPError{
				Code:         554,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
				Message:      "Access denied",
				TargetName:   "security",
				Reason:       "client address is deny-listed",
				Misc: map[string]interface{}{
					"src_ip": ip.String(),
					"cidr":   ipNet.String(),
				},
			}
		}
	}

	if m.rep != nil {
		if ok, until := m.rep.DeliveryAllowed(ctx, "ip:"+ip.String()); !ok {
			return &exterrors.SMTPError{
				Code:         421,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 0},
				Message:      "Try again later",
				TargetName:   "security",
				Reason:       "client address is tarpitted",
				Misc: map[string]interface{}{
					"src_ip":        ip.String(),
					"blocked_until": until,
				},
			}
		}
	}

	if m.cfg.RequirePTR {
		if err := m.checkPTR(ctx, ip); err != nil {
			return err
		}
		if err := checkHELO(helo); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) checkPTR(ctx context.Context, ip net.IP) error {
	ctx, cancel := context.WithTimeout(ctx, ptrTimeout)
	defer cancel()

	name, err := dns.LookupAddr(ctx, m.resolver, ip)
	if err != nil && !dns.IsNotFound(err) {
		// Resolver trouble is not the client's fault.
		m.Log.Error("PTR lookup failed", err, "src_ip", ip.String())
		return nil
	}
	if name == "" {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 25},
			Message:      "Reverse DNS is required to send mail here",
			TargetName:   "security",
			Reason:       "no PTR record",
			Misc:         map[string]interface{}{"src_ip": ip.String()},
		}
	}
	return nil
}

func checkHELO(helo string) error {
	if helo == "" {
		return nil
	}
	// Address literals are fine, bare labels and embedded whitespace are
	// not.
	if helo[0] == '[' && helo[len(helo)-1] == ']' {
		return nil
	}
	ok := true
	dot := false
	for _, ch := range helo {
		switch {
		case ch == '.':
			dot = true
		case ch == ' ' || ch == '\t':
			ok = false
		}
	}
	if ok && dot {
		return nil
	}
	return &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 5, 2},
		Message:      "Malformed EHLO hostname",
		TargetName:   "security",
		Reason:       "EHLO argument is not a FQDN or address literal",
		Misc:         map[string]interface{}{"helo": helo},
	}
}

// AuthFailure records a failed AUTH attempt for (ip, username). Once the
// window budget is exhausted every further failure starts or extends an
// exponentially growing lockout.
func (m *Manager) AuthFailure(ctx context.Context, ip, username string) {
	if m.authLimit.Max <= 0 {
		return
	}

	key := authFailPrefix + ip + ":" + username
	n, err := m.brk.Incr(ctx, key)
	if err != nil {
		m.Log.DebugMsg("broker unavailable, auth failure not counted", "src_ip", ip)
		return
	}
	if n == 1 {
		if err := m.brk.Expire(ctx, key, m.authLimit.Window); err != nil {
			m.Log.DebugMsg("broker unavailable, auth window not set", "src_ip", ip)
		}
	}

	over := n - int64(m.authLimit.Max)
	if over < 0 {
		return
	}
	if over > 16 {
		over = 16
	}
	d := lockoutBase << uint(over)
	if d > m.authLimit.Window {
		d = m.authLimit.Window
	}
	until := time.Now().Add(d)

	err = m.brk.Set(ctx, authLockPrefix+ip+":"+username,
		strconv.FormatInt(until.Unix(), 10), d)
	if err != nil {
		m.Log.DebugMsg("broker unavailable, lockout not set", "src_ip", ip)
		return
	}

	m.Log.Msg("authentication lockout",
		"src_ip", ip, "username", username, "failures", n, "duration", d)
	m.RecordEvent(ctx, 0, EventAuthLockout, ip,
		fmt.Sprintf("%d failed logins for %s, locked for %v", n, username, d))
	if m.rep != nil {
		m.rep.RecordFailure(ctx, "ip:"+ip, "authentication lockout", false)
	}
}

// AuthSuccess clears the failure streak for (ip, username). An active
// lockout is left to expire on its own.
func (m *Manager) AuthSuccess(ctx context.Context, ip, username string) {
	if err := m.brk.Del(ctx, authFailPrefix+ip+":"+username); err != nil {
		m.Log.DebugMsg("broker unavailable, auth streak not cleared", "src_ip", ip)
	}
}

// AuthLocked reports whether (ip, username) is locked out and until when.
// Broker failures report unlocked.
func (m *Manager) AuthLocked(ctx context.Context, ip, username string) (bool, time.Time) {
	v, err := m.brk.Get(ctx, authLockPrefix+ip+":"+username)
	if err != nil {
		if !errors.Is(err, broker.ErrNoKey) {
			m.Log.DebugMsg("broker unavailable, lockout not checked", "src_ip", ip)
		}
		return false, time.Time{}
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return false, time.Time{}
	}
	until := time.Unix(sec, 0)
	if !time.Now().Before(until) {
		return false, time.Time{}
	}
	return true, until
}

// RecordEvent appends to the security audit trail. Events are never
// load-bearing for delivery, failures are logged and swallowed.
func (m *Manager) RecordEvent(ctx context.Context, tenantID int64, kind, subject, detail string) {
	eventsTotal.WithLabelValues(kind).Inc()
	if err := m.st.RecordSecurityEvent(ctx, tenantID, kind, subject, detail); err != nil {
		m.Log.Error("security event not recorded", err, "kind", kind, "subject", subject)
	}
}
