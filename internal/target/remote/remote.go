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

// Package remote implements direct message delivery to the servers
// discovered via DNS MX records of the recipient domain.
//
// Interfaces implemented:
// - module.DeliveryTarget
// - module.ServerReporter (on the delivery object)
package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime/trace"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"golang.org/x/net/idna"

	"github.com/ferrymail/ferrymail/framework/address"
	"github.com/ferrymail/ferrymail/framework/buffer"
	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/framework/dns"
	"github.com/ferrymail/ferrymail/framework/exterrors"
	"github.com/ferrymail/ferrymail/framework/log"
	"github.com/ferrymail/ferrymail/framework/module"
	"github.com/ferrymail/ferrymail/internal/limiters"
	"github.com/ferrymail/ferrymail/internal/ratelimit"
	"github.com/ferrymail/ferrymail/internal/reputation"
	"github.com/ferrymail/ferrymail/internal/smtpconn/pool"
	"github.com/ferrymail/ferrymail/internal/store"
	"github.com/ferrymail/ferrymail/internal/target"
)

var smtpPort = "25"

func moduleError(err error) error {
	if err == nil {
		return nil
	}

	return exterrors.WithFields(err, map[string]interface{}{
		"target": "remote",
	})
}

// Target delivers messages directly to the MX hosts of the recipient
// domains.
//
// Established sessions are kept in a per-host pool and reused for subsequent
// messages up to MaxMessagesPerSession. A per-host semaphore bounds the
// number of open sessions per destination so one busy domain cannot exhaust
// local sockets. The reputation manager is consulted before each
// destination and updated with the outcome of every conversation.
type Target struct {
	hostname   string
	tlsConfig  *tls.Config
	requireTLS bool
	cfg        config.Delivery

	resolver dns.Resolver
	dialer   func(ctx context.Context, network, addr string) (net.Conn, error)

	st    *store.Store
	rep   *reputation.Manager
	rates *ratelimit.Limiter

	conns     *pool.P
	hostSlots *limiters.BucketSet

	Log log.Logger
}

var _ module.DeliveryTarget = &Target{}

// New constructs the MX delivery target from the delivery section of the
// configuration. st, rep and rates may be nil; the corresponding recording
// and gating is skipped then.
func New(cfg *config.Config, st *store.Store, rep *reputation.Manager, rates *ratelimit.Limiter, logger log.Logger) (*Target, error) {
	// INTERNATIONALIZATION: See RFC 6531 Section 3.7.1.
	hostname, err := idna.ToASCII(cfg.Hostname)
	if err != nil {
		return nil, fmt.Errorf("remote: cannot represent the hostname as an A-label name: %w", err)
	}

	rt := &Target{
		hostname:   hostname,
		tlsConfig:  &tls.Config{},
		requireTLS: cfg.Delivery.RequireTLS,
		cfg:        cfg.Delivery,
		resolver:   dns.DefaultResolver(),
		dialer:     (&net.Dialer{}).DialContext,
		st:         st,
		rep:        rep,
		rates:      rates,
		Log:        logger,
	}
	rt.initPools()
	return rt, nil
}

func (rt *Target) initPools() {
	rt.conns = pool.New(pool.Config{
		MaxKeys:          5000,
		MaxConnsPerKey:   rt.cfg.MaxConnsPerHost,
		MaxConnLifetime:  rt.cfg.PoolIdleTimeout,
		StaleKeyLifetime: 5 * rt.cfg.PoolIdleTimeout,
	})
	rt.hostSlots = limiters.NewBucketSet(func() limiters.L {
		return limiters.NewSemaphore(rt.cfg.MaxConnsPerHost)
	}, time.Hour, 65536)
}

func (rt *Target) Close() error {
	rt.conns.Close()
	rt.hostSlots.Close()
	return nil
}

func (rt *Target) Name() string {
	return "remote"
}

func (rt *Target) InstanceName() string {
	return ""
}

type remoteDelivery struct {
	rt       *Target
	mailFrom string
	msgMeta  *module.MsgMetadata
	Log      log.Logger

	recipients  []string
	connections map[string]*mxConn

	// rcptConn maps each added recipient to the session that took it,
	// accepted maps it to the server name once the message is transferred.
	rcptConn map[string]*mxConn
	accepted map[string]string
}

func (rt *Target) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	return &remoteDelivery{
		rt:          rt,
		mailFrom:    mailFrom,
		msgMeta:     msgMeta,
		Log:         target.DeliveryLogger(rt.Log, msgMeta),
		connections: map[string]*mxConn{},
		rcptConn:    map[string]*mxConn{},
		accepted:    map[string]string{},
	}, nil
}

func (rd *remoteDelivery) AddRcpt(ctx context.Context, to string) error {
	defer trace.StartRegion(ctx, "remote/AddRcpt").End()

	if rd.msgMeta.Quarantine {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
			Message:      "Refusing to deliver a quarantined message",
			TargetName:   "remote",
		}
	}

	_, domain, err := address.Split(to)
	if err != nil {
		return err
	}

	// Special-case for the <postmaster> address. Nothing rewrote it into a
	// deliverable mailbox, so there is no domain to resolve.
	if domain == "" {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message:      "<postmaster> address is not supported",
			TargetName:   "remote",
		}
	}

	if strings.HasPrefix(domain, "[") {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message:      "IP address literals are not supported",
			TargetName:   "remote",
		}
	}

	conn, err := rd.connectionForDomain(ctx, domain)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := conn.Rcpt(ctx, to, smtp.RcptOptions{}); err != nil {
		rd.recordAttempt(ctx, to, domain, conn.host, time.Since(start), err)
		return moduleError(err)
	}

	rd.recipients = append(rd.recipients, to)
	rd.rcptConn[to] = conn
	conn.rcpts = append(conn.rcpts, to)
	return nil
}

type multipleErrs struct {
	errs      map[string]error
	statusLck sync.Mutex
}

func (m *multipleErrs) Error() string {
	m.statusLck.Lock()
	defer m.statusLck.Unlock()
	return fmt.Sprintf("Partial delivery failure, per-rcpt info: %+v", m.errs)
}

func (m *multipleErrs) Fields() map[string]interface{} {
	m.statusLck.Lock()
	defer m.statusLck.Unlock()

	// If there are any temporary errors - the sender should retry to make sure
	// all recipients will get the message. However, since we can't tell it
	// which recipients got the message, this will generate duplicates for
	// them.
	//
	// We favor delivery with duplicates over incomplete delivery here.

	var (
		code     = 550
		enchCode = exterrors.EnhancedCode{5, 0, 0}
	)
	for _, err := range m.errs {
		if exterrors.IsTemporary(err) {
			code = 451
			enchCode = exterrors.EnhancedCode{4, 0, 0}
		}
	}

	return map[string]interface{}{
		"smtp_code":     code,
		"smtp_enchcode": enchCode,
		"smtp_msg":      "Partial delivery failure, additional attempts may result in duplicates",
		"target":        "remote",
		"errs":          m.errs,
	}
}

func (m *multipleErrs) SetStatus(rcptTo string, err error) {
	m.statusLck.Lock()
	defer m.statusLck.Unlock()
	m.errs[rcptTo] = err
}

func (rd *remoteDelivery) Body(ctx context.Context, header textproto.Header, buffer buffer.Buffer) error {
	defer trace.StartRegion(ctx, "remote/Body").End()

	merr := multipleErrs{
		errs: make(map[string]error),
	}
	rd.BodyNonAtomic(ctx, &merr, header, buffer)

	for _, v := range merr.errs {
		if v != nil {
			if len(merr.errs) == 1 {
				return v
			}
			return &merr
		}
	}
	return nil
}

func (rd *remoteDelivery) BodyNonAtomic(ctx context.Context, c module.StatusCollector, header textproto.Header, b buffer.Buffer) {
	defer trace.StartRegion(ctx, "remote/BodyNonAtomic").End()

	if rd.msgMeta.Quarantine {
		for _, rcpt := range rd.recipients {
			c.SetStatus(rcpt, &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
				Message:      "Refusing to deliver quarantined message",
				TargetName:   "remote",
			})
		}
		return
	}

	var wg sync.WaitGroup

	for _, conn := range rd.connections {
		conn := conn
		wg.Add(1)
		go func() {
			defer wg.Done()

			bodyR, err := b.Open()
			if err != nil {
				for _, rcpt := range conn.rcpts {
					c.SetStatus(rcpt, err)
				}
				return
			}
			defer bodyR.Close()

			start := time.Now()
			err = conn.Data(ctx, header, bodyR)
			latency := time.Since(start)

			rd.recordOutcome(ctx, conn, latency, err)
			for _, rcpt := range conn.rcpts {
				if err == nil {
					rd.setAccepted(rcpt, conn.host)
				}
				rd.recordAttempt(ctx, rcpt, conn.domain, conn.host, latency, err)
				c.SetStatus(rcpt, err)
			}
			if err != nil {
				conn.broken = true
			}
		}()
	}

	wg.Wait()
}

func (rd *remoteDelivery) setAccepted(rcpt, host string) {
	rd.Log.DebugMsg("accepted", "rcpt", rcpt, "mx", host)
	rd.accepted[rcpt] = host
}

// AcceptingServer implements module.ServerReporter. It names the MX host
// that took responsibility for the message addressed to rcptTo.
func (rd *remoteDelivery) AcceptingServer(rcptTo string) string {
	return rd.accepted[rcptTo]
}

// recordOutcome feeds the conversation result back to the reputation
// manager. Success clears the failure streak of both the MX host and the
// destination domain; a permanent rejection counts as a hard failure
// against the host only, since it says more about the mailbox than about
// the domain's infrastructure.
func (rd *remoteDelivery) recordOutcome(ctx context.Context, conn *mxConn, latency time.Duration, err error) {
	attemptDuration.Observe(latency.Seconds())

	if rd.rt.rep == nil {
		return
	}
	if err == nil {
		rd.rt.rep.RecordSuccess(ctx, "mx:"+conn.host)
		rd.rt.rep.RecordSuccess(ctx, "domain:"+conn.domain)
		return
	}

	reason := err.Error()
	hard := !exterrors.IsTemporaryOrUnspec(err)
	rd.rt.rep.RecordFailure(ctx, "mx:"+conn.host, reason, hard)
	if !hard {
		rd.rt.rep.RecordFailure(ctx, "domain:"+conn.domain, reason, false)
	}
}

// recordAttempt writes the per-recipient audit row for one SMTP
// conversation outcome.
func (rd *remoteDelivery) recordAttempt(ctx context.Context, rcpt, domain, host string, latency time.Duration, err error) {
	outcome := store.OutcomeAccepted
	code := 250
	errText := ""
	if err != nil {
		errText = err.Error()
		var smtpErr *exterrors.SMTPError
		switch {
		case errors.As(err, &smtpErr):
			code = smtpErr.Code
			if smtpErr.Temporary() {
				outcome = store.OutcomeDeferred
			} else {
				outcome = store.OutcomeRejected
			}
		case exterrors.IsTemporaryOrUnspec(err):
			code = 0
			outcome = store.OutcomeError
		default:
			code = 0
			outcome = store.OutcomeRejected
		}
	}
	attemptsTotal.WithLabelValues(outcome).Inc()

	if rd.rt.st == nil {
		return
	}
	record := &store.DeliveryAttempt{
		TenantID:    rd.msgMeta.TenantID,
		MessageID:   rd.msgMeta.ID,
		Rcpt:        rcpt,
		Destination: domain,
		MXHost:      host,
		Outcome:     outcome,
		SMTPCode:    code,
		Latency:     latency,
		Error:       errText,
	}
	if err := rd.rt.st.RecordDeliveryAttempt(ctx, record); err != nil {
		rd.Log.Error("delivery audit write", err, "rcpt", rcpt, "mx", host)
	}
}

func (rd *remoteDelivery) Abort(ctx context.Context) error {
	for _, conn := range rd.connections {
		conn.broken = true
	}
	return rd.Close()
}

func (rd *remoteDelivery) Commit(ctx context.Context) error {
	// It is not possible to implement it atomically, so users of remoteDelivery have to
	// take care of partial failures.
	return rd.Close()
}

// Close returns intact sessions to the pool for reuse and discards broken
// or worn-out ones.
func (rd *remoteDelivery) Close() error {
	for _, conn := range rd.connections {
		conn.msgs++
		if conn.broken || conn.msgs >= rd.rt.cfg.MaxMessagesPerSession {
			rd.Log.Debugf("disconnected from %s", conn.ServerName())
			conn.Close()
			continue
		}

		rd.Log.Debugf("returning connection for %s to the pool", conn.ServerName())
		conn.lastUse = time.Now()
		rd.rt.conns.Return(conn.host, conn)
	}
	return nil
}
