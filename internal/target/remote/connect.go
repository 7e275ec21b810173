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

package remote

import (
	"context"
	"crypto/x509"
	"errors"
	"math/rand"
	"net"
	"runtime/trace"
	"sort"
	"strings"
	"time"

	"github.com/ferrymail/ferrymail/framework/dns"
	"github.com/ferrymail/ferrymail/framework/exterrors"
	"github.com/ferrymail/ferrymail/internal/ratelimit"
	"github.com/ferrymail/ferrymail/internal/smtpconn"
)

// mxConn is one SMTP session with an MX host. It survives the delivery that
// opened it: Commit returns intact sessions to the target's pool and later
// deliveries to the same host pick them up instead of dialing again.
type mxConn struct {
	*smtpconn.C

	rt *Target

	// Domain this MX belongs to, host is the dot-trimmed MX hostname used
	// as the pool key and in reputation and audit records.
	domain string
	host   string

	// Recipients of the current delivery that were assigned to this
	// session, in the form the caller used.
	rcpts []string

	// Messages sent over this session so far. Sessions are retired after
	// MaxMessagesPerSession.
	msgs int

	broken   bool
	slotHeld bool
	lastUse  time.Time
}

// checkout readies a pooled session for another delivery.
func (c *mxConn) checkout(rd *remoteDelivery) {
	c.rcpts = nil
	c.broken = false
	c.Log = rd.Log
}

// Usable reports whether the session survived its stay in the pool. The
// RSET round-trip doubles as the liveness probe: a dead peer fails it
// immediately and the envelope state is cleared for the next transaction.
func (c *mxConn) Usable() bool {
	if c.C == nil || c.Client() == nil {
		return false
	}
	return c.Reset() == nil
}

func (c *mxConn) LastUseAt() time.Time {
	return c.lastUse
}

func (c *mxConn) releaseSlot() {
	if !c.slotHeld {
		return
	}
	c.slotHeld = false
	c.rt.hostSlots.Release(c.host)
}

// Close tears the session down for good, freeing its per-host slot.
func (c *mxConn) Close() error {
	defer c.releaseSlot()
	if c.C == nil || c.Client() == nil {
		return nil
	}
	return c.C.Close()
}

func (rd *remoteDelivery) connectionForDomain(ctx context.Context, domain string) (*mxConn, error) {
	domain = strings.ToLower(domain)

	if c, ok := rd.connections[domain]; ok {
		return c, nil
	}

	if rd.rt.rates != nil {
		if d := rd.rt.rates.Take(ctx, ratelimit.ScopeSendDestination, domain); !d.Allowed {
			return nil, &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 4, 5},
				Message:      "Sending rate for the destination domain exceeded",
				TargetName:   "remote",
				Misc: map[string]interface{}{
					"domain":      domain,
					"retry_after": d.RetryAfter,
				},
			}
		}
	}
	if rd.rt.rep != nil {
		if ok, until := rd.rt.rep.DeliveryAllowed(ctx, "domain:"+domain); !ok {
			return nil, reputationBlocked(domain, "", until)
		}
	}

	region := trace.StartRegion(ctx, "remote/LookupMX")
	records, err := rd.rt.lookupMX(ctx, domain)
	region.End()
	if err != nil {
		return nil, err
	}

	var (
		conn    *mxConn
		lastErr error
		skipped int
	)
	region = trace.StartRegion(ctx, "remote/Connect+TLS")
	defer region.End()
	for _, record := range records {
		if record.Host == "." {
			return nil, &exterrors.SMTPError{
				Code:         556,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
				Message:      "Domain does not accept email (null MX)",
				TargetName:   "remote",
			}
		}
		host := strings.TrimSuffix(record.Host, ".")

		if rd.rt.rep != nil {
			if ok, until := rd.rt.rep.DeliveryAllowed(ctx, "mx:"+host); !ok {
				rd.Log.DebugMsg("MX skipped, reputation block active",
					"remote_server", host, "domain", domain, "until", until)
				skipped++
				lastErr = reputationBlocked(domain, host, until)
				continue
			}
		}

		c, err := rd.sessionForHost(ctx, domain, host)
		if err != nil {
			rd.Log.Error("cannot use MX", err, "remote_server", host, "domain", domain)
			lastErr = err
			continue
		}

		if err := c.Mail(ctx, rd.mailFrom, rd.msgMeta.SMTPOpts); err != nil {
			c.broken = true
			c.Close()
			if !exterrors.IsTemporaryOrUnspec(err) {
				// The sender was firmly rejected, other candidates serve
				// the same policy.
				return nil, err
			}
			lastErr = err
			continue
		}

		conn = c
		break
	}

	if conn == nil {
		if skipped != 0 && skipped == len(records) {
			return nil, lastErr
		}
		return nil, &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(lastErr, 451, 550),
			EnhancedCode: exterrors.SMTPEnchCode(lastErr, exterrors.EnhancedCode{4, 4, 0}, exterrors.EnhancedCode{5, 4, 0}),
			Message:      "No usable MXs, last err: " + lastErr.Error(),
			TargetName:   "remote",
			Err:          lastErr,
			Misc: map[string]interface{}{
				"domain": domain,
			},
		}
	}

	rd.connections[domain] = conn
	return conn, nil
}

// sessionForHost checks the pool for a live session with the host and dials
// a fresh one when none is cached.
func (rd *remoteDelivery) sessionForHost(ctx context.Context, domain, host string) (*mxConn, error) {
	if pooled, err := rd.rt.conns.Get(ctx, host); err == nil && pooled != nil {
		c := pooled.(*mxConn)
		c.checkout(rd)
		rd.Log.DebugMsg("reusing pooled connection", "remote_server", host, "domain", domain)
		return c, nil
	}

	if !rd.rt.hostSlots.TryTake(host) {
		return nil, &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 5},
			Message:      "Connection limit for the destination host reached",
			TargetName:   "remote",
			Misc: map[string]interface{}{
				"remote_server": host,
			},
		}
	}

	conn := &mxConn{
		C:        smtpconn.New(),
		rt:       rd.rt,
		domain:   domain,
		host:     host,
		slotHeld: true,
		lastUse:  time.Now(),
	}
	conn.Dialer = rd.rt.dialer
	conn.Log = rd.Log
	conn.Hostname = rd.rt.hostname
	conn.AddrInSMTPMsg = true
	if rd.rt.cfg.ConnectTimeout != 0 {
		conn.ConnectTimeout = rd.rt.cfg.ConnectTimeout
	}
	if rd.rt.cfg.CommandTimeout != 0 {
		conn.CommandTimeout = rd.rt.cfg.CommandTimeout
	}
	if rd.rt.cfg.MessageDeadline != 0 {
		conn.SubmissionTimeout = rd.rt.cfg.MessageDeadline
	}

	if err := rd.connect(ctx, conn, host); err != nil {
		conn.releaseSlot()
		return nil, err
	}
	return conn, nil
}

func isVerifyError(err error) bool {
	switch err.(type) {
	case x509.UnknownAuthorityError, x509.HostnameError,
		x509.ConstraintViolationError, x509.CertificateInvalidError:
		return true
	}
	return false
}

// connect establishes the session, attempting STARTTLS with certificate
// verification first and stepping down to unauthenticated TLS and then
// plaintext as the remote end allows. RequireTLS pins the floor at an
// encrypted session.
func (rd *remoteDelivery) connect(ctx context.Context, conn *mxConn, host string) error {
	tlsCfg := rd.rt.tlsConfig.Clone()
	tlsCfg.ServerName = host

retry:
	// smtpconn.C default TLS behavior is not useful for us, we want to
	// handle TLS errors separately hence starttls=false.
	_, err := conn.Connect(ctx, smtpconn.Endpoint{
		Host: host,
		Port: smtpPort,
	}, false, nil)
	if err != nil {
		return err
	}

	starttlsOk, _ := conn.Client().Extension("STARTTLS")
	if !starttlsOk || tlsCfg == nil {
		if rd.rt.requireTLS {
			conn.DirectClose()
			return &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
				Message:      "TLS is required, but not offered by the MX",
				TargetName:   "remote",
				Misc: map[string]interface{}{
					"remote_server": host,
				},
			}
		}
		return nil
	}

	if err := conn.Client().StartTLS(tlsCfg); err != nil {
		// Attempt TLS without verification. It is still better than
		// plaintext. The InsecureSkipVerify check breaks the loop when the
		// certificate is *too* broken and fails the handshake anyway.
		if isVerifyError(err) && !tlsCfg.InsecureSkipVerify {
			rd.Log.Error("TLS verify error, trying without authentication", err,
				"remote_server", host, "domain", conn.domain)
			tlsCfg.InsecureSkipVerify = true
			conn.DirectClose()

			goto retry
		}

		if rd.rt.requireTLS {
			conn.DirectClose()
			return &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
				Message:      "TLS is required, but the handshake failed",
				TargetName:   "remote",
				Err:          err,
				Misc: map[string]interface{}{
					"remote_server": host,
				},
			}
		}

		rd.Log.Error("TLS error, trying plaintext", err,
			"remote_server", host, "domain", conn.domain)
		tlsCfg = nil
		conn.DirectClose()

		goto retry
	}

	return nil
}

func reputationBlocked(domain, host string, until time.Time) error {
	retry := time.Until(until)
	if retry < time.Second {
		retry = time.Second
	}

	misc := map[string]interface{}{
		"domain":      domain,
		"retry_after": retry,
	}
	if host != "" {
		misc["remote_server"] = host
	}
	return &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
		Message:      "Delivery to the destination is temporarily suspended",
		TargetName:   "remote",
		Misc:         misc,
	}
}

// lookupMX resolves the delivery candidates for a domain: the MX set in
// preference order with equal-preference runs shuffled for load sharing,
// or the domain itself as the implicit MX when no records exist
// (RFC 5321 Section 5.1).
func (rt *Target) lookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	if rt.cfg.DNSTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.cfg.DNSTimeout)
		defer cancel()
	}

	records, err := rt.resolver.LookupMX(ctx, dns.FQDN(domain))
	if err != nil {
		var dnsErr *net.DNSError
		if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
			reason, misc := exterrors.UnwrapDNSErr(err)
			return nil, &exterrors.SMTPError{
				Code:         exterrors.SMTPCode(err, 451, 554),
				EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{4, 4, 4}, exterrors.EnhancedCode{5, 4, 4}),
				Message:      "MX lookup error",
				TargetName:   "remote",
				Reason:       reason,
				Err:          err,
				Misc:         misc,
			}
		}
		// NXDOMAIN is treated like an empty MX set here: the implicit-MX
		// host lookup below produces the error the sender gets to see.
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})
	for i := 0; i < len(records); {
		j := i + 1
		for j < len(records) && records[j].Pref == records[i].Pref {
			j++
		}
		rand.Shuffle(j-i, func(a, b int) {
			records[i+a], records[i+b] = records[i+b], records[i+a]
		})
		i = j
	}

	// Fallback to A/AAAA RR when no MX records are present as
	// required by RFC 5321 Section 5.1.
	if len(records) == 0 {
		records = append(records, &net.MX{
			Host: dns.FQDN(domain),
			Pref: 0,
		})
	}

	return records, nil
}
