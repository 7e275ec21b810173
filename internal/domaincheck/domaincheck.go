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

// Package domaincheck decides whether an authenticated account may use the
// sender domain it declared.
//
// Locally hosted domains always pass. Anything else must exist as a
// verified row in the domains table, scoped to the submitting tenant when
// isolation is on. Unverified domains are handled per the configured sender
// policy: either the submission is rejected or the sender is rewritten to
// the per-user fallback address on the primary domain.
package domaincheck

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ferrymail/ferrymail/framework/address"
	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/framework/dns"
	"github.com/ferrymail/ferrymail/framework/exterrors"
	"github.com/ferrymail/ferrymail/framework/log"
	"github.com/ferrymail/ferrymail/internal/store"
)

// Result is the verdict for one declared sender address.
type Result struct {
	OK         bool
	Verified   bool
	VerifiedAt time.Time

	// Fallback is the substitute sender to use instead of the declared
	// one. Set only when the domain is unverified and policy is rewrite.
	Fallback string
}

type Checker struct {
	cfg *config.Config
	st  *store.Store

	local   map[string]struct{}
	authRes *dns.AuthResolver

	Log log.Logger
}

func New(cfg *config.Config, st *store.Store, logger log.Logger) *Checker {
	return &Checker{
		cfg:     cfg,
		st:      st,
		local:   cfg.LocalDomainSet(),
		authRes: dns.NewAuthResolver(dns.DefaultResolver()),
		Log:     logger,
	}
}

func (c *Checker) Name() string {
	return "domaincheck"
}

func (c *Checker) InstanceName() string {
	return ""
}

// Check validates the declared sender of an authenticated submission.
//
// The returned error is an *exterrors.SMTPError for policy rejections and
// malformed addresses; storage trouble comes back as-is for the caller to
// map to a transient reply.
func (c *Checker) Check(ctx context.Context, tenantID, userID int64, fromAddr string) (Result, error) {
	_, domain, err := address.Split(fromAddr)
	if err != nil || domain == "" {
		return Result{}, &exterrors.SMTPError{
			Code:         501,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 7},
			Message:      "Invalid sender address",
			TargetName:   "domaincheck",
			Err:          err,
		}
	}
	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		return Result{}, &exterrors.SMTPError{
			Code:         501,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 7},
			Message:      "Invalid sender domain",
			TargetName:   "domaincheck",
			Err:          err,
		}
	}

	if _, ok := c.local[normDomain]; ok {
		return Result{OK: true, Verified: true}, nil
	}

	var row *store.Domain
	if c.cfg.Security.TenantIsolation {
		row, err = c.st.DomainByOwner(ctx, tenantID, normDomain)
	} else {
		row, err = c.st.DomainByName(ctx, normDomain)
	}
	switch {
	case err == nil && row.Verified:
		return Result{OK: true, Verified: true, VerifiedAt: row.VerifiedAt}, nil
	case err != nil && !errors.Is(err, store.ErrNoRows):
		return Result{}, err
	}

	if c.cfg.Security.SenderPolicy == "reject" {
		return Result{}, &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      "Sender domain is not verified for this account",
			TargetName:   "domaincheck",
			Misc: map[string]interface{}{
				"domain":    normDomain,
				"tenant_id": tenantID,
			},
		}
	}

	fallback := c.FallbackAddress(userID)
	c.Log.Msg("sender domain not verified, falling back",
		"domain", normDomain, "user_id", userID, "fallback", fallback)
	return Result{OK: true, Fallback: fallback}, nil
}

// FallbackAddress is the substitute sender used when the declared domain
// cannot be verified.
func (c *Checker) FallbackAddress(userID int64) string {
	return fmt.Sprintf("noreply+user%d@%s", userID, c.cfg.PrimaryDomain)
}

// DNSStatus is what VerifyDNS found at the domain's own nameservers.
type DNSStatus struct {
	MXHosts []string
	TXT     []string
}

// VerifyDNS queries the authoritative nameservers of domain for its MX and
// apex TXT sets, bypassing resolver caches. Onboarding uses it to confirm
// freshly published records before flipping the verified flag.
func (c *Checker) VerifyDNS(ctx context.Context, domain string) (DNSStatus, error) {
	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		return DNSStatus{}, err
	}

	var status DNSStatus
	mxs, err := c.authRes.AuthLookupMX(ctx, normDomain)
	if err != nil && !dns.IsNotFound(err) {
		return DNSStatus{}, err
	}
	for _, mx := range mxs {
		status.MXHosts = append(status.MXHosts, mx.Host)
	}

	txts, err := c.authRes.AuthLookupTXT(ctx, normDomain)
	if err != nil && !dns.IsNotFound(err) {
		return DNSStatus{}, err
	}
	status.TXT = txts

	return status, nil
}
