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

// Package dkimmgr creates, rotates and applies DKIM keys.
//
// Key material lives in the dkim_keys table with at most one active key per
// domain. The primary system domain additionally keeps its key in a PEM
// file next to the state directory so a wiped database can be re-seeded
// (and vice versa). Signing falls back to the primary domain's key when the
// sender domain has none, which obliges the caller to rewrite the envelope
// sender accordingly.
//
// Private keys are cached after first use and never logged.
package dkimmgr

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"golang.org/x/net/idna"

	"github.com/ferrymail/ferrymail/framework/buffer"
	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/framework/dns"
	"github.com/ferrymail/ferrymail/framework/log"
	"github.com/ferrymail/ferrymail/internal/store"
)

const sigExpiry = 5 * 24 * time.Hour

var (
	oversignFields = []string{
		// Directly visible to the user.
		"Subject",
		"Sender",
		"To",
		"Cc",
		"From",
		"Date",

		// Affects body processing.
		"MIME-Version",
		"Content-Type",
		"Content-Transfer-Encoding",

		// Affects user interaction.
		"Reply-To",
		"In-Reply-To",
		"Message-Id",
		"References",
	}
	signFields = []string{
		// Mailing list information. Not oversigned to prevent signature
		// breakage by aliasing MLMs.
		"List-Id",
		"List-Help",
		"List-Unsubscribe",
		"List-Post",
		"List-Owner",
		"List-Archive",

		// Not oversigned since it can be prepended by intermediate relays.
		"Resent-To",
		"Resent-Sender",
		"Resent-Message-Id",
		"Resent-Date",
		"Resent-From",
		"Resent-Cc",
	}
)

type signerEntry struct {
	signer    crypto.Signer
	selector  string
	headerCan dkim.Canonicalization
	bodyCan   dkim.Canonicalization
}

type Manager struct {
	cfg     config.DKIM
	scoped  bool // tenant isolation applies to key lookups
	primary string
	st      *store.Store

	mu      sync.RWMutex
	signers map[string]*signerEntry

	resolver dns.Resolver

	Log log.Logger
}

func New(cfg *config.Config, st *store.Store, logger log.Logger) (*Manager, error) {
	primary, err := dns.ForLookup(cfg.DKIM.Domain)
	if err != nil {
		return nil, fmt.Errorf("dkimmgr: %w", err)
	}
	return &Manager{
		cfg:      cfg.DKIM,
		scoped:   cfg.Security.TenantIsolation,
		primary:  primary,
		st:       st,
		signers:  map[string]*signerEntry{},
		resolver: dns.DefaultResolver(),
		Log:      logger,
	}, nil
}

func (m *Manager) Name() string {
	return "dkim"
}

func (m *Manager) InstanceName() string {
	return ""
}

// Start seeds the primary domain's signing key from the configured key
// file, generating one if this is the first run.
func (m *Manager) Start() error {
	return m.ImportPrimaryKey(context.Background())
}

func (m *Manager) Stop() error {
	return nil
}

// SignResult reports which key signed the message.
type SignResult struct {
	// Domain and Selector of the signature (the d= and s= values).
	Domain   string
	Selector string

	// Fallback is set when the primary domain's key was used because the
	// sender domain has none. The caller must then rewrite the envelope
	// sender to an address under the primary domain.
	Fallback bool
}

// Sign prepends a DKIM-Signature field to hdr, covering hdr and body with
// the active key of domain. Missing domain key falls back to the primary
// system key.
func (m *Manager) Sign(ctx context.Context, tenantID int64, domain string, hdr *textproto.Header, body buffer.Buffer) (SignResult, error) {
	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		return SignResult{}, fmt.Errorf("dkimmgr: %w", err)
	}

	res := SignResult{Domain: normDomain}
	entry, err := m.signerFor(ctx, tenantID, normDomain)
	if errors.Is(err, store.ErrNoRows) {
		entry, err = m.signerFor(ctx, -1, m.primary)
		if err != nil {
			return SignResult{}, fmt.Errorf("dkimmgr: no signing key for %s and none for %s: %w",
				normDomain, m.primary, err)
		}
		res.Domain = m.primary
		res.Fallback = true
	} else if err != nil {
		return SignResult{}, err
	}
	res.Selector = entry.selector

	// d= and s= in A-labels form for interoperability with non-EAI
	// verifiers.
	sigDomain, err := idna.ToASCII(res.Domain)
	if err != nil {
		sigDomain = res.Domain
	}
	selector, err := idna.ToASCII(entry.selector)
	if err != nil {
		selector = entry.selector
	}

	opts := dkim.SignOptions{
		Domain:                 sigDomain,
		Selector:               selector,
		Identifier:             "@" + sigDomain,
		Signer:                 entry.signer,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: entry.headerCan,
		BodyCanonicalization:   entry.bodyCan,
		HeaderKeys:             fieldsToSign(hdr),
		Expiration:             time.Now().Add(sigExpiry),
	}
	signer, err := dkim.NewSigner(&opts)
	if err != nil {
		return SignResult{}, fmt.Errorf("dkimmgr: %w", err)
	}
	if err := textproto.WriteHeader(signer, *hdr); err != nil {
		signer.Close()
		return SignResult{}, fmt.Errorf("dkimmgr: %w", err)
	}
	r, err := body.Open()
	if err != nil {
		signer.Close()
		return SignResult{}, fmt.Errorf("dkimmgr: %w", err)
	}
	defer r.Close()
	if _, err := io.Copy(signer, r); err != nil {
		signer.Close()
		return SignResult{}, fmt.Errorf("dkimmgr: %w", err)
	}
	if err := signer.Close(); err != nil {
		return SignResult{}, fmt.Errorf("dkimmgr: %w", err)
	}

	hdr.AddRaw([]byte(signer.Signature()))
	m.Log.DebugMsg("signed", "domain", res.Domain, "selector", res.Selector, "fallback", res.Fallback)
	return res, nil
}

// signerFor returns the cached signer of the active key for domain,
// loading and parsing it on first use. tenantID below zero disables the
// tenant scoping, and so does the isolation switch being off.
func (m *Manager) signerFor(ctx context.Context, tenantID int64, domain string) (*signerEntry, error) {
	if !m.scoped {
		tenantID = -1
	}
	cacheKey := fmt.Sprintf("%d/%s", tenantID, domain)

	m.mu.RLock()
	entry := m.signers[cacheKey]
	m.mu.RUnlock()
	if entry != nil {
		return entry, nil
	}

	row, err := m.st.ActiveDKIMKey(ctx, tenantID, domain)
	if err != nil {
		return nil, err
	}
	signer, err := parsePrivateKey(row.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("dkimmgr: key for %s: %w", domain, err)
	}
	headerCan, bodyCan := splitCanon(row.Canonicalization)
	entry = &signerEntry{
		signer:    signer,
		selector:  row.Selector,
		headerCan: headerCan,
		bodyCan:   bodyCan,
	}

	m.mu.Lock()
	m.signers[cacheKey] = entry
	m.mu.Unlock()
	return entry, nil
}

// HasKey reports whether domain has an active signing key reachable by
// tenantID. Callers that must keep the visible sender aligned with the
// signature check this before signing: when it is false the sender has to
// move under the primary domain first, otherwise Sign falls back to the
// primary key and the d= no longer matches the From domain.
func (m *Manager) HasKey(ctx context.Context, tenantID int64, domain string) bool {
	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		return false
	}
	_, err = m.signerFor(ctx, tenantID, normDomain)
	return err == nil
}

// dropCached forgets every cached signer for domain, across tenants.
func (m *Manager) dropCached(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.signers {
		if strings.HasSuffix(key, "/"+domain) {
			delete(m.signers, key)
		}
	}
}

func splitCanon(v string) (hdr, body dkim.Canonicalization) {
	hdr, body = dkim.CanonicalizationRelaxed, dkim.CanonicalizationRelaxed
	parts := strings.SplitN(v, "/", 2)
	if len(parts) != 2 {
		return
	}
	if parts[0] == string(dkim.CanonicalizationSimple) {
		hdr = dkim.CanonicalizationSimple
	}
	if parts[1] == string(dkim.CanonicalizationSimple) {
		body = dkim.CanonicalizationSimple
	}
	return
}

// fieldsToSign expands the oversign and sign lists against the fields
// actually present, once per occurrence plus one more for the oversigned
// set. Duplicates between the lists are dropped so go-msgauth does not
// trip over them.
func fieldsToSign(h *textproto.Header) []string {
	seen := make(map[string]struct{})

	res := make([]string, 0, len(oversignFields)+len(signFields))
	for _, key := range oversignFields {
		if _, ok := seen[strings.ToLower(key)]; ok {
			continue
		}
		seen[strings.ToLower(key)] = struct{}{}

		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
		res = append(res, key)
	}
	for _, key := range signFields {
		if _, ok := seen[strings.ToLower(key)]; ok {
			continue
		}
		seen[strings.ToLower(key)] = struct{}{}

		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
	}
	return res
}
