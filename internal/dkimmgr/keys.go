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

package dkimmgr

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ferrymail/ferrymail/framework/dns"
	"github.com/ferrymail/ferrymail/internal/store"
)

// Generate creates a fresh RSA keypair for (domain, selector), stores it as
// the domain's active key (deactivating any previous one in the same
// transaction) and returns the TXT record value to publish at
// <selector>._domainkey.<domain>.
func (m *Manager) Generate(ctx context.Context, tenantID int64, domain, selector string, bits int) (string, error) {
	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		return "", fmt.Errorf("dkimmgr: %w", err)
	}
	if selector == "" {
		selector = m.cfg.Selector
	}
	if bits == 0 {
		bits = m.cfg.KeyBits
	}

	pkey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", fmt.Errorf("dkimmgr: generate: %w", err)
	}

	row, err := m.keyRow(tenantID, normDomain, selector, bits, pkey)
	if err != nil {
		return "", err
	}
	if err := m.st.InsertDKIMKey(ctx, row); err != nil {
		return "", fmt.Errorf("dkimmgr: store key: %w", err)
	}
	m.dropCached(normDomain)

	m.Log.Msg("generated signing key",
		"domain", normDomain, "selector", selector, "bits", bits)
	return m.recordValue(row), nil
}

// Rotate generates a replacement key under a new selector. The previous key
// stays in the table inactive so still-cached verifier results do not turn
// into failures, but no new signatures are made with it.
func (m *Manager) Rotate(ctx context.Context, tenantID int64, domain, newSelector string) (string, error) {
	if newSelector == "" {
		return "", errors.New("dkimmgr: rotation needs a new selector")
	}
	return m.Generate(ctx, tenantID, domain, newSelector, 0)
}

// DNSRecord renders the TXT record value of the (domain, selector) key as
// currently stored.
func (m *Manager) DNSRecord(ctx context.Context, domain, selector string) (string, error) {
	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		return "", fmt.Errorf("dkimmgr: %w", err)
	}
	if selector == "" {
		selector = m.cfg.Selector
	}
	row, err := m.st.DKIMKeyBySelector(ctx, normDomain, selector)
	if err != nil {
		return "", err
	}
	return m.recordValue(row), nil
}

// ImportPrimaryKey reconciles the primary domain's key between the key file
// and the store. The file wins when both exist and disagree. When only one
// side has the key the other is populated from it, and when neither does a
// fresh keypair is generated and written to both.
func (m *Manager) ImportPrimaryKey(ctx context.Context) error {
	path := m.cfg.PrivateKeyPath

	row, rowErr := m.st.ActiveDKIMKey(ctx, -1, m.primary)
	if rowErr != nil && !errors.Is(rowErr, store.ErrNoRows) {
		return rowErr
	}

	pemBlob, fileErr := os.ReadFile(path)
	switch {
	case fileErr == nil:
		signer, err := parsePrivateKey(string(pemBlob))
		if err != nil {
			return fmt.Errorf("dkimmgr: %s: %w", path, err)
		}
		algo, pub, err := publicKeyData(signer)
		if err != nil {
			return fmt.Errorf("dkimmgr: %s: %w", path, err)
		}
		if rowErr == nil && row.PublicKeyDER == pub {
			return nil
		}
		newRow := &store.DKIMKey{
			TenantID:         0,
			Domain:           m.primary,
			Selector:         m.cfg.Selector,
			Algorithm:        algo,
			Canonicalization: "relaxed/relaxed",
			KeyBits:          signerBits(signer),
			PrivateKeyPEM:    string(pemBlob),
			PublicKeyDER:     pub,
			Active:           true,
		}
		if err := m.st.InsertDKIMKey(ctx, newRow); err != nil {
			return fmt.Errorf("dkimmgr: store key: %w", err)
		}
		m.dropCached(m.primary)
		m.Log.Msg("imported signing key", "domain", m.primary, "path", path)
		return nil

	case !os.IsNotExist(fileErr):
		return fmt.Errorf("dkimmgr: %s: %w", path, fileErr)

	case rowErr == nil:
		// Database has the key, the file was lost. Re-create it.
		if err := m.writeKeyFile(path, row.PrivateKeyPEM, m.recordValue(row)); err != nil {
			return err
		}
		m.Log.Msg("restored key file from the store", "domain", m.primary, "path", path)
		return nil
	}

	// First run: nothing on either side.
	pkey, err := rsa.GenerateKey(rand.Reader, m.cfg.KeyBits)
	if err != nil {
		return fmt.Errorf("dkimmgr: generate: %w", err)
	}
	newRow, err := m.keyRow(0, m.primary, m.cfg.Selector, m.cfg.KeyBits, pkey)
	if err != nil {
		return err
	}
	if err := m.st.InsertDKIMKey(ctx, newRow); err != nil {
		return fmt.Errorf("dkimmgr: store key: %w", err)
	}
	if err := m.writeKeyFile(path, newRow.PrivateKeyPEM, m.recordValue(newRow)); err != nil {
		return err
	}
	m.Log.Msg("generated the primary signing key, publish the TXT record to enable verification",
		"domain", m.primary, "selector", m.cfg.Selector,
		"record_name", m.cfg.Selector+"._domainkey."+m.primary,
		"record_file", dnsPathFor(path))
	return nil
}

func (m *Manager) keyRow(tenantID int64, domain, selector string, bits int, pkey crypto.Signer) (*store.DKIMKey, error) {
	keyBlob, err := x509.MarshalPKCS8PrivateKey(pkey)
	if err != nil {
		return nil, fmt.Errorf("dkimmgr: %w", err)
	}
	pemBlob := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBlob,
	})
	algo, pub, err := publicKeyData(pkey)
	if err != nil {
		return nil, fmt.Errorf("dkimmgr: %w", err)
	}
	return &store.DKIMKey{
		TenantID:         tenantID,
		Domain:           domain,
		Selector:         selector,
		Algorithm:        algo,
		Canonicalization: "relaxed/relaxed",
		KeyBits:          bits,
		PrivateKeyPEM:    string(pemBlob),
		PublicKeyDER:     pub,
		Active:           true,
	}, nil
}

// recordValue renders the DNS TXT value for a stored key.
func (m *Manager) recordValue(row *store.DKIMKey) string {
	rec := "v=DKIM1; k=" + row.Algorithm + "; p=" + row.PublicKeyDER
	if m.cfg.Strict {
		rec += "; t=s"
	}
	return rec
}

// writeKeyFile writes the private key (0600) and a sibling .dns file with
// the TXT record value.
func (m *Manager) writeKeyFile(path, pemBlob, record string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return fmt.Errorf("dkimmgr: %w", err)
	}
	if err := os.WriteFile(path, []byte(pemBlob), 0600); err != nil {
		return fmt.Errorf("dkimmgr: %w", err)
	}
	if err := os.WriteFile(dnsPathFor(path), []byte(record), 0666); err != nil {
		return fmt.Errorf("dkimmgr: %w", err)
	}
	return nil
}

func dnsPathFor(keyPath string) string {
	if filepath.Ext(keyPath) == ".key" {
		return keyPath[:len(keyPath)-4] + ".dns"
	}
	return keyPath + ".dns"
}

func parsePrivateKey(pemBlob string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(pemBlob))
	if block == nil {
		return nil, errors.New("invalid PEM block")
	}

	var (
		key interface{}
		err error
	)
	switch block.Type {
	case "PRIVATE KEY": // RFC 5208 aka PKCS #8
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY": // RFC 3447 aka PKCS #1
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported key format: %s", block.Type)
	}
	if err != nil {
		return nil, err
	}

	switch key := key.(type) {
	case *rsa.PrivateKey:
		if err := key.Validate(); err != nil {
			return nil, err
		}
		key.Precompute()
		return key, nil
	case ed25519.PrivateKey:
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %T", key)
	}
}

// publicKeyData returns the k= algorithm name and the base64 p= value for
// the key. RSA keys publish the SubjectPublicKeyInfo form, Ed25519 keys the
// raw 32 bytes, matching what verifiers parse.
func publicKeyData(pkey crypto.Signer) (algo, b64 string, err error) {
	switch pub := pkey.Public().(type) {
	case *rsa.PublicKey:
		blob, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return "", "", err
		}
		return "rsa", base64.StdEncoding.EncodeToString(blob), nil
	case ed25519.PublicKey:
		return "ed25519", base64.StdEncoding.EncodeToString(pub), nil
	default:
		return "", "", fmt.Errorf("unsupported public key type: %T", pub)
	}
}

func signerBits(pkey crypto.Signer) int {
	if key, ok := pkey.(*rsa.PrivateKey); ok {
		return key.N.BitLen()
	}
	return 0
}
