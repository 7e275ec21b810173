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

package store

import (
	"context"
	"database/sql"
	"time"
)

type DKIMKey struct {
	ID               int64
	TenantID         int64
	Domain           string
	Selector         string
	Algorithm        string
	Canonicalization string
	KeyBits          int
	PrivateKeyPEM    string
	PublicKeyDER     string
	Active           bool
	CreatedAt        time.Time
}

const dkimCols = `id, tenant_id, domain_name, selector, algorithm, canonicalization,
	key_bits, private_key_pem, public_key_der_b64, active, created_at`

func scanDKIMKey(scan func(...interface{}) error) (*DKIMKey, error) {
	k := DKIMKey{}
	var active int
	var createdAt int64
	err := scan(&k.ID, &k.TenantID, &k.Domain, &k.Selector, &k.Algorithm,
		&k.Canonicalization, &k.KeyBits, &k.PrivateKeyPEM, &k.PublicKeyDER,
		&active, &createdAt)
	if err != nil {
		return nil, err
	}
	k.Active = active != 0
	k.CreatedAt = timeOrZero(createdAt)
	return &k, nil
}

// ActiveDKIMKey reports the active signing key for domain. tenantID below
// zero disables the tenant scoping.
func (s *Store) ActiveDKIMKey(ctx context.Context, tenantID int64, domain string) (*DKIMKey, error) {
	var row *sql.Row
	if tenantID >= 0 {
		row = s.queryRow(ctx,
			`SELECT `+dkimCols+` FROM dkim_keys
			WHERE domain_name = ? AND tenant_id = ? AND active = 1`, domain, tenantID)
	} else {
		row = s.queryRow(ctx,
			`SELECT `+dkimCols+` FROM dkim_keys
			WHERE domain_name = ? AND active = 1`, domain)
	}
	return scanDKIMKey(row.Scan)
}

func (s *Store) DKIMKeyBySelector(ctx context.Context, domain, selector string) (*DKIMKey, error) {
	row := s.queryRow(ctx,
		`SELECT `+dkimCols+` FROM dkim_keys WHERE domain_name = ? AND selector = ?`,
		domain, selector)
	return scanDKIMKey(row.Scan)
}

// InsertDKIMKey stores a fresh key and deactivates every other key of the
// domain in the same transaction, keeping the one-active-key invariant even
// when two generations race.
func (s *Store) InsertDKIMKey(ctx context.Context, k *DKIMKey) error {
	now := time.Now().Unix()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			s.rebind(`UPDATE dkim_keys SET active = 0 WHERE domain_name = ? AND active = 1`),
			k.Domain)
		if err != nil {
			return err
		}

		// Same selector reused: replace the key material in place, the
		// (domain_name, selector) pair is unique.
		res, err := tx.ExecContext(ctx,
			s.rebind(`UPDATE dkim_keys SET tenant_id = ?, algorithm = ?, canonicalization = ?,
				key_bits = ?, private_key_pem = ?, public_key_der_b64 = ?, active = 1, created_at = ?
				WHERE domain_name = ? AND selector = ?`),
			k.TenantID, k.Algorithm, k.Canonicalization, k.KeyBits,
			k.PrivateKeyPEM, k.PublicKeyDER, now, k.Domain, k.Selector)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			k.CreatedAt = time.Unix(now, 0)
			return nil
		}

		_, err = tx.ExecContext(ctx,
			s.rebind(`INSERT INTO dkim_keys (tenant_id, domain_name, selector, algorithm,
				canonicalization, key_bits, private_key_pem, public_key_der_b64, active, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`),
			k.TenantID, k.Domain, k.Selector, k.Algorithm, k.Canonicalization,
			k.KeyBits, k.PrivateKeyPEM, k.PublicKeyDER, now)
		if err != nil {
			return err
		}
		k.CreatedAt = time.Unix(now, 0)
		return nil
	})
}
