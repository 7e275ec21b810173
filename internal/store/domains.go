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
	"time"
)

type Domain struct {
	ID                 int64
	TenantID           int64
	UserID             int64
	Name               string
	Verified           bool
	VerifiedAt         time.Time
	VerificationMethod string
	CreatedAt          time.Time
}

const domainCols = `id, tenant_id, user_id, name, verified, verified_at, verification_method, created_at`

func (s *Store) scanDomain(scan func(...interface{}) error) (*Domain, error) {
	d := Domain{}
	var verified int
	var verifiedAt, createdAt int64
	err := scan(&d.ID, &d.TenantID, &d.UserID, &d.Name, &verified, &verifiedAt,
		&d.VerificationMethod, &createdAt)
	if err != nil {
		return nil, err
	}
	d.Verified = verified != 0
	d.VerifiedAt = timeOrZero(verifiedAt)
	d.CreatedAt = timeOrZero(createdAt)
	return &d, nil
}

// DomainByName finds the domain row by its already-normalized name.
func (s *Store) DomainByName(ctx context.Context, name string) (*Domain, error) {
	row := s.queryRow(ctx, `SELECT `+domainCols+` FROM domains WHERE name = ?`, name)
	return s.scanDomain(row.Scan)
}

// DomainByOwner finds the domain row by name scoped to the owning tenant.
// Used when tenant isolation is enabled: tenant A never sees the rows of
// tenant B even for the same domain name.
func (s *Store) DomainByOwner(ctx context.Context, tenantID int64, name string) (*Domain, error) {
	row := s.queryRow(ctx,
		`SELECT `+domainCols+` FROM domains WHERE name = ? AND tenant_id = ?`, name, tenantID)
	return s.scanDomain(row.Scan)
}

func (s *Store) CreateDomain(ctx context.Context, d *Domain) error {
	id, err := s.insertID(ctx,
		`INSERT INTO domains (tenant_id, user_id, name, verified, verified_at, verification_method, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.TenantID, d.UserID, d.Name, boolInt(d.Verified), unixOrZero(d.VerifiedAt),
		d.VerificationMethod, time.Now().Unix())
	if err != nil {
		return err
	}
	d.ID = id
	return nil
}

// MarkDomainVerified flips the verification flag, recording when and how the
// domain was confirmed.
func (s *Store) MarkDomainVerified(ctx context.Context, name, method string) error {
	_, err := s.exec(ctx,
		`UPDATE domains SET verified = 1, verified_at = ?, verification_method = ? WHERE name = ?`,
		time.Now().Unix(), method, name)
	return err
}

// VerifiedDomains reports all verified domain names, used to extend the
// local-recipient set of the MX listener.
func (s *Store) VerifiedDomains(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `SELECT name FROM domains WHERE verified = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		list = append(list, name)
	}
	return list, rows.Err()
}
