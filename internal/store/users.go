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
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/secure/precis"

	"github.com/ferrymail/ferrymail/framework/module"
)

type User struct {
	ID           int64
	TenantID     int64
	Email        string
	PasswordHash string
	Verified     bool
	Active       bool
	CreatedAt    time.Time
}

var ErrNoRows = sql.ErrNoRows

// usernameKey normalizes the login name so that case and Unicode form
// differences do not create distinct accounts.
func usernameKey(username string) (string, error) {
	key, err := precis.UsernameCaseMapped.CompareKey(username)
	if err != nil {
		return "", fmt.Errorf("store: malformed username: %w", err)
	}
	return key, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*User, error) {
	key, err := usernameKey(email)
	if err != nil {
		return nil, err
	}

	u := User{}
	var verified, active int
	var createdAt int64
	err = s.queryRow(ctx,
		`SELECT id, tenant_id, email, password_hash, verified, active, created_at
		FROM users WHERE email = ?`, key).
		Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &verified, &active, &createdAt)
	if err != nil {
		return nil, err
	}
	u.Verified = verified != 0
	u.Active = active != 0
	u.CreatedAt = timeOrZero(createdAt)
	return &u, nil
}

// AuthPlain verifies username:password credentials against the users table.
//
// Disabled accounts fail the same way as wrong passwords so probing cannot
// tell them apart.
func (s *Store) AuthPlain(username, password string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	u, err := s.UserByEmail(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return module.ErrUnknownCredentials
		}
		return err
	}
	if !u.Active {
		return module.ErrUnknownCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return module.ErrUnknownCredentials
	}
	return nil
}

// AuthUser is AuthPlain that also reports the account row, for sessions
// that need the tenant and user identifiers afterwards.
func (s *Store) AuthUser(ctx context.Context, username, password string) (*User, error) {
	u, err := s.UserByEmail(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, module.ErrUnknownCredentials
		}
		return nil, err
	}
	if !u.Active {
		return nil, module.ErrUnknownCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, module.ErrUnknownCredentials
	}
	return u, nil
}

func (s *Store) ListUsers() ([]string, error) {
	rows, err := s.query(context.Background(), `SELECT email FROM users ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		list = append(list, email)
	}
	return list, rows.Err()
}

func (s *Store) CreateUser(username, password string) error {
	key, err := usernameKey(username)
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = s.exec(context.Background(),
		`INSERT INTO users (tenant_id, email, password_hash, verified, active, created_at)
		VALUES (?, ?, ?, 0, 1, ?)`,
		0, key, string(hash), time.Now().Unix())
	return err
}

// CreateUserTenant is CreateUser with an explicit tenant attribution,
// reporting the new account id.
func (s *Store) CreateUserTenant(ctx context.Context, tenantID int64, username, password string) (int64, error) {
	key, err := usernameKey(username)
	if err != nil {
		return 0, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}

	return s.insertID(ctx,
		`INSERT INTO users (tenant_id, email, password_hash, verified, active, created_at)
		VALUES (?, ?, ?, 0, 1, ?)`,
		tenantID, key, string(hash), time.Now().Unix())
}

func (s *Store) SetUserPassword(username, password string) error {
	key, err := usernameKey(username)
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	res, err := s.exec(context.Background(),
		`UPDATE users SET password_hash = ? WHERE email = ?`, string(hash), key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return module.ErrUnknownCredentials
	}
	return nil
}

func (s *Store) DeleteUser(username string) error {
	key, err := usernameKey(username)
	if err != nil {
		return err
	}

	res, err := s.exec(context.Background(), `DELETE FROM users WHERE email = ?`, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return module.ErrUnknownCredentials
	}
	return nil
}

// RecordAuthAttempt appends to the login audit trail.
func (s *Store) RecordAuthAttempt(ctx context.Context, remoteIP, username string, success bool) error {
	_, err := s.exec(ctx,
		`INSERT INTO auth_attempts (remote_ip, username, success, created_at)
		VALUES (?, ?, ?, ?)`,
		remoteIP, username, boolInt(success), time.Now().Unix())
	return err
}
