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
	"fmt"
	"strings"
)

// idColumn returns the autoincrementing primary key column definition for
// the active driver. This is the only dialect-specific piece of the schema.
func (s *Store) idColumn() string {
	switch s.driver {
	case "postgres":
		return "id BIGSERIAL PRIMARY KEY"
	case "mysql":
		return "id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY"
	default:
		return "id INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}

func (s *Store) initSchema() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS users (
			` + s.idColumn() + `,
			tenant_id BIGINT NOT NULL DEFAULT 0,
			email VARCHAR(255) NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			verified SMALLINT NOT NULL DEFAULT 0,
			active SMALLINT NOT NULL DEFAULT 1,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS domains (
			` + s.idColumn() + `,
			tenant_id BIGINT NOT NULL DEFAULT 0,
			user_id BIGINT NOT NULL DEFAULT 0,
			name VARCHAR(255) NOT NULL UNIQUE,
			verified SMALLINT NOT NULL DEFAULT 0,
			verified_at BIGINT NOT NULL DEFAULT 0,
			verification_method VARCHAR(64) NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dkim_keys (
			` + s.idColumn() + `,
			tenant_id BIGINT NOT NULL DEFAULT 0,
			domain_name VARCHAR(255) NOT NULL,
			selector VARCHAR(255) NOT NULL,
			algorithm VARCHAR(32) NOT NULL DEFAULT 'rsa-sha256',
			canonicalization VARCHAR(32) NOT NULL DEFAULT 'relaxed/relaxed',
			key_bits INTEGER NOT NULL DEFAULT 2048,
			private_key_pem TEXT NOT NULL,
			public_key_der_b64 TEXT NOT NULL,
			active SMALLINT NOT NULL DEFAULT 1,
			created_at BIGINT NOT NULL,
			UNIQUE (domain_name, selector)
		)`,
		`CREATE TABLE IF NOT EXISTS emails (
			` + s.idColumn() + `,
			message_id VARCHAR(255) NOT NULL UNIQUE,
			tenant_id BIGINT NOT NULL DEFAULT 0,
			user_id BIGINT NOT NULL DEFAULT 0,
			direction VARCHAR(16) NOT NULL,
			mail_from TEXT NOT NULL,
			rcpt_to TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			body_text TEXT,
			body_html TEXT,
			status VARCHAR(16) NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			mx_server TEXT NOT NULL DEFAULT '',
			modified SMALLINT NOT NULL DEFAULT 0,
			spam_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			sent_at BIGINT NOT NULL DEFAULT 0,
			delivered_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_attempts (
			` + s.idColumn() + `,
			tenant_id BIGINT NOT NULL DEFAULT 0,
			message_id VARCHAR(255) NOT NULL,
			rcpt TEXT NOT NULL,
			destination VARCHAR(255) NOT NULL,
			mx_host VARCHAR(255) NOT NULL DEFAULT '',
			outcome VARCHAR(16) NOT NULL,
			smtp_code INTEGER NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reputation (
			rep_key VARCHAR(255) NOT NULL PRIMARY KEY,
			successes BIGINT NOT NULL DEFAULT 0,
			failures BIGINT NOT NULL DEFAULT 0,
			consecutive_failures BIGINT NOT NULL DEFAULT 0,
			last_outcome_at BIGINT NOT NULL DEFAULT 0,
			blocked_until BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS auth_attempts (
			` + s.idColumn() + `,
			remote_ip VARCHAR(64) NOT NULL,
			username VARCHAR(255) NOT NULL,
			success SMALLINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS security_events (
			` + s.idColumn() + `,
			tenant_id BIGINT NOT NULL DEFAULT 0,
			kind VARCHAR(64) NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dead_jobs (
			` + s.idColumn() + `,
			queue VARCHAR(64) NOT NULL,
			job_id VARCHAR(64) NOT NULL,
			tenant_id BIGINT NOT NULL DEFAULT 0,
			kind VARCHAR(64) NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS analytics_daily (
			tenant_id BIGINT NOT NULL,
			day VARCHAR(10) NOT NULL,
			sent BIGINT NOT NULL DEFAULT 0,
			delivered BIGINT NOT NULL DEFAULT 0,
			bounced BIGINT NOT NULL DEFAULT 0,
			failed BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, day)
		)`,
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS emails_status ON emails (status, updated_at)`,
		`CREATE INDEX IF NOT EXISTS emails_tenant ON emails (tenant_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS attempts_msg ON delivery_attempts (message_id)`,
		`CREATE INDEX IF NOT EXISTS auth_attempts_ip ON auth_attempts (remote_ip, created_at)`,
		`CREATE INDEX IF NOT EXISTS domains_owner ON domains (tenant_id, user_id)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("store: schema: %w", err)
		}
	}
	for _, ddl := range indexes {
		if s.driver == "mysql" {
			// MySQL has no IF NOT EXISTS for indexes, a duplicate-name
			// error on restart is expected and harmless.
			if _, err := s.db.Exec(strings.Replace(ddl, "IF NOT EXISTS ", "", 1)); err != nil {
				continue
			}
			continue
		}
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("store: schema: %w", err)
		}
	}

	return nil
}
