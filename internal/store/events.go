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

// DeliveryAttempt is the append-only audit record of one SMTP conversation
// with one candidate host for one recipient.
type DeliveryAttempt struct {
	ID          int64
	TenantID    int64
	MessageID   string
	Rcpt        string
	Destination string
	MXHost      string
	Outcome     string // accepted, deferred, rejected, error
	SMTPCode    int
	Latency     time.Duration
	Error       string
	CreatedAt   time.Time
}

const (
	OutcomeAccepted = "accepted"
	OutcomeDeferred = "deferred"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

func (s *Store) RecordDeliveryAttempt(ctx context.Context, a *DeliveryAttempt) error {
	_, err := s.exec(ctx,
		`INSERT INTO delivery_attempts (tenant_id, message_id, rcpt, destination, mx_host,
			outcome, smtp_code, latency_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TenantID, a.MessageID, a.Rcpt, a.Destination, a.MXHost,
		a.Outcome, a.SMTPCode, a.Latency.Milliseconds(), a.Error, time.Now().Unix())
	return err
}

func (s *Store) DeliveryAttempts(ctx context.Context, messageID string) ([]*DeliveryAttempt, error) {
	rows, err := s.query(ctx,
		`SELECT id, tenant_id, message_id, rcpt, destination, mx_host, outcome, smtp_code,
			latency_ms, error, created_at
		FROM delivery_attempts WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*DeliveryAttempt
	for rows.Next() {
		a := DeliveryAttempt{}
		var latencyMS, createdAt int64
		err := rows.Scan(&a.ID, &a.TenantID, &a.MessageID, &a.Rcpt, &a.Destination,
			&a.MXHost, &a.Outcome, &a.SMTPCode, &latencyMS, &a.Error, &createdAt)
		if err != nil {
			return nil, err
		}
		a.Latency = time.Duration(latencyMS) * time.Millisecond
		a.CreatedAt = timeOrZero(createdAt)
		list = append(list, &a)
	}
	return list, rows.Err()
}

// SecurityEvent is one row of the append-only security audit trail.
type SecurityEvent struct {
	ID        int64
	TenantID  int64
	Kind      string
	Subject   string
	Detail    string
	CreatedAt time.Time
}

// RecordSecurityEvent appends to the security audit trail.
func (s *Store) RecordSecurityEvent(ctx context.Context, tenantID int64, kind, subject, detail string) error {
	_, err := s.exec(ctx,
		`INSERT INTO security_events (tenant_id, kind, subject, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		tenantID, kind, subject, detail, time.Now().Unix())
	return err
}

// SecurityEvents returns the newest events first, at most limit of them.
func (s *Store) SecurityEvents(ctx context.Context, limit int) ([]*SecurityEvent, error) {
	rows, err := s.query(ctx,
		`SELECT id, tenant_id, kind, subject, detail, created_at
		FROM security_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*SecurityEvent
	for rows.Next() {
		ev := SecurityEvent{}
		var createdAt int64
		err := rows.Scan(&ev.ID, &ev.TenantID, &ev.Kind, &ev.Subject, &ev.Detail, &createdAt)
		if err != nil {
			return nil, err
		}
		ev.CreatedAt = timeOrZero(createdAt)
		list = append(list, &ev)
	}
	return list, rows.Err()
}

// AnalyticsCounts is the per-tenant daily outcome tally.
type AnalyticsCounts struct {
	Sent      int64
	Delivered int64
	Bounced   int64
	Failed    int64
}

// BumpAnalytics adds delta to the per-tenant counters of the given day
// (YYYY-MM-DD). The upsert is expressed as update-then-insert to stay
// portable across the three drivers.
func (s *Store) BumpAnalytics(ctx context.Context, tenantID int64, day string, delta AnalyticsCounts) error {
	res, err := s.exec(ctx,
		`UPDATE analytics_daily SET sent = sent + ?, delivered = delivered + ?,
			bounced = bounced + ?, failed = failed + ?
		WHERE tenant_id = ? AND day = ?`,
		delta.Sent, delta.Delivered, delta.Bounced, delta.Failed, tenantID, day)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, err = s.exec(ctx,
		`INSERT INTO analytics_daily (tenant_id, day, sent, delivered, bounced, failed)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tenantID, day, delta.Sent, delta.Delivered, delta.Bounced, delta.Failed)
	if err != nil && isUniqueViolation(err) {
		// Lost the insert race, the update will succeed now.
		_, err = s.exec(ctx,
			`UPDATE analytics_daily SET sent = sent + ?, delivered = delivered + ?,
				bounced = bounced + ?, failed = failed + ?
			WHERE tenant_id = ? AND day = ?`,
			delta.Sent, delta.Delivered, delta.Bounced, delta.Failed, tenantID, day)
	}
	return err
}

func (s *Store) AnalyticsFor(ctx context.Context, tenantID int64, day string) (AnalyticsCounts, error) {
	var c AnalyticsCounts
	err := s.queryRow(ctx,
		`SELECT sent, delivered, bounced, failed FROM analytics_daily
		WHERE tenant_id = ? AND day = ?`, tenantID, day).
		Scan(&c.Sent, &c.Delivered, &c.Bounced, &c.Failed)
	return c, err
}
