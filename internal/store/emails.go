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
	"strings"
	"time"
)

// Email statuses. A message moves pending → sent → one of the terminal
// states. There is no way back: transitions happen via conditional updates
// keyed by (message_id, expected status), so replayed jobs cannot resurrect
// a finished message.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusBounced   = "bounced"
	StatusFailed    = "failed"
)

const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

type Email struct {
	ID          int64
	MessageID   string
	TenantID    int64
	UserID      int64
	Direction   string
	MailFrom    string
	RcptTo      []string
	Subject     string
	BodyText    string
	BodyHTML    string
	Status      string
	Attempts    int
	MXServer    string
	Modified    bool
	SpamScore   float64
	LastError   string
	SentAt      time.Time
	DeliveredAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const emailCols = `id, message_id, tenant_id, user_id, direction, mail_from, rcpt_to,
	subject, body_text, body_html, status, attempts, mx_server, modified, spam_score,
	last_error, sent_at, delivered_at, created_at, updated_at`

// Recipient lists are stored as a single newline-separated column. Addresses
// cannot contain newlines so no escaping is needed.
func joinRcpts(rcpts []string) string {
	return strings.Join(rcpts, "\n")
}

func splitRcpts(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, "\n")
}

func scanEmail(scan func(...interface{}) error) (*Email, error) {
	e := Email{}
	var rcptTo string
	var bodyText, bodyHTML sql.NullString
	var modified int
	var sentAt, deliveredAt, createdAt, updatedAt int64
	err := scan(&e.ID, &e.MessageID, &e.TenantID, &e.UserID, &e.Direction,
		&e.MailFrom, &rcptTo, &e.Subject, &bodyText, &bodyHTML, &e.Status,
		&e.Attempts, &e.MXServer, &modified, &e.SpamScore, &e.LastError,
		&sentAt, &deliveredAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.RcptTo = splitRcpts(rcptTo)
	e.BodyText = bodyText.String
	e.BodyHTML = bodyHTML.String
	e.Modified = modified != 0
	e.SentAt = timeOrZero(sentAt)
	e.DeliveredAt = timeOrZero(deliveredAt)
	e.CreatedAt = timeOrZero(createdAt)
	e.UpdatedAt = timeOrZero(updatedAt)
	return &e, nil
}

func (s *Store) EmailByMessageID(ctx context.Context, messageID string) (*Email, error) {
	row := s.queryRow(ctx, `SELECT `+emailCols+` FROM emails WHERE message_id = ?`, messageID)
	return scanEmail(row.Scan)
}

// InsertEmail persists a new Email row. The insert is idempotent on
// message_id: replaying acceptance of the same message leaves the existing
// row untouched and reports no error, so the row/job pair stays consistent
// across crashes between the two writes.
func (s *Store) InsertEmail(ctx context.Context, e *Email) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err := s.exec(ctx,
		`INSERT INTO emails (message_id, tenant_id, user_id, direction, mail_from, rcpt_to,
			subject, body_text, body_html, status, attempts, mx_server, modified, spam_score,
			last_error, sent_at, delivered_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.MessageID, e.TenantID, e.UserID, e.Direction, e.MailFrom, joinRcpts(e.RcptTo),
		e.Subject, e.BodyText, e.BodyHTML, e.Status, e.Attempts, e.MXServer,
		boolInt(e.Modified), e.SpamScore, e.LastError, unixOrZero(e.SentAt),
		unixOrZero(e.DeliveredAt), e.CreatedAt.Unix(), e.UpdatedAt.Unix())
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

// isUniqueViolation matches the duplicate-key errors of all three drivers
// without importing their error types.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || // sqlite, postgres
		strings.Contains(msg, "duplicate") // mysql, postgres detail
}

// StatusUpdate carries the columns a transition may set alongside status.
type StatusUpdate struct {
	MXServer  string
	LastError string

	// BumpAttempts increments the attempts counter.
	BumpAttempts bool
}

// TransitionStatus atomically moves the message from the expected status to
// next. It reports false without error when the row was not in the expected
// status, which callers treat as "someone else already settled this
// message".
func (s *Store) TransitionStatus(ctx context.Context, messageID, expect, next string, upd StatusUpdate) (bool, error) {
	now := time.Now().Unix()

	set := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{next, now}

	if upd.BumpAttempts {
		set = append(set, "attempts = attempts + 1")
	}
	if upd.MXServer != "" {
		set = append(set, "mx_server = ?")
		args = append(args, upd.MXServer)
	}
	if upd.LastError != "" {
		set = append(set, "last_error = ?")
		args = append(args, upd.LastError)
	}
	switch next {
	case StatusSent:
		set = append(set, "sent_at = ?")
		args = append(args, now)
	case StatusDelivered:
		set = append(set, "delivered_at = ?")
		args = append(args, now)
	}

	args = append(args, messageID, expect)
	res, err := s.exec(ctx,
		`UPDATE emails SET `+strings.Join(set, ", ")+` WHERE message_id = ? AND status = ?`,
		args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// EmailStatus reports just the status column.
func (s *Store) EmailStatus(ctx context.Context, messageID string) (string, error) {
	var status string
	err := s.queryRow(ctx, `SELECT status FROM emails WHERE message_id = ?`, messageID).Scan(&status)
	return status, err
}

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusDelivered, StatusBounced, StatusFailed:
		return true
	}
	return false
}

// SweepPending reports outbound messages that have sat in pending or sent
// longer than age. The queue reconciler re-fires jobs for them after a
// crash that lost the spool.
func (s *Store) SweepPending(ctx context.Context, age time.Duration) ([]*Email, error) {
	cutoff := time.Now().Add(-age).Unix()
	rows, err := s.query(ctx,
		`SELECT `+emailCols+` FROM emails
		WHERE direction = ? AND status IN (?, ?) AND updated_at < ?`,
		DirectionOutbound, StatusPending, StatusSent, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*Email
	for rows.Next() {
		e, err := scanEmail(rows.Scan)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// RecordSpamScore stores the heuristic score computed at acceptance.
func (s *Store) RecordSpamScore(ctx context.Context, messageID string, score float64) error {
	_, err := s.exec(ctx,
		`UPDATE emails SET spam_score = ?, updated_at = ? WHERE message_id = ?`,
		score, time.Now().Unix(), messageID)
	return err
}
