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

// ReputationSnapshot is the durable form of one reputation entry. The live
// counters are kept by the reputation manager; this table only makes them
// survive restarts.
type ReputationSnapshot struct {
	Key                 string
	Successes           int64
	Failures            int64
	ConsecutiveFailures int64
	LastOutcomeAt       time.Time
	BlockedUntil        time.Time
}

func (s *Store) SaveReputation(ctx context.Context, snap *ReputationSnapshot) error {
	res, err := s.exec(ctx,
		`UPDATE reputation SET successes = ?, failures = ?, consecutive_failures = ?,
			last_outcome_at = ?, blocked_until = ?
		WHERE rep_key = ?`,
		snap.Successes, snap.Failures, snap.ConsecutiveFailures,
		unixOrZero(snap.LastOutcomeAt), unixOrZero(snap.BlockedUntil), snap.Key)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, err = s.exec(ctx,
		`INSERT INTO reputation (rep_key, successes, failures, consecutive_failures,
			last_outcome_at, blocked_until)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.Key, snap.Successes, snap.Failures, snap.ConsecutiveFailures,
		unixOrZero(snap.LastOutcomeAt), unixOrZero(snap.BlockedUntil))
	if err != nil && isUniqueViolation(err) {
		_, err = s.exec(ctx,
			`UPDATE reputation SET successes = ?, failures = ?, consecutive_failures = ?,
				last_outcome_at = ?, blocked_until = ?
			WHERE rep_key = ?`,
			snap.Successes, snap.Failures, snap.ConsecutiveFailures,
			unixOrZero(snap.LastOutcomeAt), unixOrZero(snap.BlockedUntil), snap.Key)
	}
	return err
}

// LoadReputation reports all persisted reputation entries, used to seed the
// in-memory state at boot.
func (s *Store) LoadReputation(ctx context.Context) ([]*ReputationSnapshot, error) {
	rows, err := s.query(ctx,
		`SELECT rep_key, successes, failures, consecutive_failures, last_outcome_at, blocked_until
		FROM reputation`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*ReputationSnapshot
	for rows.Next() {
		snap := ReputationSnapshot{}
		var lastOutcome, blockedUntil int64
		err := rows.Scan(&snap.Key, &snap.Successes, &snap.Failures,
			&snap.ConsecutiveFailures, &lastOutcome, &blockedUntil)
		if err != nil {
			return nil, err
		}
		snap.LastOutcomeAt = timeOrZero(lastOutcome)
		snap.BlockedUntil = timeOrZero(blockedUntil)
		list = append(list, &snap)
	}
	return list, rows.Err()
}
