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

// DeadJob mirrors a dead-lettered queue entry so the failure survives spool
// cleanup and is visible to the CLI.
type DeadJob struct {
	ID        int64
	Queue     string
	JobID     string
	TenantID  int64
	Kind      string
	Payload   string
	Attempts  int
	LastError string
	CreatedAt time.Time
}

func (s *Store) RecordDeadJob(ctx context.Context, dj *DeadJob) error {
	_, err := s.exec(ctx,
		`INSERT INTO dead_jobs (queue, job_id, tenant_id, kind, payload, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dj.Queue, dj.JobID, dj.TenantID, dj.Kind, dj.Payload, dj.Attempts,
		dj.LastError, time.Now().Unix())
	return err
}

func (s *Store) ListDeadJobs(ctx context.Context, queue string) ([]*DeadJob, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if queue == "" {
		rows, err = s.query(ctx,
			`SELECT id, queue, job_id, tenant_id, kind, payload, attempts, last_error, created_at
			FROM dead_jobs ORDER BY id`)
	} else {
		rows, err = s.query(ctx,
			`SELECT id, queue, job_id, tenant_id, kind, payload, attempts, last_error, created_at
			FROM dead_jobs WHERE queue = ? ORDER BY id`, queue)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*DeadJob
	for rows.Next() {
		dj := DeadJob{}
		var createdAt int64
		err := rows.Scan(&dj.ID, &dj.Queue, &dj.JobID, &dj.TenantID, &dj.Kind,
			&dj.Payload, &dj.Attempts, &dj.LastError, &createdAt)
		if err != nil {
			return nil, err
		}
		dj.CreatedAt = timeOrZero(createdAt)
		list = append(list, &dj)
	}
	return list, rows.Err()
}

func (s *Store) DeadJobByID(ctx context.Context, id int64) (*DeadJob, error) {
	dj := DeadJob{}
	var createdAt int64
	err := s.queryRow(ctx,
		`SELECT id, queue, job_id, tenant_id, kind, payload, attempts, last_error, created_at
		FROM dead_jobs WHERE id = ?`, id).
		Scan(&dj.ID, &dj.Queue, &dj.JobID, &dj.TenantID, &dj.Kind,
			&dj.Payload, &dj.Attempts, &dj.LastError, &createdAt)
	if err != nil {
		return nil, err
	}
	dj.CreatedAt = timeOrZero(createdAt)
	return &dj, nil
}

func (s *Store) DeleteDeadJob(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `DELETE FROM dead_jobs WHERE id = ?`, id)
	return err
}

func (s *Store) FlushDeadJobs(ctx context.Context, queue string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if queue == "" {
		res, err = s.exec(ctx, `DELETE FROM dead_jobs`)
	} else {
		res, err = s.exec(ctx, `DELETE FROM dead_jobs WHERE queue = ?`, queue)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
