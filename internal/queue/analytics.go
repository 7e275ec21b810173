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

package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ferrymail/ferrymail/framework/exterrors"
	"github.com/ferrymail/ferrymail/framework/log"
	"github.com/ferrymail/ferrymail/internal/store"
)

// AnalyticsPayload is the JSON body of update-analytics jobs: a delta for
// the per-tenant daily counters.
type AnalyticsPayload struct {
	// Day the delta applies to, YYYY-MM-DD in UTC. Empty means the day
	// the job runs on.
	Day string `json:"day,omitempty"`

	Sent      int64 `json:"sent,omitempty"`
	Delivered int64 `json:"delivered,omitempty"`
	Bounced   int64 `json:"bounced,omitempty"`
	Failed    int64 `json:"failed,omitempty"`
}

// AnalyticsHandler runs update-analytics jobs by applying the delta to the
// analytics_daily table.
type AnalyticsHandler struct {
	Store *store.Store

	Log log.Logger
}

func (h *AnalyticsHandler) Handle(ctx context.Context, job *Job) error {
	var payload AnalyticsPayload
	if err := json.Unmarshal(job.Meta.Payload, &payload); err != nil {
		return exterrors.WithTemporary(err, false)
	}

	day := payload.Day
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}

	return h.Store.BumpAnalytics(ctx, job.Meta.TenantID, day, store.AnalyticsCounts{
		Sent:      payload.Sent,
		Delivered: payload.Delivered,
		Bounced:   payload.Bounced,
		Failed:    payload.Failed,
	})
}
