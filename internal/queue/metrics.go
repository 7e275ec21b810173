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

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ferrymail",
			Subsystem: "queue",
			Name:      "jobs",
			Help:      "Jobs currently tracked by the queue, per state",
		},
		[]string{"queue", "state"},
	)
	attemptsCnt = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ferrymail",
			Subsystem: "queue",
			Name:      "attempts",
			Help:      "Finished job attempts, per result",
		},
		[]string{"queue", "result"},
	)
)

func init() {
	prometheus.MustRegister(jobsGauge)
	prometheus.MustRegister(attemptsCnt)
}

// updateGauges publishes the in-memory counters. Callers hold dispatchLck.
func (q *Queue) updateGauges() {
	jobsGauge.WithLabelValues(q.name, "waiting").Set(float64(q.nWaiting))
	jobsGauge.WithLabelValues(q.name, "active").Set(float64(q.nActive))
	jobsGauge.WithLabelValues(q.name, "delayed").Set(float64(q.nDelayed))
}
