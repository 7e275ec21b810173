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

package monitor

import "github.com/prometheus/client_golang/prometheus"

var (
	failureRateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ferrymail",
			Subsystem: "monitor",
			Name:      "failure_rate",
			Help:      "Share of job attempts that ended in failure over the sampling window",
		},
		[]string{"queue"},
	)
	oldestActiveGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ferrymail",
			Subsystem: "monitor",
			Name:      "oldest_active_seconds",
			Help:      "Age of the longest-running active job attempt",
		},
		[]string{"queue"},
	)
	brokerUpGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ferrymail",
			Subsystem: "monitor",
			Name:      "broker_up",
			Help:      "Whether the last broker heartbeat succeeded",
		},
	)
	alertsCnt = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ferrymail",
			Subsystem: "monitor",
			Name:      "alerts",
			Help:      "Alerts raised, per rule",
		},
		[]string{"alert", "queue"},
	)
)

func init() {
	prometheus.MustRegister(failureRateGauge)
	prometheus.MustRegister(oldestActiveGauge)
	prometheus.MustRegister(brokerUpGauge)
	prometheus.MustRegister(alertsCnt)
}
