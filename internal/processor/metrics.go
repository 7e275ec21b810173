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

package processor

import "github.com/prometheus/client_golang/prometheus"

var (
	msgsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ferrymail",
			Subsystem: "processor",
			Name:      "messages",
			Help:      "Messages handled by the processor, per direction and outcome",
		},
		[]string{"direction", "outcome"},
	)
	reconciled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ferrymail",
			Subsystem: "processor",
			Name:      "reconciled",
			Help:      "Stalled outbound messages re-enqueued by the reconciler",
		},
	)
)

func init() {
	prometheus.MustRegister(msgsProcessed)
	prometheus.MustRegister(reconciled)
}
