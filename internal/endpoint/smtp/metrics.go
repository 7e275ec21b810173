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

package smtp

import "github.com/prometheus/client_golang/prometheus"

var (
	startedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ferrymail",
			Subsystem: "smtp",
			Name:      "started_transactions_total",
			Help:      "Started SMTP transactions",
		},
		[]string{"endpoint"},
	)
	completedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ferrymail",
			Subsystem: "smtp",
			Name:      "completed_transactions_total",
			Help:      "Transactions that ended with the message being accepted",
		},
		[]string{"endpoint"},
	)
	abortedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ferrymail",
			Subsystem: "smtp",
			Name:      "aborted_transactions_total",
			Help:      "Transactions dropped before DATA completed",
		},
		[]string{"endpoint"},
	)
	rejectedConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ferrymail",
			Subsystem: "smtp",
			Name:      "rejected_connections_total",
			Help:      "Connections refused before any mail transaction",
		},
		[]string{"endpoint", "reason"},
	)
	failedLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ferrymail",
			Subsystem: "smtp",
			Name:      "failed_logins_total",
			Help:      "AUTH attempts that did not produce an authenticated session",
		},
		[]string{"endpoint"},
	)
	failedCmds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ferrymail",
			Subsystem: "smtp",
			Name:      "failed_commands_total",
			Help:      "Transaction commands (MAIL, RCPT, DATA) rejected with an error reply",
		},
		[]string{"endpoint", "command", "smtp_code", "smtp_enchcode"},
	)
)

func init() {
	prometheus.MustRegister(startedTransactions, completedTransactions,
		abortedTransactions, rejectedConnections, failedLogins, failedCmds)
}
