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

/*
Package monitor watches queue health and raises operational alerts.

On a fixed interval it samples the counters of every watched queue,
keeps a trailing window of samples to compute failure rates, and probes
the broker. A rule that fires turns into at most one alert per cooldown
window, delivered as a send-webhook job and, when an administrator
address is configured, as a system mail.

Alerts about the webhook queue itself bypass the webhook queue: a queue
that cannot run its jobs cannot carry the alert saying so.
*/
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/framework/log"
	"github.com/ferrymail/ferrymail/internal/broker"
	"github.com/ferrymail/ferrymail/internal/processor"
	"github.com/ferrymail/ferrymail/internal/queue"
)

// Alert rules.
const (
	AlertFailureRate  = "high_failure_rate"
	AlertWaitingCount = "high_waiting_count"
	AlertStuck        = "queue_stuck"
	AlertBrokerDown   = "broker_disconnection"
)

// rateWindow is the span the failure rate is computed over.
const rateWindow = 5 * time.Minute

// minRateAttempts is the least number of terminal job outcomes inside
// the window for the failure rate rule to apply.
const minRateAttempts = 5

// sample is one reading of the cumulative queue counters.
type sample struct {
	at        time.Time
	completed uint64
	failed    uint64
}

// watched is one queue under observation together with its sample
// window, oldest sample first.
type watched struct {
	q        *queue.Queue
	stuckAge time.Duration

	samples []sample
}

func (w *watched) push(now time.Time, st queue.Stats) {
	w.samples = append(w.samples, sample{at: now, completed: st.Completed, failed: st.Failed})

	// The oldest sample at or before the cutoff stays, it is the
	// baseline the deltas are computed against.
	cutoff := now.Add(-rateWindow)
	for len(w.samples) >= 2 && w.samples[1].at.Before(cutoff) {
		w.samples = w.samples[1:]
	}
}

// failureRate reports the share of attempts that ended in failure over
// the sample window and the number of attempts behind that number.
func (w *watched) failureRate() (float64, uint64) {
	if len(w.samples) < 2 {
		return 0, 0
	}
	first := w.samples[0]
	last := w.samples[len(w.samples)-1]
	failed := last.failed - first.failed
	total := failed + last.completed - first.completed
	if total == 0 {
		return 0, 0
	}
	return float64(failed) / float64(total), total
}

type Monitor struct {
	cfg  config.Monitor
	mail config.Mail

	brk  broker.Broker
	proc *processor.Processor

	// alerts is the queue webhook notifications are enqueued into.
	alerts *queue.Queue

	queues []*watched

	// lastRaised remembers the newest delivery per rule and queue.
	// Touched by the sampling goroutine only.
	lastRaised map[string]time.Time

	stopSample chan struct{}
	sampleDone chan struct{}

	Log log.Logger
}

// New creates a monitor that delivers webhook alerts through the alerts
// queue and mail alerts through proc. Both may be nil, disabling the
// respective channel. Queues to observe are added with Watch before
// Start.
func New(cfg config.Monitor, mail config.Mail, brk broker.Broker, proc *processor.Processor, alerts *queue.Queue, logger log.Logger) *Monitor {
	return &Monitor{
		cfg:        cfg,
		mail:       mail,
		brk:        brk,
		proc:       proc,
		alerts:     alerts,
		lastRaised: map[string]time.Time{},
		stopSample: make(chan struct{}),
		sampleDone: make(chan struct{}),
		Log:        logger,
	}
}

func (m *Monitor) Name() string {
	return "monitor"
}

func (m *Monitor) InstanceName() string {
	return ""
}

// Watch adds q to the observed set. stuckAge bounds how long a single
// attempt may stay active before the queue counts as stuck, zero
// disables the stuck rule for this queue.
func (m *Monitor) Watch(q *queue.Queue, stuckAge time.Duration) {
	m.queues = append(m.queues, &watched{q: q, stuckAge: stuckAge})
}

// Start begins the periodic sampling. Watch must not be called anymore
// once the monitor is started.
func (m *Monitor) Start() error {
	go m.sampleLoop()
	return nil
}

func (m *Monitor) Stop() error {
	close(m.stopSample)
	<-m.sampleDone
	return nil
}

func (m *Monitor) sampleLoop() {
	defer close(m.sampleDone)
	t := time.NewTicker(m.cfg.SampleInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopSample:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			m.sweep(ctx, time.Now())
			cancel()
		}
	}
}

// sweep runs one sampling pass: refresh the gauges, evaluate the rules
// and deliver whatever fired.
func (m *Monitor) sweep(ctx context.Context, now time.Time) {
	for _, w := range m.queues {
		st := w.q.Stats()
		w.push(now, st)
		name := w.q.InstanceName()

		rate, attempts := w.failureRate()
		failureRateGauge.WithLabelValues(name).Set(rate)
		oldestActiveGauge.WithLabelValues(name).Set(st.OldestActive.Seconds())

		if rate > m.cfg.FailureRateThreshold && attempts >= minRateAttempts {
			m.raise(ctx, now, name, AlertFailureRate,
				fmt.Sprintf("%.0f%% of %d attempts failed over the last %s", rate*100, attempts, rateWindow))
		}
		if m.cfg.WaitingThreshold > 0 && st.Waiting > m.cfg.WaitingThreshold {
			m.raise(ctx, now, name, AlertWaitingCount,
				fmt.Sprintf("%d jobs waiting, threshold is %d", st.Waiting, m.cfg.WaitingThreshold))
		}
		if w.stuckAge > 0 && st.OldestActive > w.stuckAge {
			m.raise(ctx, now, name, AlertStuck,
				fmt.Sprintf("an attempt is running for %s, deadline is %s",
					st.OldestActive.Round(time.Second), w.stuckAge))
		}
	}

	if err := m.brk.Ping(ctx); err != nil {
		brokerUpGauge.Set(0)
		m.raise(ctx, now, "", AlertBrokerDown, "broker did not answer a ping: "+err.Error())
	} else {
		brokerUpGauge.Set(1)
	}
}

// raise delivers one alert unless the same rule fired for the same
// queue within the cooldown window. queueName is empty for alerts not
// tied to a queue.
func (m *Monitor) raise(ctx context.Context, now time.Time, queueName, kind, detail string) {
	key := kind + "/" + queueName
	if last, ok := m.lastRaised[key]; ok && now.Sub(last) < m.cfg.AlertCooldown {
		return
	}
	m.lastRaised[key] = now

	m.Log.Msg("alert raised", "alert", kind, "queue", queueName, "detail", detail)
	alertsCnt.WithLabelValues(kind, queueName).Inc()

	m.deliverWebhook(now, queueName, kind, detail)
	m.deliverMail(ctx, queueName, kind, detail)
}

func (m *Monitor) deliverWebhook(now time.Time, queueName, kind, detail string) {
	if m.cfg.AlertWebhookURL == "" || m.alerts == nil {
		return
	}
	if queueName == m.alerts.InstanceName() {
		return
	}
	_, err := m.alerts.EnqueuePayload(0, queue.WebhookPayload{
		URL:       m.cfg.AlertWebhookURL,
		Event:     "alert",
		Queue:     queueName,
		Alert:     kind,
		Detail:    detail,
		Timestamp: now,
	}, queue.JobOpts{DiscardFailed: true})
	if err != nil {
		m.Log.Error("alert webhook not enqueued", err, "alert", kind)
	}
}

func (m *Monitor) deliverMail(ctx context.Context, queueName, kind, detail string) {
	if m.cfg.AdminEmail == "" || m.proc == nil {
		return
	}
	subject := "Ferrymail alert: " + kind
	body := "Alert: " + kind + "\n"
	if queueName != "" {
		subject += " (" + queueName + ")"
		body += "Queue: " + queueName + "\n"
	}
	body += "\n" + detail + "\n"

	_, err := m.proc.EnqueueEmail(ctx, processor.EnqueueRequest{
		From:    m.mail.FromEmail,
		To:      []string{m.cfg.AdminEmail},
		Subject: subject,
		Text:    body,
	})
	if err != nil {
		m.Log.Error("alert mail not enqueued", err, "alert", kind)
	}
}
