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

// Package relay forwards all outbound messages to a fixed upstream
// smarthost instead of contacting the recipient MXs directly.
//
// Unlike direct MX delivery there is no candidate selection: the upstream
// either takes the message or the delivery fails. Atomicity caveats are the
// same, SMTP gives no way to take a message back after DATA.
//
// Interfaces implemented:
// - module.DeliveryTarget
// - module.ServerReporter (on the delivery object)
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"runtime/trace"
	"strconv"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/idna"

	"github.com/ferrymail/ferrymail/framework/address"
	"github.com/ferrymail/ferrymail/framework/buffer"
	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/framework/exterrors"
	"github.com/ferrymail/ferrymail/framework/log"
	"github.com/ferrymail/ferrymail/framework/module"
	"github.com/ferrymail/ferrymail/internal/smtpconn"
	"github.com/ferrymail/ferrymail/internal/store"
	"github.com/ferrymail/ferrymail/internal/target"
)

var forwardsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ferrymail",
		Subsystem: "relay",
		Name:      "forwards_total",
		Help:      "Per-recipient forwards to the upstream, by outcome",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(forwardsTotal)
}

func moduleError(err error) error {
	if err == nil {
		return nil
	}

	return exterrors.WithFields(err, map[string]interface{}{
		"target": "relay",
	})
}

// Target forwards messages to the configured upstream over one SMTP
// session per delivery.
type Target struct {
	hostname string
	endpoint smtpconn.Endpoint
	starttls bool

	username string
	password string

	tlsConfig *tls.Config
	cfg       config.Delivery

	st *store.Store

	Log log.Logger
}

var _ module.DeliveryTarget = &Target{}

// New constructs the relay target from the delivery.relay section of the
// configuration. Port 465 implies TLS from the first byte; any other port
// uses STARTTLS when delivery.relay.starttls is set. st may be nil, audit
// recording is skipped then.
func New(cfg *config.Config, st *store.Store, logger log.Logger) (*Target, error) {
	relay := cfg.Delivery.Relay
	if relay.Host == "" {
		return nil, errors.New("relay: upstream host is not configured")
	}

	// INTERNATIONALIZATION: See RFC 6531 Section 3.7.1.
	hostname, err := idna.ToASCII(cfg.Hostname)
	if err != nil {
		return nil, fmt.Errorf("relay: cannot represent the hostname as an A-label name: %w", err)
	}

	port := relay.Port
	if port == 0 {
		port = 587
	}

	return &Target{
		hostname: hostname,
		endpoint: smtpconn.Endpoint{
			Host:        relay.Host,
			Port:        strconv.Itoa(port),
			ImplicitTLS: port == 465,
		},
		starttls:  relay.StartTLS,
		username:  relay.Username,
		password:  relay.Password,
		tlsConfig: &tls.Config{ServerName: relay.Host},
		cfg:       cfg.Delivery,
		st:        st,
		Log:       logger,
	}, nil
}

func (rt *Target) Close() error {
	return nil
}

func (rt *Target) Name() string {
	return "relay"
}

func (rt *Target) InstanceName() string {
	return ""
}

type relayDelivery struct {
	rt  *Target
	Log log.Logger

	msgMeta  *module.MsgMetadata
	mailFrom string
	rcpts    []string
	accepted bool

	conn *smtpconn.C
}

func (rt *Target) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	defer trace.StartRegion(ctx, "relay/Start").End()

	d := &relayDelivery{
		rt:       rt,
		Log:      target.DeliveryLogger(rt.Log, msgMeta),
		msgMeta:  msgMeta,
		mailFrom: mailFrom,
	}
	if err := d.connect(ctx); err != nil {
		return nil, err
	}

	if err := d.conn.Mail(ctx, mailFrom, msgMeta.SMTPOpts); err != nil {
		d.conn.Close()
		return nil, moduleError(err)
	}

	return d, nil
}

func (d *relayDelivery) connect(ctx context.Context) error {
	conn := smtpconn.New()
	conn.Log = d.Log
	conn.Hostname = d.rt.hostname
	conn.AddrInSMTPMsg = false
	if d.rt.cfg.ConnectTimeout != 0 {
		conn.ConnectTimeout = d.rt.cfg.ConnectTimeout
	}
	if d.rt.cfg.CommandTimeout != 0 {
		conn.CommandTimeout = d.rt.cfg.CommandTimeout
	}
	if d.rt.cfg.MessageDeadline != 0 {
		conn.SubmissionTimeout = d.rt.cfg.MessageDeadline
	}

	didTLS, err := conn.Connect(ctx, d.rt.endpoint, d.rt.starttls, d.rt.tlsConfig)
	if err != nil {
		return moduleError(err)
	}
	d.Log.DebugMsg("connected", "upstream_server", conn.ServerName())

	// Never send credentials over an unencrypted session.
	if !didTLS && !d.rt.endpoint.ImplicitTLS && (d.rt.starttls || d.rt.username != "") {
		conn.Close()
		return &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
			Message:      "TLS is required, but not supported by the upstream",
			TargetName:   "relay",
			Misc: map[string]interface{}{
				"upstream_server": d.rt.endpoint.Host,
			},
		}
	}

	if d.rt.username != "" {
		if err := conn.Client().Auth(sasl.NewPlainClient("", d.rt.username, d.rt.password)); err != nil {
			conn.Close()
			return moduleError(err)
		}
	}

	d.conn = conn
	return nil
}

func (d *relayDelivery) AddRcpt(ctx context.Context, rcptTo string) error {
	defer trace.StartRegion(ctx, "relay/AddRcpt").End()

	if d.msgMeta.Quarantine {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
			Message:      "Refusing to deliver a quarantined message",
			TargetName:   "relay",
		}
	}

	if err := d.conn.Rcpt(ctx, rcptTo, smtp.RcptOptions{}); err != nil {
		d.recordAttempt(ctx, rcptTo, 0, err)
		return moduleError(err)
	}

	d.rcpts = append(d.rcpts, rcptTo)
	return nil
}

func (d *relayDelivery) Body(ctx context.Context, header textproto.Header, body buffer.Buffer) error {
	defer trace.StartRegion(ctx, "relay/Body").End()

	r, err := body.Open()
	if err != nil {
		return moduleError(err)
	}
	defer r.Close()

	start := time.Now()
	err = d.conn.Data(ctx, header, r)
	latency := time.Since(start)

	for _, rcpt := range d.rcpts {
		d.recordAttempt(ctx, rcpt, latency, err)
	}
	if err != nil {
		return moduleError(err)
	}

	d.accepted = true
	return nil
}

// AcceptingServer implements module.ServerReporter. The upstream took
// responsibility for every recipient at once, so it names the same host
// for all of them.
func (d *relayDelivery) AcceptingServer(string) string {
	if !d.accepted {
		return ""
	}
	return d.rt.endpoint.Host
}

func (d *relayDelivery) recordAttempt(ctx context.Context, rcpt string, latency time.Duration, err error) {
	outcome := store.OutcomeAccepted
	code := 250
	errText := ""
	if err != nil {
		errText = err.Error()
		var smtpErr *exterrors.SMTPError
		switch {
		case errors.As(err, &smtpErr):
			code = smtpErr.Code
			if smtpErr.Temporary() {
				outcome = store.OutcomeDeferred
			} else {
				outcome = store.OutcomeRejected
			}
		case exterrors.IsTemporaryOrUnspec(err):
			code = 0
			outcome = store.OutcomeError
		default:
			code = 0
			outcome = store.OutcomeRejected
		}
	}

	forwardsTotal.WithLabelValues(outcome).Inc()

	if d.rt.st == nil {
		return
	}
	_, domain, splitErr := address.Split(rcpt)
	if splitErr != nil {
		domain = ""
	}
	record := &store.DeliveryAttempt{
		TenantID:    d.msgMeta.TenantID,
		MessageID:   d.msgMeta.ID,
		Rcpt:        rcpt,
		Destination: domain,
		MXHost:      d.rt.endpoint.Host,
		Outcome:     outcome,
		SMTPCode:    code,
		Latency:     latency,
		Error:       errText,
	}
	if err := d.rt.st.RecordDeliveryAttempt(ctx, record); err != nil {
		d.Log.Error("delivery audit write", err, "rcpt", rcpt)
	}
}

func (d *relayDelivery) Abort(ctx context.Context) error {
	d.conn.Close()
	return nil
}

func (d *relayDelivery) Commit(ctx context.Context) error {
	return d.conn.Close()
}
