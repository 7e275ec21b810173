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

package main

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/framework/log"
	"github.com/ferrymail/ferrymail/framework/module"
	"github.com/ferrymail/ferrymail/internal/broker"
	"github.com/ferrymail/ferrymail/internal/dkimmgr"
	"github.com/ferrymail/ferrymail/internal/domaincheck"
	"github.com/ferrymail/ferrymail/internal/endpoint/smtp"
	"github.com/ferrymail/ferrymail/internal/monitor"
	"github.com/ferrymail/ferrymail/internal/processor"
	"github.com/ferrymail/ferrymail/internal/queue"
	"github.com/ferrymail/ferrymail/internal/ratelimit"
	"github.com/ferrymail/ferrymail/internal/reputation"
	"github.com/ferrymail/ferrymail/internal/security"
	"github.com/ferrymail/ferrymail/internal/store"
	"github.com/ferrymail/ferrymail/internal/target/relay"
	"github.com/ferrymail/ferrymail/internal/target/remote"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start the delivery engine",
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				systemdStatusErr(err)
				return err
			}
			if err := run(cfg, ctx.Bool("debug")); err != nil {
				systemdStatusErr(err)
				return err
			}
			return nil
		},
	}
}

// run assembles the engine and blocks until a termination signal arrives.
// Components are brought up in dependency order and the deferred closes
// tear them down in reverse: listeners first, storage last.
func run(cfg *config.Config, debug bool) error {
	logger, err := buildLogger(cfg.Log, debug)
	if err != nil {
		return err
	}
	defer logger.Out.Close()

	logger.Msg("ferrymail starting", "version", buildInfo(), "hostname", cfg.Hostname)

	st, err := store.Open(cfg.Storage, logger.Sublogger("store"))
	if err != nil {
		return err
	}
	defer closeComponent(logger, "store", st.Close)

	brk := broker.New(cfg.Broker, logger.Sublogger("broker"))
	defer closeComponent(logger, "broker", brk.Close)

	rep := reputation.New(cfg.Reputation, brk, st, logger.Sublogger("reputation"))
	if err := rep.Start(); err != nil {
		return err
	}
	defer closeComponent(logger, "reputation", rep.Stop)

	rates := ratelimit.New(cfg.RateLimit, brk, logger.Sublogger("ratelimit"))
	defer closeComponent(logger, "ratelimit", rates.Close)

	sec, err := security.New(cfg.Security, cfg.RateLimit.Auth, brk, st, rep, logger.Sublogger("security"))
	if err != nil {
		return err
	}

	dkim, err := dkimmgr.New(cfg, st, logger.Sublogger("dkim"))
	if err != nil {
		return err
	}
	if err := dkim.Start(); err != nil {
		return err
	}
	defer closeComponent(logger, "dkim", dkim.Stop)

	dom := domaincheck.New(cfg, st, logger.Sublogger("domaincheck"))

	var (
		tgt      module.DeliveryTarget
		closeTgt func() error
	)
	switch cfg.Delivery.Mode {
	case "relay":
		t, err := relay.New(cfg, st, logger.Sublogger("relay"))
		if err != nil {
			return err
		}
		tgt, closeTgt = t, t.Close
	default:
		t, err := remote.New(cfg, st, rep, rates, logger.Sublogger("remote"))
		if err != nil {
			return err
		}
		tgt, closeTgt = t, t.Close
	}
	defer closeComponent(logger, "target", closeTgt)

	queueOpts := func(kind string, attempts int) queue.Options {
		return queue.Options{
			Name:            kind,
			Location:        filepath.Join(cfg.Queue.Location, kind),
			Concurrency:     cfg.Queue.Concurrency,
			MaxAttempts:     attempts,
			RetryBase:       cfg.Queue.RetryBase,
			RetryCap:        cfg.Queue.RetryCap,
			CleanupInterval: cfg.Queue.CleanupInterval,
			DrainTimeout:    cfg.Queue.DrainTimeout,
		}
	}

	analytics, err := queue.New(queueOpts(queue.KindAnalytics, cfg.Queue.AnalyticsAttempts),
		&queue.AnalyticsHandler{Store: st, Log: logger.Sublogger("analytics")},
		st, logger.Sublogger("queue/"+queue.KindAnalytics))
	if err != nil {
		return err
	}
	defer closeComponent(logger, "analytics queue", analytics.Close)

	webhooks, err := queue.New(queueOpts(queue.KindWebhook, cfg.Queue.WebhookAttempts),
		&queue.WebhookHandler{Secret: cfg.Queue.WebhookSecret, Log: logger.Sublogger("webhook")},
		st, logger.Sublogger("queue/"+queue.KindWebhook))
	if err != nil {
		return err
	}
	defer closeComponent(logger, "webhook queue", webhooks.Close)

	emailH := &queue.EmailHandler{
		Target:    tgt,
		Store:     st,
		Hostname:  cfg.Hostname,
		Webhooks:  webhooks,
		Analytics: analytics,
		BounceURL: cfg.Queue.BounceWebhookURL,
		Log:       logger.Sublogger("delivery"),
	}
	emails, err := queue.New(queueOpts(queue.KindEmail, cfg.Queue.EmailAttempts),
		emailH, st, logger.Sublogger("queue/"+queue.KindEmail))
	if err != nil {
		return err
	}
	// Bounce messages generated by the handler re-enter the same queue.
	// Spool replay is held back after start and no fresh job exists before
	// the listeners below come up, so no Handle call precedes this
	// assignment.
	emailH.Emails = emails
	defer closeComponent(logger, "email queue", emails.Close)

	proc := processor.New(cfg, st, dom, sec, dkim, emails, logger.Sublogger("processor"))
	if err := proc.Start(); err != nil {
		return err
	}
	defer closeComponent(logger, "processor", proc.Stop)

	mon := monitor.New(cfg.Monitor, cfg.Mail, brk, proc, webhooks, logger.Sublogger("monitor"))
	mon.Watch(emails, cfg.Monitor.StuckEmailAge)
	mon.Watch(webhooks, cfg.Monitor.StuckWebhookAge)
	mon.Watch(analytics, 0)
	if err := mon.Start(); err != nil {
		return err
	}
	defer closeComponent(logger, "monitor", mon.Stop)

	endpointOpts := []smtp.Options{
		{Name: "mx", Addrs: []string{fmt.Sprintf(":%d", cfg.SMTP.MXPort)}},
		{Name: "submission", Addrs: []string{fmt.Sprintf(":%d", cfg.SMTP.SubmissionPort)}, Submission: true},
	}
	if cfg.SMTP.SMTPSPort != 0 {
		endpointOpts = append(endpointOpts, smtp.Options{
			Name:        "smtps",
			Addrs:       []string{fmt.Sprintf(":%d", cfg.SMTP.SMTPSPort)},
			Submission:  true,
			ImplicitTLS: true,
		})
	}
	for _, opts := range endpointOpts {
		endp, err := smtp.New(opts, cfg, st, proc, dom, sec, rates, logger.Sublogger("smtp/"+opts.Name))
		if err != nil {
			return err
		}
		if err := endp.Start(); err != nil {
			return err
		}
		defer closeComponent(logger, "smtp/"+opts.Name, endp.Close)
	}

	if cfg.Metrics.ListenAddr != "" {
		go serveMetrics(cfg.Metrics.ListenAddr, logger.Sublogger("metrics"))
	}

	systemdStatus(SDReady, "Listening for SMTP connections")
	logger.Msg("server started",
		"mx_port", cfg.SMTP.MXPort,
		"submission_port", cfg.SMTP.SubmissionPort,
		"delivery_mode", cfg.Delivery.Mode)

	s := handleSignals()

	systemdStatus(SDStopping, "Waiting for running transactions to complete")
	logger.Msg("shutting down", "signal", s.String())
	return nil
}

func closeComponent(l log.Logger, name string, close func() error) {
	if err := close(); err != nil {
		l.Error("shutdown error", err, "component", name)
	}
}

// serveMetrics exposes the Prometheus registry and the pprof profiler on a
// mux separate from any mail-facing listener.
func serveMetrics(addr string, l log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	l.Msg("metrics listener started", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		l.Error("metrics listener failed", err)
	}
}
