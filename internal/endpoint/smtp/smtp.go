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

// Package smtp implements the SMTP listeners: the MX endpoint accepting
// inbound mail for locally hosted domains and the submission endpoint
// accepting authenticated outbound mail. Both are the same Endpoint type,
// differing only in the policy applied to sessions.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/emersion/go-smtp"
	"golang.org/x/net/idna"

	"github.com/ferrymail/ferrymail/framework/buffer"
	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/framework/dns"
	"github.com/ferrymail/ferrymail/framework/future"
	"github.com/ferrymail/ferrymail/framework/log"
	"github.com/ferrymail/ferrymail/framework/module"
	"github.com/ferrymail/ferrymail/internal/domaincheck"
	"github.com/ferrymail/ferrymail/internal/processor"
	"github.com/ferrymail/ferrymail/internal/ratelimit"
	"github.com/ferrymail/ferrymail/internal/security"
	"github.com/ferrymail/ferrymail/internal/store"
)

// Options selects the role of one listener set.
type Options struct {
	// Name tags log lines and metrics. Conventionally "mx", "submission"
	// or "smtps".
	Name string

	// Addrs are the host:port addresses to listen on.
	Addrs []string

	// Submission requires authentication and routes accepted mail through
	// the outbound processing path. Without it the endpoint acts as the
	// inbound MX: no AUTH, locally hosted recipients only.
	Submission bool

	// ImplicitTLS wraps accepted connections in TLS right away instead of
	// offering STARTTLS. Requires certificates to be configured.
	ImplicitTLS bool
}

type Endpoint struct {
	name        string
	addrs       []string
	submission  bool
	implicitTLS bool

	serv        *smtp.Server
	listeners   []net.Listener
	listenersWg sync.WaitGroup

	cfg   *config.Config
	st    *store.Store
	proc  *processor.Processor
	dom   *domaincheck.Checker
	sec   *security.Manager
	rates *ratelimit.Limiter

	resolver dns.Resolver
	buffer   func(r io.Reader) (buffer.Buffer, error)

	maxHeaderBytes      int64
	maxReceived         int
	maxLoggedRcptErrors int

	Log log.Logger
}

func (endp *Endpoint) Name() string {
	return "smtp"
}

func (endp *Endpoint) InstanceName() string {
	return endp.name
}

func New(opts Options, cfg *config.Config, st *store.Store, proc *processor.Processor,
	dom *domaincheck.Checker, sec *security.Manager, rates *ratelimit.Limiter,
	logger log.Logger) (*Endpoint, error) {
	endp := &Endpoint{
		name:        opts.Name,
		addrs:       opts.Addrs,
		submission:  opts.Submission,
		implicitTLS: opts.ImplicitTLS,
		cfg:         cfg,
		st:          st,
		proc:        proc,
		dom:         dom,
		sec:         sec,
		rates:       rates,
		resolver:    dns.DefaultResolver(),

		maxHeaderBytes:      1 * 1024 * 1024,
		maxReceived:         50,
		maxLoggedRcptErrors: 5,

		Log: logger,
	}

	bufferDir := filepath.Join(cfg.StateDir, "buffer")
	if err := os.MkdirAll(bufferDir, 0700); err != nil {
		return nil, fmt.Errorf("%s: %w", endp.name, err)
	}
	endp.buffer = autoBufferMode(int(endp.maxHeaderBytes), bufferDir)

	endp.serv = smtp.NewServer(endp)
	endp.serv.ErrorLog = endp.Log
	endp.serv.EnableSMTPUTF8 = true
	endp.serv.ReadTimeout = cfg.SMTP.ReadTimeout
	endp.serv.WriteTimeout = cfg.SMTP.WriteTimeout
	endp.serv.MaxMessageBytes = cfg.SMTP.MaxMessageBytes
	endp.serv.MaxRecipients = cfg.SMTP.MaxRecipients

	// INTERNATIONALIZATION: See RFC 6531 Section 3.3.
	domain, err := idna.ToASCII(cfg.Hostname)
	if err != nil {
		return nil, fmt.Errorf("%s: cannot represent %q as an A-label name: %w",
			endp.name, cfg.Hostname, err)
	}
	endp.serv.Domain = domain

	tlsCfg, err := cfg.SMTP.TLS.ServerTLS()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endp.name, err)
	}
	endp.serv.TLSConfig = tlsCfg

	if tlsCfg == nil {
		if endp.implicitTLS {
			return nil, fmt.Errorf("%s: implicit TLS requires certificates to be configured", endp.name)
		}

		allLocal := true
		for _, addr := range endp.addrs {
			host, _, err := net.SplitHostPort(addr)
			if err != nil || !strings.HasPrefix(host, "127.0.0.") {
				allLocal = false
			}
		}
		if !allLocal {
			endp.Log.Println("TLS is disabled, this is insecure configuration and should be used only for testing!")
		}

		// go-smtp refuses AUTH on plaintext connections otherwise, which
		// would make a certificate-less submission endpoint useless.
		endp.serv.AllowInsecureAuth = true
	}

	return endp, nil
}

// Start binds the listeners and begins serving. Already bound listeners
// are closed when a later bind fails.
func (endp *Endpoint) Start() error {
	for _, addr := range endp.addrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			for _, bound := range endp.listeners {
				bound.Close()
			}
			return fmt.Errorf("%s: %w", endp.name, err)
		}
		if endp.implicitTLS {
			l = tls.NewListener(l, endp.serv.TLSConfig)
		}
		endp.Log.Msg("listening", "addr", addr)
		endp.listeners = append(endp.listeners, l)

		endp.listenersWg.Add(1)
		go func() {
			defer endp.listenersWg.Done()
			if err := endp.serv.Serve(l); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
				endp.Log.Error("serve failed", err, "addr", l.Addr().String())
			}
		}()
	}
	return nil
}

// NewSession is the go-smtp backend hook, called once per connection. Only
// the cheap concurrency and rate gates run here; address screening that can
// involve DNS is deferred to the first MAIL or AUTH command so the verdict
// is delivered with its proper reply code instead of mangled into the
// greeting.
func (endp *Endpoint) NewSession(c *smtp.Conn) (smtp.Session, error) {
	ip := remoteIP(c)

	if !endp.rates.TakeConn(ip.String()) {
		rejectedConnections.WithLabelValues(endp.name, "conn_limit").Inc()
		return nil, &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Too many concurrent connections, try again later",
		}
	}

	if d := endp.rates.Take(context.TODO(), ratelimit.ScopeConnection, ip.String()); !d.Allowed {
		endp.rates.ReleaseConn(ip.String())
		rejectedConnections.WithLabelValues(endp.name, "rate").Inc()
		return nil, &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Connection rate exceeded, try again later",
		}
	}

	return endp.newSession(c), nil
}

func (endp *Endpoint) newSession(c *smtp.Conn) smtp.Session {
	s := &Session{
		endp: endp,
		conn: c,
		log:  endp.Log,
		connState: module.ConnState{
			RemoteAddr: c.Conn().RemoteAddr(),
			LocalAddr:  c.Conn().LocalAddr(),
			Proto:      "ESMTP",
		},
		remoteIPStr: remoteIP(c).String(),
		sessionCtx:  context.Background(),
	}

	if endp.resolver != nil {
		rdnsCtx, cancelRDNS := context.WithCancel(s.sessionCtx)
		s.connState.RDNSName = future.New()
		s.cancelRDNS = cancelRDNS
		go s.fetchRDNSName(rdnsCtx)
	}

	return s
}

// Close stops the listeners and terminates active sessions.
func (endp *Endpoint) Close() error {
	endp.serv.Close()
	endp.listenersWg.Wait()
	return nil
}

func remoteIP(c *smtp.Conn) net.IP {
	tcpAddr, ok := c.Conn().RemoteAddr().(*net.TCPAddr)
	if !ok {
		return net.IPv4(127, 0, 0, 1)
	}
	return tcpAddr.IP
}

// autoBufferMode keeps small messages in RAM and spills the rest to dir.
func autoBufferMode(maxSize int, dir string) func(io.Reader) (buffer.Buffer, error) {
	return func(r io.Reader) (buffer.Buffer, error) {
		initial := make([]byte, maxSize)
		actualSize, err := io.ReadFull(r, initial)
		if err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				log.Debugln("autobuffer: keeping the message in RAM")
				return buffer.MemoryBuffer{Slice: initial[:actualSize]}, nil
			}
			return nil, err
		}

		log.Debugln("autobuffer: spilling the message to the FS")
		return buffer.BufferInFile(
			io.MultiReader(bytes.NewReader(initial[:actualSize]), r),
			dir)
	}
}
