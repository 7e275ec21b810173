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

package dns

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// RCodeError is returned by AuthResolver when the RCODE in the response is
// not NOERROR.
type RCodeError struct {
	Name string
	Code int
}

func (err RCodeError) Temporary() bool {
	return err.Code == dns.RcodeServerFailure
}

func (err RCodeError) Error() string {
	switch err.Code {
	case dns.RcodeFormatError:
		return "dns: rcode FORMERR when looking up " + err.Name
	case dns.RcodeServerFailure:
		return "dns: rcode SERVFAIL when looking up " + err.Name
	case dns.RcodeNameError:
		return "dns: rcode NXDOMAIN when looking up " + err.Name
	case dns.RcodeNotImplemented:
		return "dns: rcode NOTIMP when looking up " + err.Name
	case dns.RcodeRefused:
		return "dns: rcode REFUSED when looking up " + err.Name
	}
	return "dns: non-success rcode: " + strconv.Itoa(err.Code) + " when looking up " + err.Name
}

// IsNotFound reports whether err indicates a NXDOMAIN answer rather than an
// infrastructure failure.
func IsNotFound(err error) bool {
	if dnsErr, ok := err.(*net.DNSError); ok {
		return dnsErr.IsNotFound
	}
	if rcodeErr, ok := err.(RCodeError); ok {
		return rcodeErr.Code == dns.RcodeNameError
	}
	return false
}

// AuthResolver queries the zone's own nameservers directly instead of going
// through the local recursive resolver.
//
// Publication checks use it to avoid acting on stale cached answers: a
// record the operator added a minute ago may not be visible through the
// recursor for hours, but the authoritative servers return it immediately.
type AuthResolver struct {
	cl *dns.Client

	// Resolver used for the initial NS discovery and for resolving the
	// nameserver hostnames themselves.
	resolver Resolver

	// Overridden in tests to reach a server on an ephemeral port.
	port string
}

func NewAuthResolver(r Resolver) *AuthResolver {
	return &AuthResolver{
		cl:       new(dns.Client),
		resolver: r,
		port:     "53",
	}
}

// nameservers resolves the NS set of the closest enclosing zone of name and
// returns the server IP addresses.
func (r *AuthResolver) nameservers(ctx context.Context, name string) ([]string, error) {
	labels := strings.Split(strings.TrimSuffix(name, "."), ".")

	var nsSet []*net.NS
	for i := 0; i < len(labels)-1; i++ {
		zone := strings.Join(labels[i:], ".")
		set, err := r.resolver.LookupNS(ctx, zone)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if len(set) != 0 {
			nsSet = set
			break
		}
	}
	if len(nsSet) == 0 {
		return nil, RCodeError{Name: name, Code: dns.RcodeNameError}
	}

	addrs := make([]string, 0, len(nsSet))
	for _, ns := range nsSet {
		ips, err := r.resolver.LookupIPAddr(ctx, strings.TrimSuffix(ns.Host, "."))
		if err != nil {
			continue
		}
		for _, ip := range ips {
			addrs = append(addrs, ip.String())
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("dns: no reachable nameservers for %s", name)
	}
	return addrs, nil
}

func (r *AuthResolver) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	fqdn := dns.Fqdn(name)

	servers, err := r.nameservers(ctx, fqdn)
	if err != nil {
		return nil, err
	}

	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, qtype)
	msg.SetEdns0(4096, false)

	var (
		resp    *dns.Msg
		lastErr error
	)
	for _, srv := range servers {
		resp, _, lastErr = r.cl.ExchangeContext(ctx, msg, net.JoinHostPort(srv, r.port))
		if lastErr != nil {
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = RCodeError{Name: fqdn, Code: resp.Rcode}
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

// AuthLookupTXT returns TXT strings for name as served by the zone's
// authoritative nameservers. Character-string fragments of each record are
// concatenated, RFC 7208 style.
func (r *AuthResolver) AuthLookupTXT(ctx context.Context, name string) ([]string, error) {
	resp, err := r.query(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}

	res := make([]string, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		txtRR, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		res = append(res, strings.Join(txtRR.Txt, ""))
	}
	return res, nil
}

// AuthLookupMX returns the MX set for name as served by the zone's
// authoritative nameservers.
func (r *AuthResolver) AuthLookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	resp, err := r.query(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}

	res := make([]*net.MX, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		mxRR, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		res = append(res, &net.MX{Host: mxRR.Mx, Pref: mxRR.Preference})
	}
	return res, nil
}
