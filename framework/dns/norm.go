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
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// FQDN returns the domain name with a trailing dot added, if it is not
// already present.
func FQDN(domain string) string {
	return dns.Fqdn(domain)
}

// ForLookup converts the domain into a canonical form suitable for table
// lookups and other comparisons.
//
// TL;DR Use this instead of strings.ToLower to prepare domain for
// comparisons.
func ForLookup(domain string) (string, error) {
	uDomain, err := idna.ToUnicode(domain)
	if err != nil {
		return "", fmt.Errorf("dns: cannot represent %s in Unicode: %w", domain, err)
	}

	// Side note: strings.ToLower does not handle non-ASCII folding.
	return strings.TrimSuffix(strings.ToLower(norm.NFC.String(uDomain)), "."), nil
}

// SelectIDNA is a convenience function for encoding to/from Punycode.
//
// If ulabel is true, it returns U-label encoded domain in the Unicode NFC
// form.
// If ulabel is false, it returns A-label encoded domain.
func SelectIDNA(ulabel bool, domain string) (string, error) {
	if ulabel {
		uDomain, err := idna.ToUnicode(domain)
		return norm.NFC.String(uDomain), err
	}
	return idna.ToASCII(domain)
}

// Equal reports whether a and b are the same domain, after normalization.
func Equal(a, b string) (bool, error) {
	aForLookup, err := ForLookup(a)
	if err != nil {
		return false, fmt.Errorf("dns: cannot normalize %s: %w", a, err)
	}
	bForLookup, err := ForLookup(b)
	if err != nil {
		return false, fmt.Errorf("dns: cannot normalize %s: %w", b, err)
	}
	return aForLookup == bForLookup, nil
}
