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

package dkimmgr

import (
	"bytes"
	"context"
	"io"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/ferrymail/ferrymail/framework/buffer"
	"github.com/ferrymail/ferrymail/framework/exterrors"
)

// VerifyResult is the outcome for a single DKIM-Signature field.
type VerifyResult struct {
	Domain     string
	Identifier string
	Err        error

	// Temporary is set when Err is a DNS or other transient failure, in
	// which case the signature may verify on a later attempt.
	Temporary bool
}

func (r VerifyResult) Pass() bool {
	return r.Err == nil
}

// Verify evaluates all DKIM signatures on the message. A message without
// signatures yields an empty slice and no error. Per-signature failures are
// reported in the results, a non-nil error means the message itself could
// not be processed.
func (m *Manager) Verify(ctx context.Context, hdr textproto.Header, body buffer.Buffer) ([]VerifyResult, error) {
	if !hdr.Has("DKIM-Signature") {
		return nil, nil
	}

	b := bytes.Buffer{}
	_ = textproto.WriteHeader(&b, hdr)
	bodyRdr, err := body.Open()
	if err != nil {
		return nil, exterrors.WithTemporary(
			exterrors.WithFields(err, map[string]interface{}{
				"target": "dkim",
				"reason": "cannot open body",
			}),
			true,
		)
	}
	defer bodyRdr.Close()

	verifications, err := dkim.VerifyWithOptions(io.MultiReader(&b, bodyRdr), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return m.resolver.LookupTXT(ctx, domain)
		},
	})
	if err != nil {
		return nil, exterrors.WithTemporary(
			exterrors.WithFields(err, map[string]interface{}{
				"target": "dkim",
				"reason": "verification failed",
			}),
			true,
		)
	}

	results := make([]VerifyResult, 0, len(verifications))
	for _, verif := range verifications {
		res := VerifyResult{
			Domain:     verif.Domain,
			Identifier: verif.Identifier,
			Err:        verif.Err,
		}
		if verif.Err != nil {
			res.Temporary = dkim.IsTempFail(verif.Err)
			m.Log.DebugMsg("bad signature", "domain", verif.Domain, "identifier", verif.Identifier)
		} else {
			m.Log.DebugMsg("good signature", "domain", verif.Domain, "identifier", verif.Identifier)
		}
		results = append(results, res)
	}
	return results, nil
}

// AnyPass reports whether at least one signature verified successfully.
func AnyPass(results []VerifyResult) bool {
	for _, r := range results {
		if r.Pass() {
			return true
		}
	}
	return false
}
