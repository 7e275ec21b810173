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

package exterrors

import (
	"fmt"
)

type EnhancedCode [3]int

func (code EnhancedCode) FormatLog() string {
	return fmt.Sprintf("%d.%d.%d", code[0], code[1], code[2])
}

// SMTPError is the structural representation of a SMTP status to report for
// a message or recipient. It mirrors the wire-level reply while carrying
// extra context for logging and retry decisions.
type SMTPError struct {
	// SMTP status code to report.
	Code int

	// Enhanced SMTP status code to report.
	EnhancedCode EnhancedCode

	// Message that will be returned to the client.
	Message string

	// Name of the component that generated this error, included in logs but
	// never shown to the peer.
	TargetName string

	// Underlying error cause, if any. Not exposed over the wire.
	Err error

	// Human-readable description of the cause, more specific than Message.
	Reason string

	// Additional log fields.
	Misc map[string]interface{}
}

func (err *SMTPError) Unwrap() error {
	return err.Err
}

func (err *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(err.Misc)+5)
	for k, v := range err.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = err.Code
	ctx["smtp_enchcode"] = err.EnhancedCode
	ctx["smtp_msg"] = err.Message
	if err.TargetName != "" {
		ctx["target"] = err.TargetName
	}
	if err.Reason != "" {
		ctx["reason"] = err.Reason
	}
	return ctx
}

func (err *SMTPError) Temporary() bool {
	return err.Code/100 == 4
}

func (err *SMTPError) Error() string {
	if err.Reason != "" {
		return err.Reason
	}
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Message
}

// SMTPCode returns the SMTP status code to report for err: the code carried
// by err itself when it is a SMTPError, otherwise temporaryCode or
// permanentCode depending on whether err is temporary (unspecified counts
// as temporary).
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if smtpErr, ok := err.(*SMTPError); ok {
		return smtpErr.Code
	}
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode is SMTPCode for the enhanced status code.
func SMTPEnchCode(err error, temporaryCode, permanentCode EnhancedCode) EnhancedCode {
	if smtpErr, ok := err.(*SMTPError); ok {
		return smtpErr.EnhancedCode
	}
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}
