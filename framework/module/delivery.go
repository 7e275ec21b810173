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

package module

import (
	"context"

	"github.com/emersion/go-message/textproto"
	"github.com/ferrymail/ferrymail/framework/buffer"
)

// DeliveryTarget represents a final destination for a message. In ferrymail
// this is either direct MX delivery, a configured relay host or the queue
// that will eventually hand the message to one of the former.
type DeliveryTarget interface {
	// Start starts the delivery of a new message.
	//
	// The domain part of the MAIL FROM address is assumed to be U-labels
	// with NFC normalization and case-folding applied. The message source
	// should ensure that by calling address.CleanDomain if necessary.
	Start(ctx context.Context, msgMeta *MsgMetadata, mailFrom string) (Delivery, error)
}

type Delivery interface {
	// AddRcpt adds the target address for the message.
	//
	// The domain part of the address is assumed to be U-labels with NFC
	// normalization and case-folding applied. The message source should
	// ensure that by calling address.CleanDomain if necessary.
	//
	// Implementation should assume that no case-folding or deduplication was
	// done by caller code. It is implementation's responsibility to do so if
	// it is necessary. It is not recommended to reject duplicated
	// recipients, however. They should be silently ignored.
	//
	// Implementation should do as many checks as possible here and reject
	// recipients that can't be used.
	AddRcpt(ctx context.Context, rcptTo string) error

	// Body sets the body and header contents for the message.
	// If this method fails, the message is assumed to be undeliverable
	// to all recipients.
	//
	// Implementation should avoid doing any persistent changes to the
	// underlying storage until Commit is called. If that is not possible,
	// Abort should (attempt to) rollback any such changes.
	//
	// If Body can't be implemented without per-recipient failures,
	// then the delivery object should also implement PartialDelivery for
	// use by message sources that are able to make sense of per-recipient
	// errors.
	Body(ctx context.Context, header textproto.Header, body buffer.Buffer) error

	// Abort cancels message delivery.
	//
	// All changes made to the underlying storage should be aborted at this
	// point, if possible.
	Abort(ctx context.Context) error

	// Commit completes message delivery.
	//
	// It generally should never fail, since failures here jeopardize
	// atomicity of the delivery if multiple targets are used.
	Commit(ctx context.Context) error
}

// StatusCollector is an object passed by a message source that is interested
// in intermediate status reports about partial delivery failures.
type StatusCollector interface {
	// SetStatus sets the error associated with the recipient.
	//
	// rcptTo should match exactly the value that was passed to AddRcpt,
	// i.e. if any translations were made by the target, they should not
	// affect the rcptTo argument here.
	//
	// It should not be called multiple times for the same value of rcptTo.
	// It also should not be called after BodyNonAtomic returns.
	//
	// SetStatus is goroutine-safe. Implementations provide necessary
	// serialization.
	SetStatus(rcptTo string, err error)
}

// ServerReporter is an optional interface implemented by deliveries that
// know which remote server took responsibility for the message. The queue
// uses it to fill the mx_server column of the emails table.
type ServerReporter interface {
	// AcceptingServer returns the name of the remote server that accepted
	// the message for the recipient, or an empty string if the recipient
	// did not reach that point.
	AcceptingServer(rcptTo string) string
}

// PartialDelivery is an optional interface that may be implemented by the
// object returned by DeliveryTarget.Start. See the BodyNonAtomic
// documentation for details.
type PartialDelivery interface {
	// BodyNonAtomic is similar to the Body method of the regular Delivery
	// interface except that it allows the target to reject the body only
	// for some recipients by setting statuses using the passed collector
	// object.
	//
	// The queue uses this interface to ensure correct handling of partial
	// failures, scheduling retries only for recipients that actually
	// failed.
	BodyNonAtomic(ctx context.Context, c StatusCollector, header textproto.Header, body buffer.Buffer)
}
