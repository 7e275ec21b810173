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

// Package limiters provides a set of wrappers intended to restrict the amount
// of resources consumed by the server.
package limiters

import "context"

// The L interface represents a limiter that has some upper bound of resource
// use and refuses or delays acquisition when it is exceeded until enough
// resources are freed.
type L interface {
	// Take blocks until a resource unit is available.
	Take() bool

	// TryTake acquires a unit without blocking. False means the limit is
	// reached right now.
	TryTake() bool

	TakeContext(context.Context) error
	Release()

	// Close frees any resources used internally by Limiter for book-keeping.
	Close()
}
