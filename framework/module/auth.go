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

import "errors"

// ErrUnknownCredentials should be returned by an auth provider if the
// supplied credentials are well-formed but are not recognized (e.g. not
// found in the used DB).
var ErrUnknownCredentials = errors.New("unknown credentials")

// PlainAuth is the interface implemented by components providing
// authentication using username:password pairs.
type PlainAuth interface {
	AuthPlain(username, password string) error
}

// PlainUserDB is a local credentials store that can be managed using the
// ferrymail creds command.
type PlainUserDB interface {
	PlainAuth
	ListUsers() ([]string, error)
	CreateUser(username, password string) error
	SetUserPassword(username, password string) error
	DeleteUser(username string) error
}
