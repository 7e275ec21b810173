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

// Package module contains interfaces implemented by ferrymail components.
//
// Interfaces are placed here to prevent circular dependencies.
//
// Each long-lived component of the delivery engine (queue, SMTP endpoints,
// the delivery targets, the key-value broker and so on) is called a "module".
// Modules may additionally serve multiple functions, e.g. the store is both
// a credentials database and the durable message index.
package module

// Module is the interface implemented by all ferrymail component instances.
//
// It defines basic methods used to identify instances in logs and metrics.
//
// Additionally, a module can implement io.Closer if it needs to perform
// clean-up on shutdown. If a module starts long-lived goroutines - they
// should be stopped *before* Close returns to ensure graceful shutdown.
type Module interface {
	// Name reports the component name, e.g. "queue" or "remote".
	Name() string

	// InstanceName reports the unique name of this instance, or an empty
	// string if the component is a singleton. The two SMTP endpoints use it
	// to tell the MX listener apart from the submission listener.
	InstanceName() string
}

// LifetimeModule is a stateful module that needs post-configuration startup
// and graceful shutdown functionality.
type LifetimeModule interface {
	Module
	Start() error
	Stop() error
}
