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
	"fmt"

	"github.com/ferrymail/ferrymail/framework/log"
)

// LifetimeTracker starts registered modules in the registration order and
// stops them in the reverse order.
type LifetimeTracker struct {
	logger    *log.Logger
	instances []*struct {
		mod     LifetimeModule
		started bool
	}
}

func NewLifetime(log *log.Logger) *LifetimeTracker {
	return &LifetimeTracker{
		logger: log,
	}
}

func (lt *LifetimeTracker) Add(mod LifetimeModule) {
	lt.instances = append(lt.instances, &struct {
		mod     LifetimeModule
		started bool
	}{mod: mod, started: false})
}

// StartAll calls Start for all registered LifetimeModule instances.
//
// If any Start fails, modules started so far are stopped.
func (lt *LifetimeTracker) StartAll() error {
	for _, entry := range lt.instances {
		if entry.started {
			continue
		}

		if err := entry.mod.Start(); err != nil {
			lt.StopAll() //nolint:errcheck
			return fmt.Errorf("failed to start module %v: %w",
				entry.mod.Name(), err)
		}
		lt.logger.DebugMsg("module started",
			"mod_name", entry.mod.Name(), "inst_name", entry.mod.InstanceName())
		entry.started = true
	}
	return nil
}

// StopAll calls Stop for all registered LifetimeModule instances.
func (lt *LifetimeTracker) StopAll() error {
	for i := len(lt.instances) - 1; i >= 0; i-- {
		entry := lt.instances[i]

		if !entry.started {
			continue
		}

		if err := entry.mod.Stop(); err != nil {
			lt.logger.Error("module stop failed", err,
				"mod_name", entry.mod.Name(), "inst_name", entry.mod.InstanceName())
			continue
		}
		lt.logger.DebugMsg("module stopped",
			"mod_name", entry.mod.Name(), "inst_name", entry.mod.InstanceName())

		entry.started = false
	}
	return nil
}
