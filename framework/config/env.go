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

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// applyEnv overlays the documented environment variables onto the
// configuration. Environment wins over the file.
func (c *Config) applyEnv() error {
	for _, v := range []struct {
		name string
		set  func(string) error
	}{
		{"SMTP_HOSTNAME", strSetter(&c.Hostname)},
		{"SMTP_MX_PORT", intSetter(&c.SMTP.MXPort)},
		{"SMTP_SUBMISSION_PORT", intSetter(&c.SMTP.SubmissionPort)},

		{"DKIM_DOMAIN", strSetter(&c.DKIM.Domain)},
		{"DKIM_SELECTOR", strSetter(&c.DKIM.Selector)},
		{"DKIM_PRIVATE_KEY_PATH", strSetter(&c.DKIM.PrivateKeyPath)},

		{"MAIL_FROM_NAME", strSetter(&c.Mail.FromName)},
		{"MAIL_FROM_EMAIL", strSetter(&c.Mail.FromEmail)},

		{"QUEUE_CONCURRENCY", intSetter(&c.Queue.Concurrency)},
		{"QUEUE_CLEANUP_INTERVAL", durSetter(&c.Queue.CleanupInterval)},

		{"RATE_LIMIT_CONNECTION_MAX", intSetter(&c.RateLimit.Connection.Max)},
		{"RATE_LIMIT_CONNECTION_WINDOW", durSetter(&c.RateLimit.Connection.Window)},
		{"RATE_LIMIT_AUTH_MAX", intSetter(&c.RateLimit.Auth.Max)},
		{"RATE_LIMIT_AUTH_WINDOW", durSetter(&c.RateLimit.Auth.Window)},
		{"RATE_LIMIT_SEND_USER_MAX", intSetter(&c.RateLimit.SendUser.Max)},
		{"RATE_LIMIT_SEND_USER_WINDOW", durSetter(&c.RateLimit.SendUser.Window)},
		{"RATE_LIMIT_SEND_TENANT_MAX", intSetter(&c.RateLimit.SendTenant.Max)},
		{"RATE_LIMIT_SEND_TENANT_WINDOW", durSetter(&c.RateLimit.SendTenant.Window)},
		{"RATE_LIMIT_SEND_DESTINATION_MAX", intSetter(&c.RateLimit.SendDestination.Max)},
		{"RATE_LIMIT_SEND_DESTINATION_WINDOW", durSetter(&c.RateLimit.SendDestination.Window)},
		{"RATE_LIMIT_MAX_CONNS_PER_IP", intSetter(&c.RateLimit.MaxConnsPerIP)},

		{"BROKER_HOST", strSetter(&c.Broker.Host)},
		{"BROKER_PORT", intSetter(&c.Broker.Port)},
		{"BROKER_NAMESPACE_PREFIX", strSetter(&c.Broker.NamespacePrefix)},

		{"DATABASE_URL", strSetter(&c.Storage.DSN)},

		{"ENABLE_TENANT_ISOLATION", boolSetter(&c.Security.TenantIsolation)},
		{"SECURITY_REQUIRE_PTR", boolSetter(&c.Security.RequirePTR)},
	} {
		val, ok := os.LookupEnv(v.name)
		if !ok {
			continue
		}
		if err := v.set(val); err != nil {
			return fmt.Errorf("config: %s: %w", v.name, err)
		}
	}
	return nil
}

func strSetter(target *string) func(string) error {
	return func(val string) error {
		*target = val
		return nil
	}
}

func intSetter(target *int) func(string) error {
	return func(val string) error {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	}
}

func boolSetter(target *bool) func(string) error {
	return func(val string) error {
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	}
}

// durSetter accepts Go duration strings ("90s", "15m") and, for
// compatibility with integer-only deployments, bare numbers meaning seconds.
func durSetter(target *time.Duration) func(string) error {
	return func(val string) error {
		if secs, err := strconv.Atoi(val); err == nil {
			*target = time.Duration(secs) * time.Second
			return nil
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	}
}
