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
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/ferrymail/ferrymail/framework/hooks"
	"github.com/ferrymail/ferrymail/framework/log"
)

var tlsVersions = map[string]uint16{
	"":       0, // crypto/tls defaults
	"tls1.0": tls.VersionTLS10,
	"tls1.1": tls.VersionTLS11,
	"tls1.2": tls.VersionTLS12,
	"tls1.3": tls.VersionTLS13,
}

// ServerTLS builds the listener *tls.Config from the certificate paths.
// Returns nil when no certificates are configured (STARTTLS not offered).
//
// Certificates are re-read from disk on SIGUSR2, so a renewal does not
// require a listener restart.
func (t *TLS) ServerTLS() (*tls.Config, error) {
	if t.CertFile == "" {
		return nil, nil
	}

	minVersion, ok := tlsVersions[t.MinVersion]
	if !ok {
		return nil, fmt.Errorf("config: unknown TLS version: %s", t.MinVersion)
	}

	keypair := &reloadableKeypair{certFile: t.CertFile, keyFile: t.KeyFile}
	if err := keypair.Reload(); err != nil {
		return nil, err
	}
	hooks.AddHook(hooks.EventReload, func() {
		if err := keypair.Reload(); err != nil {
			log.DefaultLogger.Error("TLS certificate reload failed", err, "cert", t.CertFile)
		}
	})

	return &tls.Config{
		MinVersion: minVersion,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return keypair.Get(), nil
		},
	}, nil
}

type reloadableKeypair struct {
	certFile string
	keyFile  string

	mu   sync.RWMutex
	cert tls.Certificate
}

func (kp *reloadableKeypair) Reload() error {
	cert, err := tls.LoadX509KeyPair(kp.certFile, kp.keyFile)
	if err != nil {
		return fmt.Errorf("config: cannot load keypair: %w", err)
	}

	kp.mu.Lock()
	kp.cert = cert
	kp.mu.Unlock()
	return nil
}

func (kp *reloadableKeypair) Get() *tls.Certificate {
	kp.mu.RLock()
	defer kp.mu.RUnlock()
	return &kp.cert
}
