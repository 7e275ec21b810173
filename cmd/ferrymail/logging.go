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

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/framework/log"
)

// buildLogger turns the [log] configuration section into the logger handed
// to every component. The returned logger is also installed as
// log.DefaultLogger so early failures and cli errors use the same sink.
func buildLogger(cfg config.Log, debug bool) (log.Logger, error) {
	out, err := logOutput(cfg)
	if err != nil {
		return log.Logger{}, err
	}

	l := log.Logger{
		Out:   out,
		Debug: debug || cfg.Level == "debug",
	}
	log.DefaultLogger = l
	return l, nil
}

func logOutput(cfg config.Log) (log.Output, error) {
	var w io.Writer
	switch cfg.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("cannot open log file: %w", err)
		}
		if cfg.Format == "json" {
			return log.ZapOutput(f), nil
		}
		return log.WriteCloserOutput(f, true), nil
	}

	if cfg.Format == "json" {
		return log.ZapOutput(w), nil
	}
	return log.WriterOutput(w, true), nil
}
