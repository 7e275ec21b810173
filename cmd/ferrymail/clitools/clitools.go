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

// Package clitools contains interactive terminal prompts used by the
// administration subcommands.
package clitools

import (
	"bufio"
	"errors"
	"fmt"
	"os"
)

var stdinScanner = bufio.NewScanner(os.Stdin)

// Confirmation asks a yes/no question on stderr and reads the answer from
// stdin. Anything other than an explicit y/Y or n/N yields def.
func Confirmation(prompt string, def bool) bool {
	selection := "y/N"
	if def {
		selection = "Y/n"
	}

	fmt.Fprintf(os.Stderr, "%s [%s]: ", prompt, selection)
	if !stdinScanner.Scan() {
		fmt.Fprintln(os.Stderr, stdinScanner.Err())
		return false
	}

	switch stdinScanner.Text() {
	case "Y", "y":
		return true
	case "N", "n":
		return false
	default:
		return def
	}
}

// readPass consumes one line of raw-mode input. DEL erases the last
// character, Esc, Ctrl+C and Ctrl+D reject the prompt.
func readPass(tty *os.File, buf []byte) ([]byte, error) {
	used := 0
	for {
		cursor := buf[used : used+1]
		n, err := tty.Read(cursor)
		if n != 1 {
			return nil, errors.New("ReadPassword: invalid read size when not in canonical mode")
		}
		if err != nil {
			return nil, errors.New("ReadPassword: " + err.Error())
		}

		switch cursor[0] {
		case '\n':
			return buf[0:used], nil
		case '\x1b', '\x03', '\x04':
			return nil, errors.New("ReadPassword: prompt rejected")
		case '\x7f':
			if used != 0 {
				used--
			}
			continue
		}

		used++
		if used == cap(buf) {
			return nil, errors.New("ReadPassword: too long password")
		}
	}
}

// ReadPassword prompts on stderr and reads a password from stdin with
// terminal echo disabled. When stdin is not a terminal the password is read
// as a plain line instead.
func ReadPassword(prompt string) (string, error) {
	termios, err := TurnOnRawIO(os.Stdin)
	hiddenPass := true
	if err != nil {
		hiddenPass = false
		fmt.Fprintln(os.Stderr, "Failed to disable terminal output:", err)
	}

	// There is no meaningful way to handle error here.
	//nolint:errcheck
	defer TcSetAttr(os.Stdin.Fd(), &termios)

	fmt.Fprintf(os.Stderr, "%s: ", prompt)

	if hiddenPass {
		buf, err := readPass(os.Stdin, make([]byte, 512))
		if err != nil {
			return "", err
		}
		fmt.Println()

		return string(buf), nil
	}
	if !stdinScanner.Scan() {
		return "", stdinScanner.Err()
	}

	return stdinScanner.Text(), nil
}
