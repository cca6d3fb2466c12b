// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/connection"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/transport"
)

// envAddress names the environment variable used for the "-" address.
const envAddress = "BUS_TOOL_ADDRESS"

// printUsage of bus-tool and exit with an error code afterwards.
func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage of %s send|call|ping|monitor|journal-export|journal-import:\n\n", os.Args[0])

	_, _ = fmt.Fprintf(os.Stderr, "%s send address path interface.member [body]\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Emits a signal with an optional string body.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s call [-timeout duration] address destination path interface.member [body]\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Calls a method and prints its reply.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s ping address\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Pings the peer once a second and prints the round trip time.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s monitor address -|journal-dir\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Prints each received message and optionally records it in a journal.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s journal-export journal-dir file.xz\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Writes all journal entries as a xz compressed file.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s journal-import journal-dir file.xz\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Reads the entries of an export into a journal.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "An address of \"-\" is read from $%s.\n", envAddress)

	os.Exit(1)
}

// printFatal of an error with an explanation and exit with an error code afterwards.
func printFatal(err error, msg string) {
	_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

// resolveAddress replaces "-" by the environment's address.
func resolveAddress(address string) (string, error) {
	if address != "-" {
		return address, nil
	}

	if env := os.Getenv(envAddress); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("%w: $%s is empty", transport.ErrInvalidAddress, envAddress)
}

// openConnection to a peer, exiting on failure.
func openConnection(address string) *connection.Connection {
	address, err := resolveAddress(address)
	if err != nil {
		printFatal(err, "Resolving address errored")
	}

	c, err := connection.OpenPrivate(address)
	if err != nil {
		printFatal(err, "Connecting errored")
	}
	return c
}

// closeConnection and dispatch what remains.
func closeConnection(c *connection.Connection) {
	c.Flush()
	c.Close()
	for c.Dispatch() == transport.StatusDataRemains {
	}
	c.Unref()
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
	}

	if os.Getenv("BUS_TOOL_DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.WarnLevel)
	}

	switch os.Args[1] {
	case "send":
		sendSignal(os.Args[2:])

	case "call":
		callMethod(os.Args[2:])

	case "ping":
		startPing(os.Args[2:])

	case "monitor":
		startMonitor(os.Args[2:])

	case "journal-export":
		exportJournal(os.Args[2:])

	case "journal-import":
		importJournal(os.Args[2:])

	default:
		printUsage()
	}
}
