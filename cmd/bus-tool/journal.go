// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/journal"
)

// exportJournal for the "journal-export" CLI option.
func exportJournal(args []string) {
	if len(args) != 2 {
		printUsage()
	}

	j, err := journal.Open(args[0])
	if err != nil {
		printFatal(err, "Opening journal errored")
	}
	defer j.Close()

	f, err := os.Create(args[1])
	if err != nil {
		printFatal(err, "Creating file errored")
	}

	n, err := j.Export(f)
	if err != nil {
		_ = f.Close()
		printFatal(err, "Exporting journal errored")
	}
	if err := f.Close(); err != nil {
		printFatal(err, "Closing file errored")
	}

	fmt.Printf("Exported %d entries\n", n)
}

// importJournal for the "journal-import" CLI option.
func importJournal(args []string) {
	if len(args) != 2 {
		printUsage()
	}

	j, err := journal.Open(args[0])
	if err != nil {
		printFatal(err, "Opening journal errored")
	}
	defer j.Close()

	f, err := os.Open(args[1])
	if err != nil {
		printFatal(err, "Opening file errored")
	}
	defer f.Close()

	n, err := j.Import(f)
	if err != nil {
		printFatal(err, "Importing journal errored")
	}

	fmt.Printf("Imported %d entries\n", n)
}
