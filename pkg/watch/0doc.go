// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package watch contains the readiness and timer interests a connection
// exposes to an application's event loop.
//
// A Watch describes interest in the readiness of some I/O source, a Timeout
// describes a repeating timer. Both are collected in lists which forward
// every change to a replaceable set of application functions.
package watch
