// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// checksEnabled turns API misuse into panics. DBUS_DISABLE_CHECKS=1 only
// logs them instead.
var checksEnabled = os.Getenv("DBUS_DISABLE_CHECKS") == ""

// assertf panics on broken internal invariants, regardless of checksEnabled.
func assertf(cond bool, format string, a ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("connection: assertion failed: "+format, a...))
	}
}

// checkf reports API misuse and returns cond.
func checkf(cond bool, format string, a ...interface{}) bool {
	if cond {
		return true
	}

	msg := fmt.Sprintf(format, a...)
	if checksEnabled {
		panic("connection: " + msg)
	}

	log.WithField("check", msg).Error("Connection API misuse")
	return false
}
