// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package connection implements one logical connection to a bus peer.
//
// A Connection queues outgoing and incoming messages, correlates method
// calls with their replies and dispatches incoming messages to filters and
// object handlers. It does not run any goroutine of its own; an event loop
// drives it through Watches, Timeouts and the dispatch status function, or
// the application calls ReadWriteDispatch itself.
//
//	conn, err := connection.OpenPrivate("unix:path=/run/peerd.sock")
//	if err != nil {
//	  // ...
//	}
//	defer conn.Unref()
//	defer conn.Close()
//
//	call := message.NewMethodCall("", "/org/dtn7/Echo", "org.dtn7.Echo", "Echo")
//	reply, err := conn.SendWithReplyAndBlock(call, connection.TimeoutUseDefault)
//
// Three locks protect a Connection. The connection lock guards all state and
// is never held while application code runs. The dispatch lock serializes
// everything draining the incoming queue. The I/O path lock serializes
// reading and writing on the transport.
package connection
