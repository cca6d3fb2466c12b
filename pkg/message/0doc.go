// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package message provides the Message type exchanged over a bus connection,
// the well-known names of the bus protocol and a CBOR based wire codec.
//
// A Message carries a fixed set of header fields and an opaque body. Body
// marshalling is left to higher layers.
//
//	call := message.NewMethodCall("org.example.Service", "/org/example/Obj",
//	  "org.example.Iface", "Frobnicate")
//	call.Body = []byte("payload")
//
// Messages handed to a connection for sending are locked and must not be
// modified afterwards.
package message
