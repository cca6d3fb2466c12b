// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport moves messages between two peers of a bus connection.
//
// A Transport is owned by exactly one connection. The connection calls all
// Transport methods with its own lock held and offers itself as a Queue,
// which the Transport uses to fetch outgoing and to store incoming messages.
//
// Addresses follow the "method:key=value,key=value" syntax. Multiple
// addresses are separated by semicolons and tried in order.
//
//	unix:path=/run/peerd.sock
//	tcp:host=localhost,port=4556
//	ws:host=localhost,port=8080,path=/bus
//	quic:host=localhost,port=4557
//
// Messages are exchanged as length-prefixed CBOR frames, each followed by a
// CRC16 checksum. Before the first frame, both peers exchange a hello record
// carrying the server's GUID and their credentials.
package transport
