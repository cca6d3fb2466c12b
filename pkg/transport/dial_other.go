// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux
// +build !linux

package transport

import "net"

// dial a stream socket with a configured timeout and keepalive.
func dial(network, address string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   handshakeTimeout,
		KeepAlive: handshakeTimeout,
	}
	return dialer.Dial(network, address)
}
