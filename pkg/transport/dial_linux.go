// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux
// +build linux

package transport

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// dialControl sets TCP keepalive options for a faster detection of dead peers,
// based on the tcp(7) manual page.
func dialControl(network, _ string, rawConn syscall.RawConn) (err error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil
	}

	opts := map[int]int{
		unix.TCP_KEEPCNT:   3,
		unix.TCP_KEEPIDLE:  10,
		unix.TCP_KEEPINTVL: 5,
	}

	ctrlErr := rawConn.Control(func(fd uintptr) {
		for opt, value := range opts {
			err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, opt, value)
			if err != nil {
				return
			}
		}
	})
	if ctrlErr != nil {
		err = ctrlErr
	}
	return
}

// dial a stream socket with socket options set.
func dial(network, address string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout: handshakeTimeout,
		Control: dialControl,
	}
	return dialer.Dial(network, address)
}
