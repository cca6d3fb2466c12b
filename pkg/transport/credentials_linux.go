// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux
// +build linux

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerCredentials asks the kernel for the uid and pid of a unix socket's peer.
func peerCredentials(conn net.Conn) (uid, pid int64, ok bool) {
	unixConn, isUnix := conn.(*net.UnixConn)
	if !isUnix {
		return
	}

	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return
	}

	var cred *unix.Ucred
	var credErr error
	err = rawConn.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || credErr != nil {
		return
	}

	return int64(cred.Uid), int64(cred.Pid), true
}
