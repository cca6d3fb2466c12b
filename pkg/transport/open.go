// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"fmt"
	"io"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/hashicorp/go-multierror"
)

// Open a client Transport to the first reachable of the given addresses.
func Open(address string) (Transport, error) {
	addrs, err := ParseAddresses(address)
	if err != nil {
		return nil, err
	}

	var errs error
	for _, addr := range addrs {
		t, err := openOne(addr)
		if err == nil {
			return t, nil
		}

		log.WithError(err).WithField("address", addr).Debug("Opening address failed")
		errs = multierror.Append(errs, fmt.Errorf("%v: %w", addr, err))
	}
	return nil, errs
}

func openOne(addr Address) (Transport, error) {
	var rw io.ReadWriteCloser
	var conn net.Conn
	var err error

	switch addr.Method {
	case "unix":
		var path string
		if path, err = unixPath(addr); err == nil {
			conn, err = dial("unix", path)
		}

	case "tcp":
		var hostPort string
		if hostPort, err = addr.HostPort(); err == nil {
			conn, err = dial(tcpNetwork(addr), hostPort)
		}

	case "ws":
		rw, err = dialWebSocket(addr)

	case "quic":
		rw, err = dialQUIC(addr)

	default:
		err = fmt.Errorf("%w: unknown method %q", ErrInvalidAddress, addr.Method)
	}

	if err != nil {
		return nil, err
	}
	if conn != nil {
		rw = conn
	}

	server, err := clientHandshake(rw, addr.Get("guid"))
	if err != nil {
		_ = rw.Close()
		return nil, err
	}

	if conn != nil {
		if uid, pid, ok := peerCredentials(conn); ok {
			server.UID, server.PID = uid, pid
		}
	}

	return newStream(addr.String(), rw, false, server.GUID, server), nil
}

// Pair creates two connected in-process Transports. The server side checks
// its peer like any accepted Transport.
func Pair() (client, server Transport, err error) {
	clientConn, serverConn := net.Pipe()
	guid := NewGUID()

	type result struct {
		h   hello
		err error
	}
	serverResult := make(chan result, 1)
	go func() {
		h, err := serverHandshake(serverConn, guid)
		serverResult <- result{h, err}
	}()

	serverHello, clientErr := clientHandshake(clientConn, guid)
	res := <-serverResult

	if clientErr != nil || res.err != nil {
		_ = clientConn.Close()
		_ = serverConn.Close()

		err = clientErr
		if err == nil {
			err = res.err
		}
		return
	}

	client = newStream("pair://client", clientConn, false, guid, serverHello)
	server = newStream("pair://server", serverConn, true, guid, res.h)
	return
}
