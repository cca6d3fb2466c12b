// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"fmt"
	"net"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Listener accepts server side Transports.
type Listener interface {
	// Accept blocks until a peer finished its handshake.
	Accept() (Transport, error)

	// Address to connect to this Listener, including its GUID.
	Address() string

	// GUID of this server.
	GUID() string

	Close() error
}

// NewGUID creates a random server GUID.
func NewGUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func addressWithGUID(addr Address, guid string) string {
	params := make(map[string]string, len(addr.Params)+1)
	for k, v := range addr.Params {
		params[k] = v
	}
	params["guid"] = guid

	return Address{Method: addr.Method, Params: params}.String()
}

func portOf(addr net.Addr) (int, bool) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.Port, true
	case *net.UDPAddr:
		return a.Port, true
	default:
		return 0, false
	}
}

// Listen on the first usable of the given addresses.
func Listen(address string) (Listener, error) {
	addrs, err := ParseAddresses(address)
	if err != nil {
		return nil, err
	}

	var errs error
	for _, addr := range addrs {
		l, err := listenOne(addr, NewGUID())
		if err == nil {
			log.WithField("address", l.Address()).Info("Listening for connections")
			return l, nil
		}
		errs = multierror.Append(errs, fmt.Errorf("%v: %w", addr, err))
	}
	return nil, errs
}

func listenOne(addr Address, guid string) (Listener, error) {
	switch addr.Method {
	case "unix":
		path, err := unixPath(addr)
		if err != nil {
			return nil, err
		}
		if l, err := listenNet(addr, "unix", path, guid); err != nil {
			return nil, err
		} else {
			return l, nil
		}

	case "tcp":
		hostPort, err := addr.HostPort()
		if err != nil {
			return nil, err
		}
		if l, err := listenNet(addr, tcpNetwork(addr), hostPort, guid); err != nil {
			return nil, err
		} else {
			return l, nil
		}

	case "ws":
		if l, err := listenWebSocket(addr, guid); err != nil {
			return nil, err
		} else {
			return l, nil
		}

	case "quic":
		if l, err := listenQUIC(addr, guid); err != nil {
			return nil, err
		} else {
			return l, nil
		}

	default:
		return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidAddress, addr.Method)
	}
}

func unixPath(addr Address) (string, error) {
	path, abstract := addr.Get("path"), addr.Get("abstract")
	switch {
	case path != "" && abstract != "":
		return "", fmt.Errorf("%w: both path and abstract are set", ErrInvalidAddress)
	case path != "":
		return path, nil
	case abstract != "":
		return "@" + abstract, nil
	default:
		return "", fmt.Errorf("%w: unix address needs path or abstract", ErrInvalidAddress)
	}
}

func tcpNetwork(addr Address) string {
	switch addr.Get("family") {
	case "ipv4":
		return "tcp4"
	case "ipv6":
		return "tcp6"
	default:
		return "tcp"
	}
}

// netListener serves unix and TCP sockets.
type netListener struct {
	addr Address
	guid string
	ln   net.Listener
}

func listenNet(addr Address, network, address, guid string) (*netListener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}

	l := &netListener{addr: addr, guid: guid, ln: ln}
	if port, ok := portOf(ln.Addr()); ok {
		l.addr.Params["port"] = fmt.Sprintf("%d", port)
	}
	return l, nil
}

func (l *netListener) Accept() (Transport, error) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return nil, err
		}

		client, err := serverHandshake(conn, l.guid)
		if err != nil {
			log.WithError(err).WithField("peer", conn.RemoteAddr()).Warn("Handshake failed")
			_ = conn.Close()
			continue
		}

		if uid, pid, ok := peerCredentials(conn); ok {
			client.UID, client.PID = uid, pid
		}

		name := fmt.Sprintf("%s://%v", l.addr.Method, conn.RemoteAddr())
		if l.addr.Method == "unix" {
			name = fmt.Sprintf("unix://%s#%d", l.ln.Addr(), client.PID)
		}
		return newStream(name, conn, true, l.guid, client), nil
	}
}

func (l *netListener) Address() string {
	return addressWithGUID(l.addr, l.guid)
}

func (l *netListener) GUID() string {
	return l.guid
}

func (l *netListener) Close() error {
	return l.ln.Close()
}
