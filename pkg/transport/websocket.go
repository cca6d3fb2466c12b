// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/websocket"
)

// wsStream turns a WebSocket into a byte stream. Each Write becomes one
// binary message; Read continues across message boundaries.
type wsStream struct {
	conn   *websocket.Conn
	reader io.Reader

	writeMutex sync.Mutex
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			msgType, r, err := s.conn.NextReader()
			if err != nil {
				return 0, err
			} else if msgType != websocket.BinaryMessage {
				continue
			}
			s.reader = r
		}

		n, err := s.reader.Read(p)
		if err == io.EOF {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}

func wsURL(addr Address) (string, error) {
	hostPort, err := addr.HostPort()
	if err != nil {
		return "", err
	}

	path := addr.Get("path")
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("ws://%s%s", hostPort, path), nil
}

func dialWebSocket(addr Address) (io.ReadWriteCloser, error) {
	url, err := wsURL(addr)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &wsStream{conn: conn}, nil
}

// wsListener serves WebSocket upgrades on a HTTP server.
type wsListener struct {
	addr     Address
	guid     string
	ln       net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	conns   chan *websocket.Conn
	stopSyn chan struct{}
	stopAck chan struct{}
}

func listenWebSocket(addr Address, guid string) (*wsListener, error) {
	hostPort, err := addr.HostPort()
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", hostPort)
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		addr:    addr,
		guid:    guid,
		ln:      ln,
		conns:   make(chan *websocket.Conn),
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	path := addr.Get("path")
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.Handle(path, l)
	l.server = &http.Server{Handler: mux}

	l.addr.Params["port"] = fmt.Sprintf("%d", ln.Addr().(*net.TCPAddr).Port)

	go func() {
		defer close(l.stopAck)

		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).WithField("address", l.Address()).Warn("WebSocket listener failed")
		}
	}()

	return l, nil
}

// ServeHTTP upgrades requests and hands them to Accept.
func (l *wsListener) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}

	select {
	case l.conns <- conn:
	case <-l.stopSyn:
		_ = conn.Close()
	}
}

func (l *wsListener) Accept() (Transport, error) {
	for {
		var conn *websocket.Conn
		select {
		case conn = <-l.conns:
		case <-l.stopSyn:
			return nil, net.ErrClosed
		}

		stream := &wsStream{conn: conn}
		client, err := serverHandshake(stream, l.guid)
		if err != nil {
			log.WithError(err).WithField("peer", conn.RemoteAddr()).Warn("WebSocket handshake failed")
			_ = stream.Close()
			continue
		}

		name := fmt.Sprintf("ws://%v", conn.RemoteAddr())
		return newStream(name, stream, true, l.guid, client), nil
	}
}

func (l *wsListener) Address() string {
	return addressWithGUID(l.addr, l.guid)
}

func (l *wsListener) GUID() string {
	return l.guid
}

func (l *wsListener) Close() error {
	close(l.stopSyn)
	err := l.server.Shutdown(context.Background())
	<-l.stopAck
	return err
}
