// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quic-go/quic-go"
)

const (
	quicProtocol = "bus-quic"

	quicApplicationShutdown quic.ApplicationErrorCode = 0x0
)

// listenerTLSConfig uses a fresh self-signed certificate. Dialers do not
// verify it; peers authenticate by their hello instead.
func listenerTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{quicProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func dialerTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicProtocol},
	}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:    time.Second,
		MaxIdleTimeout:     5 * time.Second,
		MaxIncomingStreams: 1,
	}
}

// quicStream is the single bidirectional stream of a QUIC connection.
type quicStream struct {
	quic.Stream
	conn quic.Connection
}

func (s *quicStream) Close() error {
	s.Stream.CancelRead(0)
	_ = s.Stream.Close()
	return s.conn.CloseWithError(quicApplicationShutdown, "connection closed")
}

func dialQUIC(addr Address) (io.ReadWriteCloser, error) {
	hostPort, err := addr.HostPort()
	if err != nil {
		return nil, err
	}

	conn, err := quic.DialAddr(context.Background(), hostPort, dialerTLSConfig(), quicConfig())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(quicApplicationShutdown, "no stream")
		return nil, err
	}
	return &quicStream{Stream: stream, conn: conn}, nil
}

type quicListener struct {
	addr Address
	guid string
	ln   *quic.Listener
}

func listenQUIC(addr Address, guid string) (*quicListener, error) {
	hostPort, err := addr.HostPort()
	if err != nil {
		return nil, err
	}

	tlsConf, err := listenerTLSConfig()
	if err != nil {
		return nil, err
	}

	ln, err := quic.ListenAddr(hostPort, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}

	l := &quicListener{addr: addr, guid: guid, ln: ln}
	if port, ok := portOf(ln.Addr()); ok {
		l.addr.Params["port"] = fmt.Sprintf("%d", port)
	}
	return l, nil
}

func (l *quicListener) Accept() (Transport, error) {
	for {
		conn, err := l.ln.Accept(context.Background())
		if err != nil {
			return nil, err
		}

		t, err := l.accept(conn)
		if err != nil {
			log.WithError(err).WithField("peer", conn.RemoteAddr()).Warn("QUIC handshake failed")
			_ = conn.CloseWithError(quicApplicationShutdown, "handshake failed")
			continue
		}
		return t, nil
	}
}

func (l *quicListener) accept(conn quic.Connection) (Transport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}

	qs := &quicStream{Stream: stream, conn: conn}
	client, err := serverHandshake(qs, l.guid)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("quic://%v", conn.RemoteAddr())
	return newStream(name, qs, true, l.guid, client), nil
}

func (l *quicListener) Address() string {
	return addressWithGUID(l.addr, l.guid)
}

func (l *quicListener) GUID() string {
	return l.guid
}

func (l *quicListener) Close() error {
	return l.ln.Close()
}
