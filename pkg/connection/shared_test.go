// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/transport"
)

// testServer accepts connections on a TCP Listener and keeps their server
// side Transports until the test drops them.
type testServer struct {
	l        transport.Listener
	accepted chan transport.Transport
	done     chan struct{}
}

func newTestServer(t *testing.T) *testServer {
	l, err := transport.Listen("tcp:host=127.0.0.1,port=0")
	if err != nil {
		t.Fatal(err)
	}

	s := &testServer{
		l:        l,
		accepted: make(chan transport.Transport, 16),
		done:     make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		for {
			tr, err := l.Accept()
			if err != nil {
				return
			}
			s.accepted <- tr
		}
	}()

	return s
}

// addressWithoutGUID of the Listener.
func (s *testServer) addressWithoutGUID(t *testing.T) string {
	addr, err := transport.ParseAddress(s.l.Address())
	if err != nil {
		t.Fatal(err)
	}
	delete(addr.Params, "guid")
	return addr.String()
}

// disconnectPeers drops the server side of the next n accepted connections.
func (s *testServer) disconnectPeers(t *testing.T, n int) {
	for i := 0; i < n; i++ {
		select {
		case tr := <-s.accepted:
			tr.Disconnect()
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d connections were accepted", i, n)
		}
	}
}

func (s *testServer) close(t *testing.T) {
	if err := s.l.Close(); err != nil {
		t.Error(err)
	}
	<-s.done

	for {
		select {
		case tr := <-s.accepted:
			tr.Disconnect()
		default:
			return
		}
	}
}

// awaitDisconnected dispatches until the Disconnected signal was handled.
func awaitDisconnected(t *testing.T, c *Connection) {
	deadline := time.Now().Add(5 * time.Second)
	for c.ReadWriteDispatch(50*time.Millisecond) && time.Now().Before(deadline) {
	}

	if c.IsConnected() {
		t.Fatalf("connection %v is still connected", c)
	}
}

func isRegistered(guid string, c *Connection) bool {
	sharedConnections.mutex.Lock()
	defer sharedConnections.mutex.Unlock()

	return sharedConnections.conns[guid] == c
}

func TestOpenSharedReuse(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := newTestServer(t)
	defer s.close(t)

	addr := s.l.Address()

	a, err := Open(addr)
	if err != nil {
		t.Fatal(err)
	}
	if !isRegistered(s.l.GUID(), a) {
		t.Fatal("shared connection was not registered")
	}

	b, err := Open(addr)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("shared connection was not reused")
	}
	b.Unref()

	p, err := OpenPrivate(addr)
	if err != nil {
		t.Fatal(err)
	}
	if p == a {
		t.Fatal("private connection is the shared one")
	}

	// Without a guid, nothing can be looked up. The new connection is shared
	// as well, but the first registration for the server's GUID is kept.
	second, err := Open(s.addressWithoutGUID(t))
	if err != nil {
		t.Fatal(err)
	}
	if second == a {
		t.Fatal("connection without guid was reused")
	}
	if !isRegistered(s.l.GUID(), a) || second.registered {
		t.Fatal("first registration was replaced")
	}

	if c, err := Open(addr); err != nil {
		t.Fatal(err)
	} else if c != a {
		t.Fatal("shared connection was not reused after a second Open")
	} else {
		c.Unref()
	}

	p.Close()
	awaitDisconnected(t, p)
	p.Unref()

	s.disconnectPeers(t, 3)

	for _, c := range []*Connection{a, second} {
		awaitDisconnected(t, c)
	}
	if isRegistered(s.l.GUID(), a) {
		t.Fatal("disconnected shared connection is still registered")
	}
	a.Unref()
	second.Unref()

	// A new shared connection takes the free spot.
	c, err := Open(addr)
	if err != nil {
		t.Fatal(err)
	}
	if c == a || !isRegistered(s.l.GUID(), c) {
		t.Fatal("new shared connection was not registered")
	}

	s.disconnectPeers(t, 1)
	awaitDisconnected(t, c)
	c.Unref()
}

func expectMisuse(t *testing.T, name string, fn func()) {
	defer func() {
		if recover() == nil {
			t.Fatalf("%s was not rejected", name)
		}
	}()
	fn()
}

func TestShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := newTestServer(t)
	defer s.close(t)

	addr := s.l.Address()

	shared, err := Open(addr)
	if err != nil {
		t.Fatal(err)
	}
	private, err := OpenPrivate(addr)
	if err != nil {
		t.Fatal(err)
	}

	before := currentGeneration()
	Shutdown()

	if currentGeneration() != before+1 {
		t.Fatalf("generation is %d, expected %d", currentGeneration(), before+1)
	}
	if shared.IsConnected() {
		t.Fatal("shared connection is still connected")
	}
	if isRegistered(s.l.GUID(), shared) {
		t.Fatal("shared connection is still registered")
	}
	if !private.IsConnected() {
		t.Fatal("private connection was closed")
	}

	expectMisuse(t, "Flush", private.Flush)
	expectMisuse(t, "Close", private.Close)
	expectMisuse(t, "Send", func() { private.Send(newSignal("A")) })
	expectMisuse(t, "Dispatch", func() { shared.Dispatch() })

	fresh, err := OpenPrivate(addr)
	if err != nil {
		t.Fatal(err)
	}
	fresh.Send(newSignal("B"))
	fresh.Flush()
	fresh.Close()
	awaitDisconnected(t, fresh)
	fresh.Unref()

	private.lock()
	private.closeAndUnlock()
	private.Unref()
	shared.Unref()
}
