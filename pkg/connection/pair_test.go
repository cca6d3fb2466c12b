// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/objtree"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/transport"
)

func newPair(t *testing.T) (client, server *Connection) {
	ct, st, err := transport.Pair()
	if err != nil {
		t.Fatal(err)
	}

	if client, err = New(ct); err != nil {
		t.Fatal(err)
	}
	if server, err = New(st); err != nil {
		t.Fatal(err)
	}
	return
}

// serve runs ReadWriteDispatch until stop is closed.
func serve(c *Connection, stop <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				c.ReadWriteDispatch(10 * time.Millisecond)
			}
		}
	}()
	return done
}

func closePair(t *testing.T, client, server *Connection, stop chan struct{}, served <-chan struct{}) {
	closeConnection(t, client)
	close(stop)
	<-served
	closeConnection(t, server)
}

func echoVTable() objtree.VTable {
	return objtree.VTable{
		Message: func(conn objtree.Sender, msg *message.Message, _ interface{}) message.HandlerResult {
			switch {
			case msg.IsMethodCall("org.dtn7.Echo", "Echo"):
				reply := message.NewMethodReturn(msg)
				reply.Signature, reply.Body = msg.Signature, msg.Body
				conn.Send(reply)
				return message.HandlerHandled

			case msg.IsMethodCall("org.dtn7.Echo", "Fail"):
				conn.Send(message.NewError(msg, message.ErrorFailed, msg.Text()))
				return message.HandlerHandled

			default:
				return message.HandlerNotYetHandled
			}
		},
	}
}

func TestPairEcho(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client, server := newPair(t)
	if err := server.RegisterObjectPath("/org/dtn7/Echo", echoVTable(), nil); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	served := serve(server, stop)
	defer closePair(t, client, server, stop, served)

	call := message.NewMethodCall("", "/org/dtn7/Echo", "org.dtn7.Echo", "Echo")
	call.Signature, call.Body = "s", []byte("hello world")

	reply, err := client.SendWithReplyAndBlock(call, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text() != "hello world" || reply.ReplySerial != call.Serial {
		t.Fatalf("unexpected reply %v", reply)
	}

	fail := message.NewMethodCall("", "/org/dtn7/Echo", "org.dtn7.Echo", "Fail")
	fail.Signature, fail.Body = "s", []byte("on purpose")

	_, err = client.SendWithReplyAndBlock(fail, 5*time.Second)
	if !errors.Is(err, &message.Error{Name: message.ErrorFailed}) {
		t.Fatalf("unexpected error %v", err)
	}

	ping := message.NewMethodCall("", "/", message.InterfacePeer, message.MemberPing)
	if _, err := client.SendWithReplyAndBlock(ping, 5*time.Second); err != nil {
		t.Fatal(err)
	}

	unknown := message.NewMethodCall("", "/org/dtn7/Echo", "org.dtn7.Echo", "Nope")
	_, err = client.SendWithReplyAndBlock(unknown, 5*time.Second)
	if !errors.Is(err, &message.Error{Name: message.ErrorUnknownMethod}) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestPairNoReplyTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client, server := newPair(t)
	server.AddFilter(func(*Connection, *message.Message, interface{}) message.HandlerResult {
		return message.HandlerHandled
	}, nil, nil)

	stop := make(chan struct{})
	served := serve(server, stop)
	defer closePair(t, client, server, stop, served)

	start := time.Now()
	_, err := client.SendWithReplyAndBlock(message.NewMethodCall("", "/", "org.dtn7.Test", "Silent"), 200*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, &message.Error{Name: message.ErrorNoReply}) {
		t.Fatalf("unexpected error %v", err)
	}
	if elapsed < 200*time.Millisecond || elapsed > 3*time.Second {
		t.Fatalf("blocked for %v", elapsed)
	}
}

func TestPairConcurrentSends(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const senders, messages = 2, 1000

	client, server := newPair(t)

	var mutex sync.Mutex
	received := make(map[string][]int)
	serials := make(map[uint32]bool)
	total := 0
	all := make(chan struct{})

	server.AddFilter(func(_ *Connection, msg *message.Message, _ interface{}) message.HandlerResult {
		if msg.Interface == message.InterfaceLocal {
			return message.HandlerNotYetHandled
		}

		n, err := strconv.Atoi(string(msg.Body))
		if err != nil {
			t.Errorf("malformed body %q", msg.Body)
			return message.HandlerHandled
		}

		mutex.Lock()
		defer mutex.Unlock()

		if serials[msg.Serial] {
			t.Errorf("serial %d was received twice", msg.Serial)
		}
		serials[msg.Serial] = true
		received[msg.Member] = append(received[msg.Member], n)

		if total++; total == senders*messages {
			close(all)
		}
		return message.HandlerHandled
	}, nil, nil)

	stop := make(chan struct{})
	served := serve(server, stop)
	defer closePair(t, client, server, stop, served)

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()

			member := "Sender" + strconv.Itoa(s)
			for i := 0; i < messages; i++ {
				msg := message.NewSignal("/org/dtn7/Test", "org.dtn7.Test", member)
				msg.Body = []byte(strconv.Itoa(i))
				client.Send(msg)
			}
		}(s)
	}
	wg.Wait()
	client.Flush()

	select {
	case <-all:
	case <-time.After(10 * time.Second):
		mutex.Lock()
		n := total
		mutex.Unlock()
		t.Fatalf("received only %d messages", n)
	}

	mutex.Lock()
	defer mutex.Unlock()

	for member, ns := range received {
		for i, n := range ns {
			if n != i {
				t.Fatalf("%s: message %d arrived as %d", member, n, i)
			}
		}
	}
}

func TestPairSendToStalledPeer(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client, server := newPair(t)
	defer closeConnection(t, server)
	defer closeConnection(t, client)

	// The server neither dispatches nor reads beyond a single message.
	server.SetMaxReceivedSize(1)

	sent := make(chan struct{})
	go func() {
		defer close(sent)

		for i := 0; i < 20; i++ {
			msg := message.NewSignal("/org/dtn7/Test", "org.dtn7.Test", "Bulk")
			msg.Body = make([]byte, 4096)
			client.Send(msg)
		}
	}()

	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on a peer which does not read")
	}

	if !client.IsConnected() {
		t.Fatal("client disconnected")
	}
}

func TestPairDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client, server := newPair(t)
	defer client.Unref()
	defer server.Unref()

	rf := &recordingFilter{}
	server.AddFilter(rf.filter, nil, nil)

	for _, member := range []string{"A", "B"} {
		client.Send(newSignal(member))
	}
	client.Flush()
	client.Close()
	for client.Dispatch() == transport.StatusDataRemains {
	}

	deadline := time.Now().Add(5 * time.Second)
	for server.ReadWriteDispatch(50*time.Millisecond) && time.Now().Before(deadline) {
	}

	got := rf.messages()
	if len(got) != 3 {
		t.Fatalf("server saw %v", got)
	}
	if got[0].Member != "A" || got[1].Member != "B" ||
		!got[2].IsSignal(message.InterfaceLocal, message.MemberDisconnected) {
		t.Fatalf("server saw %v", got)
	}
}
