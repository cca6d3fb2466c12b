// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"sync"
	"testing"
	"time"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/transport"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/watch"
)

// fakeTransport queues delivered messages and records written ones.
type fakeTransport struct {
	queue     transport.Queue
	readWatch *watch.Watch

	mutex        sync.Mutex
	connected    bool
	inbox        []*message.Message
	sent         []*message.Message
	kick         chan struct{}
	writeBlocked bool
	queueFails   int
	serial       uint32
	maxMessage   int64
	maxReceived  int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected:   true,
		kick:        make(chan struct{}),
		serial:      1000,
		maxMessage:  transport.DefaultMaxMessageSize,
		maxReceived: transport.DefaultMaxReceivedSize,
	}
}

func (ft *fakeTransport) kickLocked() {
	close(ft.kick)
	ft.kick = make(chan struct{})
}

// deliver messages as if they were received from the peer.
func (ft *fakeTransport) deliver(msgs ...*message.Message) {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()

	for _, msg := range msgs {
		if msg.Serial == 0 {
			ft.serial++
			msg.Serial = ft.serial
		}
		msg.Lock()
		ft.inbox = append(ft.inbox, msg)
	}
	ft.kickLocked()
}

// hangup as if the peer closed the stream.
func (ft *fakeTransport) hangup() {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()

	ft.connected = false
	ft.kickLocked()
}

func (ft *fakeTransport) sentMessages() []*message.Message {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()

	return append([]*message.Message(nil), ft.sent...)
}

func (ft *fakeTransport) setWriteBlocked(blocked bool) {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()

	ft.writeBlocked = blocked
}

func (ft *fakeTransport) String() string {
	return "fake://"
}

func (ft *fakeTransport) Attach(q transport.Queue, handle transport.WatchHandler) bool {
	ft.queue = q

	var w *watch.Watch
	w = watch.NewWatch("fake/read", watch.Readable, true,
		func() <-chan struct{} {
			ft.mutex.Lock()
			defer ft.mutex.Unlock()
			return ft.kick
		},
		func(flags watch.Flags) bool { return handle(w, flags) })

	if !q.AddWatch(w) {
		return false
	}
	ft.readWatch = w
	return true
}

func (ft *fakeTransport) Disconnect() {
	ft.hangup()
}

func (ft *fakeTransport) IsConnected() bool {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()

	return ft.connected
}

func (ft *fakeTransport) IsAuthenticated() bool {
	return true
}

func (ft *fakeTransport) HandleWatch(w *watch.Watch, flags watch.Flags) bool {
	ft.write()
	return true
}

func (ft *fakeTransport) write() bool {
	wrote := false
	for ft.queue.HasMessagesToSend() {
		ft.mutex.Lock()
		if ft.writeBlocked || !ft.connected {
			ft.mutex.Unlock()
			break
		}
		msg := ft.queue.MessageToSend()
		ft.sent = append(ft.sent, msg)
		ft.mutex.Unlock()

		ft.queue.MessageSent(msg)
		wrote = true
	}
	return wrote
}

func (ft *fakeTransport) DoIteration(flags transport.IterationFlags, timeout time.Duration) {
	if flags.Has(transport.IterationWrite) && ft.write() {
		return
	}
	if !flags.Has(transport.IterationRead) || !flags.Has(transport.IterationBlock) {
		return
	}

	ft.mutex.Lock()
	ready := len(ft.inbox) > 0 || !ft.connected
	kick := ft.kick
	ft.mutex.Unlock()

	if ready {
		return
	}

	var timer <-chan time.Time
	if timeout >= 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	ft.queue.Unlock()
	select {
	case <-kick:
	case <-timer:
	}
	ft.queue.Lock()
}

func (ft *fakeTransport) DispatchStatus() transport.DispatchStatus {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()

	if len(ft.inbox) > 0 {
		return transport.StatusDataRemains
	}
	return transport.StatusComplete
}

func (ft *fakeTransport) QueueMessages() bool {
	ft.mutex.Lock()
	if ft.queueFails > 0 {
		ft.queueFails--
		ft.mutex.Unlock()
		return false
	}
	msgs := ft.inbox
	ft.inbox = nil
	ft.mutex.Unlock()

	for _, msg := range msgs {
		ft.queue.QueueReceived(msg)
	}
	return true
}

func (ft *fakeTransport) MessagesPending(n int) {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()

	ft.kickLocked()
}

func (ft *fakeTransport) UnixUser() (int, bool)              { return 1000, true }
func (ft *fakeTransport) ProcessID() (int, bool)             { return 42, true }
func (ft *fakeTransport) ServerGUID() string                 { return "0123456789abcdef0123456789abcdef" }
func (ft *fakeTransport) SetUnixUserFunction(func(int) bool) {}

func (ft *fakeTransport) SetMaxMessageSize(size int64) {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	ft.maxMessage = size
}

func (ft *fakeTransport) MaxMessageSize() int64 {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	return ft.maxMessage
}

func (ft *fakeTransport) SetMaxReceivedSize(size int64) {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	ft.maxReceived = size
}

func (ft *fakeTransport) MaxReceivedSize() int64 {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	return ft.maxReceived
}

func newTestConnection(t *testing.T) (*Connection, *fakeTransport) {
	ft := newFakeTransport()
	c, err := New(ft)
	if err != nil {
		t.Fatal(err)
	}
	return c, ft
}

// closeConnection disconnects, drains and frees a Connection.
func closeConnection(t *testing.T, c *Connection) {
	c.Close()
	for i := 0; c.Dispatch() == transport.StatusDataRemains; i++ {
		if i > 10000 {
			t.Fatal("connection does not drain")
		}
	}
	c.Unref()
}

// recordingFilter collects all messages reaching the filters.
type recordingFilter struct {
	mutex sync.Mutex
	msgs  []*message.Message
}

func (rf *recordingFilter) filter(c *Connection, msg *message.Message, _ interface{}) message.HandlerResult {
	rf.mutex.Lock()
	defer rf.mutex.Unlock()

	rf.msgs = append(rf.msgs, msg)
	return message.HandlerHandled
}

func (rf *recordingFilter) messages() []*message.Message {
	rf.mutex.Lock()
	defer rf.mutex.Unlock()

	return append([]*message.Message(nil), rf.msgs...)
}

// assertUnlocked fails if the connection lock is held while application
// code runs. Only meaningful if no other goroutine uses the Connection.
func assertUnlocked(t *testing.T, c *Connection) {
	if !c.mutex.TryLock() {
		t.Error("connection lock is held during a callback")
		return
	}
	c.mutex.Unlock()
}
