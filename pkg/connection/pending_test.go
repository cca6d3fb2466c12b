// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/transport"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/watch"
)

// timeoutRecorder keeps the Timeouts of a Connection like an event loop.
type timeoutRecorder struct {
	mutex    sync.Mutex
	timeouts []*watch.Timeout
}

func (tr *timeoutRecorder) install(c *Connection) {
	c.SetTimeoutFunctions(watch.TimeoutFunctions{
		Add: func(tm *watch.Timeout) bool {
			tr.mutex.Lock()
			defer tr.mutex.Unlock()
			tr.timeouts = append(tr.timeouts, tm)
			return true
		},
		Remove: func(tm *watch.Timeout) {
			tr.mutex.Lock()
			defer tr.mutex.Unlock()
			for i, x := range tr.timeouts {
				if x == tm {
					tr.timeouts = append(tr.timeouts[:i], tr.timeouts[i+1:]...)
					return
				}
			}
		},
	})
}

func (tr *timeoutRecorder) list() []*watch.Timeout {
	tr.mutex.Lock()
	defer tr.mutex.Unlock()

	return append([]*watch.Timeout(nil), tr.timeouts...)
}

func newCall(member string) *message.Message {
	return message.NewMethodCall("", "/org/dtn7/Test", "org.dtn7.Test", member)
}

func TestPendingCallReply(t *testing.T) {
	c, ft := newTestConnection(t)
	defer closeConnection(t, c)

	tr := &timeoutRecorder{}
	tr.install(c)

	rf := &recordingFilter{}
	c.AddFilter(rf.filter, nil, nil)

	call := newCall("Foo")
	pc, err := c.SendWithReply(call, TimeoutUseDefault)
	if err != nil {
		t.Fatal(err)
	}
	if pc.Serial() != call.Serial {
		t.Fatalf("pending serial %d differs from %d", pc.Serial(), call.Serial)
	}

	timeouts := tr.list()
	if len(timeouts) != 1 || timeouts[0].Interval() != DefaultTimeout {
		t.Fatalf("unexpected timeouts %v", timeouts)
	}

	var notified int32
	pc.SetNotify(func(*PendingCall) { atomic.AddInt32(&notified, 1) })

	reply := message.NewMethodReturn(call)
	ft.deliver(reply)
	for c.Dispatch() == transport.StatusDataRemains {
	}

	if state := pc.State(); state != PendingStateCompleted {
		t.Fatalf("state is %v", state)
	}
	if pc.Reply() != reply {
		t.Fatalf("reply is %v", pc.Reply())
	}
	if n := atomic.LoadInt32(&notified); n != 1 {
		t.Fatalf("notified %d times", n)
	}
	if n := len(tr.list()); n != 0 {
		t.Fatalf("%d timeouts remain installed", n)
	}
	if n := len(rf.messages()); n != 0 {
		t.Fatalf("reply reached the filters")
	}

	select {
	case <-pc.Done():
	default:
		t.Fatal("done channel is not closed")
	}

	// A late notify function is called immediately.
	late := false
	pc.SetNotify(func(*PendingCall) { late = true })
	if !late {
		t.Fatal("notify of a completed call was not called")
	}
}

func TestPendingCallTimeout(t *testing.T) {
	c, ft := newTestConnection(t)
	defer closeConnection(t, c)

	tr := &timeoutRecorder{}
	tr.install(c)

	rf := &recordingFilter{}
	c.AddFilter(rf.filter, nil, nil)

	call := newCall("Foo")
	pc, err := c.SendWithReply(call, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	var notified int32
	pc.SetNotify(func(*PendingCall) { atomic.AddInt32(&notified, 1) })

	timeouts := tr.list()
	if len(timeouts) != 1 {
		t.Fatalf("%d timeouts", len(timeouts))
	}
	timeouts[0].Handle()
	timeouts[0].Handle()

	if n := atomic.LoadInt32(&notified); n != 1 {
		t.Fatalf("notified %d times", n)
	}
	if reply := pc.Reply(); reply == nil || !reply.IsError(message.ErrorNoReply) || reply.ReplySerial != call.Serial {
		t.Fatalf("unexpected reply %v", reply)
	}
	if n := len(tr.list()); n != 0 {
		t.Fatalf("%d timeouts remain installed", n)
	}

	// A late reply is an ordinary message now.
	late := message.NewMethodReturn(call)
	ft.deliver(late)
	for c.Dispatch() == transport.StatusDataRemains {
	}

	if got := rf.messages(); len(got) != 1 || got[0] != late {
		t.Fatalf("filters saw %v", got)
	}
}

func TestPendingCallInfinite(t *testing.T) {
	c, _ := newTestConnection(t)
	defer closeConnection(t, c)

	tr := &timeoutRecorder{}
	tr.install(c)

	pc, err := c.SendWithReply(newCall("Foo"), TimeoutInfinite)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(tr.list()); n != 0 {
		t.Fatalf("%d timeouts installed for an infinite call", n)
	}

	pc.Cancel()
}

func TestPendingCallCancel(t *testing.T) {
	c, ft := newTestConnection(t)
	defer closeConnection(t, c)

	tr := &timeoutRecorder{}
	tr.install(c)

	rf := &recordingFilter{}
	c.AddFilter(rf.filter, nil, nil)

	call := newCall("Foo")
	pc, err := c.SendWithReply(call, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	var states []PendingState
	pc.SetNotify(func(pc *PendingCall) { states = append(states, pc.State()) })

	pc.Cancel()
	pc.Cancel()

	if len(states) != 1 || states[0] != PendingStateCancelled {
		t.Fatalf("notified with %v", states)
	}
	if pc.Reply() != nil {
		t.Fatal("cancelled call has a reply")
	}
	if n := len(tr.list()); n != 0 {
		t.Fatalf("%d timeouts remain installed", n)
	}

	reply := message.NewMethodReturn(call)
	ft.deliver(reply)
	for c.Dispatch() == transport.StatusDataRemains {
	}

	if got := rf.messages(); len(got) != 1 || got[0] != reply {
		t.Fatalf("filters saw %v", got)
	}
}

func TestPendingCallCancelTimeoutRace(t *testing.T) {
	for i := 0; i < 100; i++ {
		c, _ := newTestConnection(t)

		tr := &timeoutRecorder{}
		tr.install(c)

		pc, err := c.SendWithReply(newCall("Foo"), time.Minute)
		if err != nil {
			t.Fatal(err)
		}

		var notified int32
		pc.SetNotify(func(*PendingCall) { atomic.AddInt32(&notified, 1) })

		tm := tr.list()[0]

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			pc.Cancel()
		}()
		go func() {
			defer wg.Done()
			tm.Handle()
		}()
		wg.Wait()

		if n := atomic.LoadInt32(&notified); n != 1 {
			t.Fatalf("run %d: notified %d times", i, n)
		}
		if n := len(tr.list()); n != 0 {
			t.Fatalf("run %d: %d timeouts remain installed", i, n)
		}

		closeConnection(t, c)
	}
}

// raceReply dispatches a reply to a pending call while other races it.
func raceReply(t *testing.T, other func(pc *PendingCall, tm *watch.Timeout)) {
	for i := 0; i < 100; i++ {
		c, ft := newTestConnection(t)

		tr := &timeoutRecorder{}
		tr.install(c)

		rf := &recordingFilter{}
		c.AddFilter(rf.filter, nil, nil)

		call := newCall("Foo")
		pc, err := c.SendWithReply(call, time.Minute)
		if err != nil {
			t.Fatal(err)
		}

		var notified int32
		pc.SetNotify(func(*PendingCall) { atomic.AddInt32(&notified, 1) })

		tm := tr.list()[0]
		reply := message.NewMethodReturn(call)
		ft.deliver(reply)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for c.Dispatch() == transport.StatusDataRemains {
			}
		}()
		go func() {
			defer wg.Done()
			other(pc, tm)
		}()
		wg.Wait()

		if n := atomic.LoadInt32(&notified); n != 1 {
			t.Fatalf("run %d: notified %d times", i, n)
		}
		if n := len(tr.list()); n != 0 {
			t.Fatalf("run %d: %d timeouts remain installed", i, n)
		}

		// The reply either completed the call or reached the filters.
		filtered := rf.messages()
		if pc.Reply() == reply {
			if pc.State() != PendingStateCompleted || len(filtered) != 0 {
				t.Fatalf("run %d: state %v, filters saw %v", i, pc.State(), filtered)
			}
		} else if len(filtered) != 1 || filtered[0] != reply {
			t.Fatalf("run %d: reply %v, filters saw %v", i, pc.Reply(), filtered)
		}

		closeConnection(t, c)
	}
}

func TestPendingCallReplyTimeoutRace(t *testing.T) {
	raceReply(t, func(pc *PendingCall, tm *watch.Timeout) {
		tm.Handle()
	})
}

func TestPendingCallReplyCancelRace(t *testing.T) {
	raceReply(t, func(pc *PendingCall, _ *watch.Timeout) {
		pc.Cancel()
	})
}

func TestDispatchStatusEdges(t *testing.T) {
	c, ft := newTestConnection(t)
	defer closeConnection(t, c)

	var mutex sync.Mutex
	var statuses []transport.DispatchStatus
	c.SetDispatchStatusFunction(func(_ *Connection, status transport.DispatchStatus) {
		mutex.Lock()
		defer mutex.Unlock()
		statuses = append(statuses, status)
	})
	recorded := func() []transport.DispatchStatus {
		mutex.Lock()
		defer mutex.Unlock()
		return append([]transport.DispatchStatus(nil), statuses...)
	}

	c.Flush()
	c.Dispatch()
	if got := recorded(); len(got) != 0 {
		t.Fatalf("unchanged status was reported: %v", got)
	}

	expected := []transport.DispatchStatus{transport.StatusDataRemains, transport.StatusComplete}
	for round := 1; round <= 2; round++ {
		ft.deliver(newSignal("A"), newSignal("B"), newSignal("C"))
		for c.Dispatch() == transport.StatusDataRemains {
		}
		c.Dispatch()
		c.Flush()

		got := recorded()
		if len(got) != len(expected)*round {
			t.Fatalf("round %d: reported %v", round, got)
		}
		for i, status := range got {
			if status != expected[i%len(expected)] {
				t.Fatalf("round %d: reported %v", round, got)
			}
		}
	}
}

func TestPendingCallsOnDisconnect(t *testing.T) {
	c, ft := newTestConnection(t)
	defer c.Unref()

	tr := &timeoutRecorder{}
	tr.install(c)

	rf := &recordingFilter{}
	c.AddFilter(rf.filter, nil, nil)

	var calls []*PendingCall
	var order []uint32
	for _, member := range []string{"A", "B"} {
		pc, err := c.SendWithReply(newCall(member), time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		pc.SetNotify(func(pc *PendingCall) { order = append(order, pc.Serial()) })
		calls = append(calls, pc)
	}

	ft.hangup()
	for c.Dispatch() == transport.StatusDataRemains {
	}

	for _, pc := range calls {
		if reply := pc.Reply(); reply == nil || !reply.IsError(message.ErrorNoReply) {
			t.Fatalf("call %d completed with %v", pc.Serial(), reply)
		}
	}
	if len(order) != 2 || order[0] != calls[0].Serial() || order[1] != calls[1].Serial() {
		t.Fatalf("calls completed in order %v", order)
	}

	got := rf.messages()
	if len(got) != 1 || !got[0].IsSignal(message.InterfaceLocal, message.MemberDisconnected) {
		t.Fatalf("filters saw %v", got)
	}
	if n := len(tr.list()); n != 0 {
		t.Fatalf("%d timeouts remain installed", n)
	}
}

func TestPendingCallTimeoutAfterDisconnect(t *testing.T) {
	c, ft := newTestConnection(t)
	defer c.Unref()

	tr := &timeoutRecorder{}
	tr.install(c)

	rf := &recordingFilter{}
	c.AddFilter(rf.filter, nil, nil)

	pc, err := c.SendWithReply(newCall("Foo"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	ft.hangup()
	if status := c.DispatchStatus(); status != transport.StatusDataRemains {
		t.Fatalf("dispatch status is %v", status)
	}

	// The timeout fires before the queued NoReply error was dispatched.
	tr.list()[0].Handle()
	if !pc.Completed() {
		t.Fatal("call did not complete")
	}

	for c.Dispatch() == transport.StatusDataRemains {
	}

	got := rf.messages()
	if len(got) != 1 || !got[0].IsSignal(message.InterfaceLocal, message.MemberDisconnected) {
		t.Fatalf("filters saw %v", got)
	}
}

func TestSendWithReplyAndBlock(t *testing.T) {
	c, ft := newTestConnection(t)
	defer closeConnection(t, c)

	call := newCall("Foo")
	errs := make(chan error, 1)

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			for _, msg := range ft.sentMessages() {
				if msg == call {
					reply := message.NewMethodReturn(call)
					reply.Signature, reply.Body = "s", []byte("pong")
					ft.deliver(reply)
					errs <- nil
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
		errs <- errors.New("call was never sent")
	}()

	reply, err := c.SendWithReplyAndBlock(call, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text() != "pong" {
		t.Fatalf("unexpected reply %v", reply)
	}
	if err := <-errs; err != nil {
		t.Fatal(err)
	}
}

func TestSendWithReplyAndBlockError(t *testing.T) {
	c, ft := newTestConnection(t)
	defer closeConnection(t, c)

	call := newCall("Foo")
	go func() {
		for i := 0; i < 5000; i++ {
			for _, msg := range ft.sentMessages() {
				if msg == call {
					ft.deliver(message.NewError(call, message.ErrorAccessDenied, "go away"))
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	_, err := c.SendWithReplyAndBlock(call, 5*time.Second)

	var msgErr *message.Error
	if !errors.As(err, &msgErr) || msgErr.Name != message.ErrorAccessDenied || msgErr.Message != "go away" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestSendWithReplyAndBlockTimeout(t *testing.T) {
	c, _ := newTestConnection(t)
	defer closeConnection(t, c)

	start := time.Now()
	_, err := c.SendWithReplyAndBlock(newCall("Foo"), 200*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, &message.Error{Name: message.ErrorNoReply}) {
		t.Fatalf("unexpected error %v", err)
	}
	if elapsed < 200*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("blocked for %v", elapsed)
	}
}

func TestSendWithReplyAndBlockDisconnect(t *testing.T) {
	c, ft := newTestConnection(t)
	defer c.Unref()

	go func() {
		time.Sleep(50 * time.Millisecond)
		ft.hangup()
	}()

	_, err := c.SendWithReplyAndBlock(newCall("Foo"), 5*time.Second)
	if !errors.Is(err, &message.Error{Name: message.ErrorNoReply}) {
		t.Fatalf("unexpected error %v", err)
	}

	for c.Dispatch() == transport.StatusDataRemains {
	}
}

func TestSendWithReplyNotMethodCall(t *testing.T) {
	c, _ := newTestConnection(t)
	defer closeConnection(t, c)

	if _, err := c.SendWithReply(newSignal("A"), TimeoutUseDefault); err != ErrNotMethodCall {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestPreallocatedSend(t *testing.T) {
	c, ft := newTestConnection(t)
	defer closeConnection(t, c)

	p := c.PreallocateSend()
	msg := newSignal("A")
	if serial := c.SendPreallocated(p, msg); serial == 0 {
		t.Fatal("no serial assigned")
	}
	c.Flush()

	if sent := ft.sentMessages(); len(sent) != 1 || sent[0] != msg {
		t.Fatalf("sent %v", sent)
	}

	unused := c.PreallocateSend()
	c.FreePreallocatedSend(unused)
}
