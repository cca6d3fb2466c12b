// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/transport"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/watch"
)

// PendingState of a PendingCall.
type PendingState uint

const (
	// PendingStatePending awaits a reply.
	PendingStatePending PendingState = iota

	// PendingStateCompleted has a reply, possibly a synthesized NoReply error.
	PendingStateCompleted

	// PendingStateCancelled was cancelled by the application.
	PendingStateCancelled
)

func (ps PendingState) String() string {
	switch ps {
	case PendingStatePending:
		return "pending"
	case PendingStateCompleted:
		return "completed"
	case PendingStateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// PendingCall is an outstanding method call awaiting its reply.
//
// A PendingCall completes exactly once: by its reply, by its timeout, or by
// being cancelled. Afterwards, its notify function was called once.
type PendingCall struct {
	owner  *Connection
	serial uint32

	// Guarded by the owner's connection lock.
	timeout      *watch.Timeout
	timeoutMsg   *message.Message
	link         int32
	linkQueued   bool
	timeoutAdded bool
	deadline     time.Time

	mutex  sync.Mutex
	conn   *Connection
	state  PendingState
	reply  *message.Message
	notify func(pc *PendingCall)

	done chan struct{}
}

func (pc *PendingCall) log() *log.Entry {
	return pc.owner.log().WithField("serial", pc.serial)
}

// Serial of the method call.
func (pc *PendingCall) Serial() uint32 {
	return pc.serial
}

// State of this PendingCall.
func (pc *PendingCall) State() PendingState {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	return pc.state
}

// Completed is true for completed and for cancelled calls.
func (pc *PendingCall) Completed() bool {
	return pc.State() != PendingStatePending
}

// Done is closed when the call completes.
func (pc *PendingCall) Done() <-chan struct{} {
	return pc.done
}

// Reply of a completed call, or nil.
func (pc *PendingCall) Reply() *message.Message {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	return pc.reply
}

// StealReply returns the reply and forgets it.
func (pc *PendingCall) StealReply() *message.Message {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	reply := pc.reply
	pc.reply = nil
	return reply
}

// SetNotify sets a function to be called on completion. For an already
// completed call, it is called immediately.
func (pc *PendingCall) SetNotify(fn func(pc *PendingCall)) {
	pc.mutex.Lock()
	if pc.state == PendingStatePending {
		pc.notify = fn
		pc.mutex.Unlock()
		return
	}
	pc.mutex.Unlock()

	if fn != nil {
		fn(pc)
	}
}

// Cancel this call. A later reply is treated as any unexpected message.
func (pc *PendingCall) Cancel() {
	pc.mutex.Lock()
	c := pc.conn
	pc.mutex.Unlock()

	if c == nil {
		return
	}

	c.lock()
	if !c.completePendingCallAndUnlock(pc, nil, PendingStateCancelled) {
		return
	}

	c.lock()
	c.updateDispatchStatusAndUnlock(c.getDispatchStatusUnlocked())
}

// Block until this call completes, reading and writing the connection in
// the meantime.
func (pc *PendingCall) Block() {
	if pc.Completed() {
		return
	}
	pc.owner.blockPendingCall(pc)
}

// attachPendingCallUnlocked registers a call and its timeout.
func (c *Connection) attachPendingCallUnlocked(pc *PendingCall) bool {
	c.haveLock()

	_, exists := c.pending[pc.serial]
	assertf(!exists, "serial %d already awaits a reply", pc.serial)

	c.pending[pc.serial] = pc
	atomic.AddInt32(&c.refcount, 1)

	if pc.timeout == nil {
		return true
	}

	pc.timeoutAdded = true
	if c.addTimeoutUnlocked(pc.timeout) {
		return true
	}

	// The timeout might have been handled meanwhile, which would have
	// completed this call already.
	pc.timeoutAdded = false
	if pc.Completed() {
		return true
	}

	delete(c.pending, pc.serial)
	pc.mutex.Lock()
	pc.conn = nil
	pc.mutex.Unlock()
	c.unrefUnlocked()
	return false
}

// completePendingCallAndUnlock is the single place where a PendingCall
// completes. It expects the connection lock and releases it. The reply is
// nil for cancelled calls. False is returned if the call was already
// completed.
func (c *Connection) completePendingCallAndUnlock(pc *PendingCall, reply *message.Message, state PendingState) bool {
	c.haveLock()

	pc.mutex.Lock()
	if pc.state != PendingStatePending || pc.conn != c {
		pc.mutex.Unlock()
		c.unlock()
		return false
	}

	pc.state = state
	pc.reply = reply
	pc.conn = nil
	notify := pc.notify
	pc.notify = nil
	pc.mutex.Unlock()

	delete(c.pending, pc.serial)

	if pc.linkQueued {
		c.removeIncomingUnlocked(pc.timeoutMsg)
	} else if pc.link != noLink {
		c.links.release(pc.link)
	}
	pc.link = noLink

	if pc.timeoutAdded {
		pc.timeoutAdded = false
		c.removeTimeoutUnlocked(pc.timeout)
	}
	if pc.timeout != nil {
		pc.timeout.Invalidate()
	}

	pc.log().WithField("state", state).Debug("Pending call completed")

	c.unlock()

	close(pc.done)
	if notify != nil {
		notify(pc)
	}

	// Reference held while attached.
	c.Unref()
	return true
}

// pendingCallTimedOut is the handler of a PendingCall's Timeout.
func (c *Connection) pendingCallTimedOut(pc *PendingCall) {
	c.Ref()
	defer c.Unref()

	c.lock()
	pc.log().Debug("Pending call timed out")

	if !c.completePendingCallAndUnlock(pc, pc.timeoutMsg, PendingStateCompleted) {
		return
	}

	c.lock()
	c.updateDispatchStatusAndUnlock(c.getDispatchStatusUnlocked())
}

// checkForReplyUnlocked removes and returns the reply to a serial from the
// incoming queue.
func (c *Connection) checkForReplyUnlocked(serial uint32) *message.Message {
	c.haveLock()

	i := c.incoming.find(func(msg *message.Message) bool {
		return msg != c.borrowed && msg.ReplySerial == serial &&
			(msg.Type == message.TypeMethodReturn || msg.Type == message.TypeError)
	})
	if i == noLink {
		return nil
	}

	msg := c.incoming.remove(i)
	c.incomingSize -= int64(msg.Size())
	return msg
}

// needMemorySleep scales the back-off while resources are short to the
// remaining timeout.
func needMemorySleep(remaining time.Duration) time.Duration {
	switch {
	case remaining < 0 || remaining > time.Second:
		return time.Second
	case remaining < 100*time.Millisecond:
		return remaining / 10
	default:
		return remaining / 3
	}
}

// blockPendingCall reads and writes until the call completes.
func (c *Connection) blockPendingCall(pc *PendingCall) {
	c.Ref()
	defer c.Unref()

	c.lock()
	c.flushUnlocked()

	for {
		if pc.Completed() {
			c.unlock()
			return
		}

		queued := c.transport.QueueMessages()

		if reply := c.checkForReplyUnlocked(pc.serial); reply != nil {
			c.completePendingCallAndUnlock(pc, reply, PendingStateCompleted)
			break
		}

		if !c.transport.IsConnected() {
			pc.log().Debug("Connection lost while blocking for a reply")
			c.completePendingCallAndUnlock(pc, pc.timeoutMsg, PendingStateCompleted)
			break
		}

		remaining := time.Duration(-1)
		if !pc.deadline.IsZero() {
			if remaining = time.Until(pc.deadline); remaining <= 0 {
				c.completePendingCallAndUnlock(pc, pc.timeoutMsg, PendingStateCompleted)
				break
			}
		}

		if !queued {
			c.unlockRaw()
			time.Sleep(needMemorySleep(remaining))
			c.lock()
			continue
		}

		c.doIterationUnlocked(pc,
			transport.IterationRead|transport.IterationWrite|transport.IterationBlock, remaining)
	}

	c.lock()
	c.updateDispatchStatusAndUnlock(c.getDispatchStatusUnlocked())
}
