// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/transport"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/watch"
)

// exit terminates the process for SetExitOnDisconnect.
var exit = os.Exit

// getDispatchStatusUnlocked moves received messages from the Transport into
// the incoming queue. After the Transport is drained and disconnected, the
// Disconnected signal is queued once.
func (c *Connection) getDispatchStatusUnlocked() transport.DispatchStatus {
	c.haveLock()

	if c.incoming.n > 0 {
		return transport.StatusDataRemains
	}

	if !c.transport.QueueMessages() {
		return transport.StatusNeedMemory
	}

	status := c.transport.DispatchStatus()
	if status == transport.StatusComplete && c.disconnectMessage != nil && !c.transport.IsConnected() {
		c.queueDisconnectedUnlocked()
	}

	if status != transport.StatusComplete {
		return status
	}
	if c.incoming.n > 0 {
		return transport.StatusDataRemains
	}
	return transport.StatusComplete
}

// queueDisconnectedUnlocked queues the NoReply errors of all pending calls,
// followed by the Disconnected signal. Outgoing messages are dropped.
func (c *Connection) queueDisconnectedUnlocked() {
	c.haveLock()

	msg := c.disconnectMessage
	c.disconnectMessage = nil

	serials := make([]uint32, 0, len(c.pending))
	for serial := range c.pending {
		serials = append(serials, serial)
	}
	sort.Slice(serials, func(i, j int) bool { return serials[i] < serials[j] })

	for _, serial := range serials {
		pc := c.pending[serial]
		if pc.link == noLink || pc.linkQueued {
			continue
		}

		c.incoming.insertTail(pc.link, pc.timeoutMsg)
		c.incomingSize += int64(pc.timeoutMsg.Size())
		pc.linkQueued = true
	}

	c.incoming.insertTail(c.disconnectLink, msg)
	c.incomingSize += int64(msg.Size())
	c.disconnectLink = noLink

	if dropped := c.outgoing.clear(); len(dropped) > 0 {
		c.log().WithField("messages", len(dropped)).Info("Dropping unsent messages of a disconnected connection")
	}
	c.outgoingSize = 0

	c.log().WithField("pending", len(serials)).Debug("Queued Disconnected signal")

	unregisterSharedUnlocked(c)
}

// updateDispatchStatusAndUnlock releases the connection lock and reports a
// changed dispatch status to the application.
func (c *Connection) updateDispatchStatusAndUnlock(status transport.DispatchStatus) {
	c.haveLock()

	changed := status != c.lastDispatchStatus
	c.lastDispatchStatus = status
	fn := c.dispatchStatusFunc

	atomic.AddInt32(&c.refcount, 1)
	c.unlock()

	if changed && fn != nil {
		fn(c, status)
	}

	c.Unref()
}

// DispatchStatus without dispatching anything.
func (c *Connection) DispatchStatus() transport.DispatchStatus {
	c.lock()
	defer c.unlock()

	return c.getDispatchStatusUnlocked()
}

// Dispatch processes at most one incoming message. A reply resolves its
// PendingCall. Other messages pass the built-in Peer handler, the filters
// and the registered objects until one handles it. Unhandled method calls
// are answered with an UnknownMethod error.
func (c *Connection) Dispatch() transport.DispatchStatus {
	if !c.checkGeneration() {
		return transport.StatusComplete
	}

	c.Ref()
	defer c.Unref()

	c.lock()
	status := c.getDispatchStatusUnlocked()
	if status != transport.StatusDataRemains {
		c.updateDispatchStatusAndUnlock(status)
		return status
	}

	c.acquireDispatch()

	msg := c.popIncomingUnlocked()
	if msg == nil {
		// Someone else dispatched it meanwhile.
		c.releaseDispatch()
		status = c.getDispatchStatusUnlocked()
		c.updateDispatchStatusAndUnlock(status)
		return status
	}

	c.log().WithField("message", msg).Debug("Dispatching message")

	result := c.dispatchMessageUnlocked(msg)

	if result == message.HandlerNeedMemory {
		c.log().WithField("message", msg).Debug("Dispatching needs memory, putting message back")
		c.putbackIncomingUnlocked(msg)
		c.releaseDispatch()
		c.updateDispatchStatusAndUnlock(transport.StatusNeedMemory)
		return transport.StatusNeedMemory
	}

	if c.exitOnDisconnect && msg.IsSignal(message.InterfaceLocal, message.MemberDisconnected) && msg.Path == message.PathLocal {
		c.releaseDispatch()
		c.unlock()

		c.log().Info("Exiting on disconnect")
		exit(1)
		return transport.StatusComplete
	}

	c.releaseDispatch()
	status = c.getDispatchStatusUnlocked()
	c.updateDispatchStatusAndUnlock(status)
	return status
}

// dispatchMessageUnlocked passes one message through the dispatch chain. The
// connection lock is held before and after, but dropped for handlers.
func (c *Connection) dispatchMessageUnlocked(msg *message.Message) message.HandlerResult {
	if msg.ReplySerial != 0 && (msg.Type == message.TypeMethodReturn || msg.Type == message.TypeError) {
		if pc, ok := c.pending[msg.ReplySerial]; ok {
			c.completePendingCallAndUnlock(pc, msg, PendingStateCompleted)
			c.lock()
			return message.HandlerHandled
		}
	}

	if result := c.handlePeerMessageUnlocked(msg); result != message.HandlerNotYetHandled {
		return result
	}

	filters := make([]*Filter, len(c.filters))
	copy(filters, c.filters)
	for _, f := range filters {
		f.ref()
	}

	result := message.HandlerNotYetHandled
	c.callout(func() {
		for _, f := range filters {
			if f.isRemoved() {
				continue
			}
			if result = f.fn(c, msg, f.data); result != message.HandlerNotYetHandled {
				break
			}
		}

		for _, f := range filters {
			f.unref()
		}
	})

	if result != message.HandlerNotYetHandled {
		return result
	}

	result = c.objects.DispatchAndUnlock(c.calloutUnlock, c, msg)
	c.calloutRelock()

	if result != message.HandlerNotYetHandled {
		return result
	}

	if msg.Type == message.TypeMethodCall && !msg.NoReply() {
		reply := message.NewErrorf(msg, message.ErrorUnknownMethod,
			"Method %q with signature %q on interface %q doesn't exist",
			msg.Member, msg.Signature, msg.Interface)
		c.sendUnlockedNoUpdate(reply)
		return message.HandlerHandled
	}

	return result
}

// handleWatch is invoked by the Transport's Watches.
func (c *Connection) handleWatch(w *watch.Watch, flags watch.Flags) bool {
	c.Ref()
	defer c.Unref()

	c.lock()

	if !c.acquireIOPath(-1, nil) {
		c.unlock()
		return false
	}
	ok := c.transport.HandleWatch(w, flags)
	c.releaseIOPath()

	c.updateDispatchStatusAndUnlock(c.getDispatchStatusUnlocked())
	return ok
}

// BorrowMessage returns the next incoming message without removing it. It
// must be handed back with ReturnMessage or StealBorrowedMessage; nothing is
// dispatched meanwhile.
func (c *Connection) BorrowMessage() *message.Message {
	if !c.checkGeneration() {
		return nil
	}

	c.lock()
	status := c.getDispatchStatusUnlocked()
	if status != transport.StatusDataRemains {
		c.updateDispatchStatusAndUnlock(status)
		return nil
	}

	c.acquireDispatch()
	assertf(c.borrowed == nil, "a message is already borrowed")

	msg := c.incoming.peekHead()
	if msg == nil {
		c.releaseDispatch()
		c.updateDispatchStatusAndUnlock(c.getDispatchStatusUnlocked())
		return nil
	}

	c.borrowed = msg
	c.unlock()
	return msg
}

// ReturnMessage hands a borrowed message back to the incoming queue.
func (c *Connection) ReturnMessage(msg *message.Message) {
	c.lock()
	if !checkf(msg != nil && msg == c.borrowed, "returning a message which was not borrowed") {
		c.unlock()
		return
	}

	c.borrowed = nil
	c.releaseDispatch()
	c.updateDispatchStatusAndUnlock(c.getDispatchStatusUnlocked())
}

// StealBorrowedMessage removes a borrowed message from the incoming queue.
func (c *Connection) StealBorrowedMessage(msg *message.Message) {
	c.lock()
	if !checkf(msg != nil && msg == c.borrowed, "stealing a message which was not borrowed") {
		c.unlock()
		return
	}

	popped := c.popIncomingUnlocked()
	assertf(popped == msg, "borrowed message is not the queue's head")

	c.borrowed = nil
	c.releaseDispatch()
	c.updateDispatchStatusAndUnlock(c.getDispatchStatusUnlocked())
}

// PopMessage removes the next incoming message without dispatching it.
func (c *Connection) PopMessage() *message.Message {
	if !c.checkGeneration() {
		return nil
	}

	c.lock()
	status := c.getDispatchStatusUnlocked()
	if status != transport.StatusDataRemains {
		c.updateDispatchStatusAndUnlock(status)
		return nil
	}

	c.acquireDispatch()
	msg := c.popIncomingUnlocked()
	c.releaseDispatch()

	c.updateDispatchStatusAndUnlock(c.getDispatchStatusUnlocked())
	return msg
}

// ReadWrite blocks up to timeout for reading or writing. A negative timeout
// blocks until something happens. False is returned once the connection is
// disconnected.
func (c *Connection) ReadWrite(timeout time.Duration) bool {
	return c.readWriteDispatch(timeout, false)
}

// ReadWriteDispatch dispatches one message if possible, or blocks up to
// timeout for reading or writing otherwise. False is returned after the
// Disconnected signal was dispatched.
func (c *Connection) ReadWriteDispatch(timeout time.Duration) bool {
	return c.readWriteDispatch(timeout, true)
}

func (c *Connection) readWriteDispatch(timeout time.Duration, dispatch bool) bool {
	if !c.checkGeneration() {
		return false
	}

	c.Ref()
	defer c.Unref()

	c.lock()
	status := c.getDispatchStatusUnlocked()

	switch {
	case dispatch && status == transport.StatusDataRemains:
		c.unlock()
		c.Dispatch()
		c.lock()

	case status == transport.StatusNeedMemory:
		c.unlockRaw()
		time.Sleep(needMemorySleep(timeout))
		c.lock()

	default:
		c.doIterationUnlocked(nil,
			transport.IterationRead|transport.IterationWrite|transport.IterationBlock, timeout)
	}

	var progress bool
	if dispatch {
		progress = c.incoming.n > 0 || c.disconnectMessage != nil
	} else {
		progress = c.transport.IsConnected()
	}

	c.updateDispatchStatusAndUnlock(c.getDispatchStatusUnlocked())
	return progress
}
