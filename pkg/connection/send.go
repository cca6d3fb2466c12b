// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/transport"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/watch"
)

// PreallocatedSend reserves the resources to queue one message, such that
// sending it later cannot fail.
type PreallocatedSend struct {
	conn *Connection
	link int32
}

// PreallocateSend reserves the resources for one message.
func (c *Connection) PreallocateSend() *PreallocatedSend {
	c.lock()
	defer c.unlock()

	return &PreallocatedSend{conn: c, link: c.links.alloc()}
}

// FreePreallocatedSend releases unused reserved resources.
func (c *Connection) FreePreallocatedSend(p *PreallocatedSend) {
	if !checkf(p.conn == c, "preallocated send belongs to another connection") {
		return
	}

	c.lock()
	if checkf(p.link != noLink, "preallocated send was already used") {
		c.links.release(p.link)
		p.link = noLink
	}
	c.unlock()
}

// SendPreallocated queues a message within reserved resources and returns
// its serial.
func (c *Connection) SendPreallocated(p *PreallocatedSend, msg *message.Message) uint32 {
	if !c.checkGeneration() || !checkf(p.conn == c, "preallocated send belongs to another connection") {
		return 0
	}

	c.lock()
	if !checkf(p.link != noLink, "preallocated send was already used") {
		c.unlock()
		return 0
	}

	link := p.link
	p.link = noLink
	return c.sendPreallocatedAndUnlock(link, msg)
}

// Send queues a message and returns its serial. The message is written as
// soon as possible; use Flush to wait for it.
func (c *Connection) Send(msg *message.Message) uint32 {
	if !c.checkGeneration() {
		return 0
	}

	c.lock()
	return c.sendPreallocatedAndUnlock(c.links.alloc(), msg)
}

func (c *Connection) sendPreallocatedAndUnlock(link int32, msg *message.Message) uint32 {
	serial := c.sendPreallocatedUnlockedNoUpdate(link, msg)

	c.doIterationUnlocked(nil, transport.IterationWrite, 0)

	wakeup := c.wakeupMainFunc
	if c.outgoing.n == 0 {
		wakeup = nil
	}

	c.updateDispatchStatusAndUnlock(c.getDispatchStatusUnlocked())

	if wakeup != nil {
		wakeup()
	}
	return serial
}

// sendUnlockedNoUpdate queues a message without writing it.
func (c *Connection) sendUnlockedNoUpdate(msg *message.Message) uint32 {
	return c.sendPreallocatedUnlockedNoUpdate(c.links.alloc(), msg)
}

func (c *Connection) nextSerialUnlocked() uint32 {
	c.serial++
	if c.serial == 0 {
		c.serial++
	}
	return c.serial
}

func (c *Connection) sendPreallocatedUnlockedNoUpdate(link int32, msg *message.Message) uint32 {
	c.haveLock()

	if msg.Serial == 0 {
		assertf(!msg.Locked(), "cannot assign a serial to a locked message")
		msg.Serial = c.nextSerialUnlocked()
	}
	msg.Lock()

	if c.disconnectMessage == nil {
		// Dead connection; nothing is written anymore.
		c.links.release(link)
		c.log().WithField("message", msg).Debug("Dropping message for a disconnected connection")
		return msg.Serial
	}

	c.outgoing.insertHead(link, msg)
	c.outgoingSize += int64(msg.Size())

	c.log().WithFields(log.Fields{
		"message":  msg,
		"outgoing": c.outgoing.n,
	}).Debug("Message queued")

	c.transport.MessagesPending(c.outgoing.n)
	return msg.Serial
}

// doIterationUnlocked runs one Transport iteration within the I/O path.
// For a pending call, the iteration is skipped once it completed.
func (c *Connection) doIterationUnlocked(pc *PendingCall, flags transport.IterationFlags, timeout time.Duration) {
	c.haveLock()

	var cancel <-chan struct{}
	if pc != nil {
		cancel = pc.done
	}

	wait := time.Duration(0)
	if flags.Has(transport.IterationBlock) {
		wait = timeout
	}

	if !c.acquireIOPath(wait, cancel) {
		return
	}

	if pc == nil || !pc.Completed() {
		c.transport.DoIteration(flags, timeout)
	}

	c.releaseIOPath()
}

// flushUnlocked blocks until all outgoing messages are written or the
// connection is lost. At least one blocking write iteration runs, as the
// Transport might still be writing previously queued messages.
func (c *Connection) flushUnlocked() transport.DispatchStatus {
	c.haveLock()

	for c.transport.IsConnected() {
		if c.acquireIOPath(-1, nil) {
			flags := transport.IterationWrite | transport.IterationBlock
			if c.outgoing.n > 0 {
				flags |= transport.IterationRead
			}
			c.transport.DoIteration(flags, -1)
			c.releaseIOPath()
		}

		if c.outgoing.n == 0 {
			break
		}
	}
	return c.getDispatchStatusUnlocked()
}

// Flush blocks until all queued messages are written.
func (c *Connection) Flush() {
	if !c.checkGeneration() {
		return
	}

	c.lock()
	c.updateDispatchStatusAndUnlock(c.flushUnlocked())
}

// SendWithReply sends a method call and returns a PendingCall for its reply.
// A call without a reply within timeout completes with a NoReply error. On a
// disconnected Connection, the returned call has already completed that way.
func (c *Connection) SendWithReply(msg *message.Message, timeout time.Duration) (*PendingCall, error) {
	if !c.checkGeneration() {
		return nil, ErrDisconnected
	}
	if msg.Type != message.TypeMethodCall {
		return nil, ErrNotMethodCall
	}

	if timeout == TimeoutUseDefault {
		timeout = DefaultTimeout
	}

	c.lock()

	if msg.Serial == 0 {
		assertf(!msg.Locked(), "cannot assign a serial to a locked message")
		msg.Serial = c.nextSerialUnlocked()
	}

	pc := &PendingCall{
		owner:  c,
		serial: msg.Serial,
		conn:   c,
		link:   noLink,
		done:   make(chan struct{}),
	}

	pc.timeoutMsg = message.NewError(msg, message.ErrorNoReply,
		"Did not receive a reply. Possible causes include: the remote application did not send a reply, "+
			"the message bus security policy blocked the reply, the reply timeout expired, or the network "+
			"connection was broken.")
	pc.timeoutMsg.Lock()

	if !c.transport.IsConnected() {
		// Nothing is written anymore, so the call is already over.
		msg.Lock()
		pc.conn, pc.state, pc.reply = nil, PendingStateCompleted, pc.timeoutMsg
		close(pc.done)

		c.unlock()
		pc.log().Debug("Method call on a disconnected connection completed without reply")
		return pc, nil
	}

	pc.link = c.links.alloc()

	if timeout != TimeoutInfinite {
		pc.deadline = time.Now().Add(timeout)
		pc.timeout = watch.NewTimeout(timeout, func() bool {
			c.pendingCallTimedOut(pc)
			return true
		})
	}

	link := c.links.alloc()
	if !c.attachPendingCallUnlocked(pc) {
		c.links.release(link)
		c.links.release(pc.link)
		pc.link = noLink
		c.unlock()
		return nil, ErrNoMemory
	}

	c.sendPreallocatedAndUnlock(link, msg)
	return pc, nil
}

// SendWithReplyAndBlock sends a method call and blocks for its reply. Error
// replies are returned as a *message.Error.
func (c *Connection) SendWithReplyAndBlock(msg *message.Message, timeout time.Duration) (*message.Message, error) {
	pc, err := c.SendWithReply(msg, timeout)
	if err != nil {
		return nil, err
	}

	pc.Block()

	reply := pc.StealReply()
	if reply == nil {
		return nil, ErrDisconnected
	}
	if errReply := message.ErrorFromMessage(reply); errReply != nil {
		return nil, errReply
	}
	return reply, nil
}
