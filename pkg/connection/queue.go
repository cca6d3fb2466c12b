// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	log "github.com/sirupsen/logrus"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/watch"
)

// queue is the Connection as seen by its Transport. Except for Lock, every
// method expects the connection lock to be held.
type queue struct {
	c *Connection
}

func (q queue) Lock()               { q.c.lock() }
func (q queue) Unlock()             { q.c.unlockRaw() }
func (q queue) Callout(fn func())   { q.c.callout(fn) }
func (q queue) IncomingSize() int64 { return q.c.incomingSize }

func (q queue) HasMessagesToSend() bool {
	q.c.haveLock()
	return q.c.outgoing.n > 0
}

// MessageToSend is the oldest queued outgoing message.
func (q queue) MessageToSend() *message.Message {
	q.c.haveLock()
	return q.c.outgoing.peekTail()
}

func (q queue) MessageSent(msg *message.Message) {
	q.c.messageSentUnlocked(msg)
}

func (q queue) QueueReceived(msg *message.Message) {
	q.c.queueReceivedUnlocked(msg)
}

func (q queue) AddWatch(w *watch.Watch) bool {
	return q.c.addWatchUnlocked(w)
}

func (q queue) RemoveWatch(w *watch.Watch) {
	q.c.removeWatchUnlocked(w)
}

func (q queue) ToggleWatch(w *watch.Watch, enabled bool) {
	q.c.toggleWatchUnlocked(w, enabled)
}

func (c *Connection) messageSentUnlocked(msg *message.Message) {
	c.haveLock()

	if c.outgoing.peekTail() != msg {
		// Outgoing messages were dropped meanwhile, e.g., by a disconnect.
		c.log().WithField("message", msg).Debug("Sent message is not queued anymore")
		return
	}

	c.outgoing.popTail()
	c.outgoingSize -= int64(msg.Size())

	c.log().WithField("message", msg).Debug("Message sent")
}

func (c *Connection) queueReceivedUnlocked(msg *message.Message) {
	c.haveLock()

	c.incoming.insertTail(c.links.alloc(), msg)
	c.incomingSize += int64(msg.Size())

	c.log().WithFields(log.Fields{
		"message":  msg,
		"incoming": c.incoming.n,
	}).Debug("Message received")
}

// popIncomingUnlocked removes the oldest incoming message.
func (c *Connection) popIncomingUnlocked() *message.Message {
	msg := c.incoming.popHead()
	if msg != nil {
		c.incomingSize -= int64(msg.Size())
	}
	return msg
}

// putbackIncomingUnlocked returns a message to the head of the incoming queue.
func (c *Connection) putbackIncomingUnlocked(msg *message.Message) {
	c.incoming.insertHead(c.links.alloc(), msg)
	c.incomingSize += int64(msg.Size())
}

// removeIncomingUnlocked removes a message from anywhere in the incoming
// queue, unless it is currently borrowed.
func (c *Connection) removeIncomingUnlocked(msg *message.Message) bool {
	if msg == c.borrowed {
		return false
	}

	i := c.incoming.find(func(m *message.Message) bool { return m == msg })
	if i == noLink {
		return false
	}

	c.incoming.remove(i)
	c.incomingSize -= int64(msg.Size())
	return true
}

// stealWatches takes the WatchList out of the Connection while the
// application's functions run. Concurrent users wait until it is restored.
func (c *Connection) stealWatches() *watch.WatchList {
	for c.watches == nil && !c.freed {
		c.held = false
		c.registryCond.Wait()
		c.held = true
	}

	wl := c.watches
	c.watches = nil
	return wl
}

func (c *Connection) restoreWatches(wl *watch.WatchList) {
	c.watches = wl
	c.registryCond.Broadcast()
}

func (c *Connection) stealTimeouts() *watch.TimeoutList {
	for c.timeouts == nil && !c.freed {
		c.held = false
		c.registryCond.Wait()
		c.held = true
	}

	tl := c.timeouts
	c.timeouts = nil
	return tl
}

func (c *Connection) restoreTimeouts(tl *watch.TimeoutList) {
	c.timeouts = tl
	c.registryCond.Broadcast()
}

func (c *Connection) addWatchUnlocked(w *watch.Watch) (ok bool) {
	c.haveLock()

	wl := c.stealWatches()
	if wl == nil {
		return false
	}

	c.callout(func() { ok = wl.Add(w) })
	c.restoreWatches(wl)
	return
}

func (c *Connection) removeWatchUnlocked(w *watch.Watch) {
	c.haveLock()

	wl := c.stealWatches()
	if wl == nil {
		return
	}

	c.callout(func() { wl.Remove(w) })
	c.restoreWatches(wl)
}

func (c *Connection) toggleWatchUnlocked(w *watch.Watch, enabled bool) {
	c.haveLock()

	wl := c.stealWatches()
	if wl == nil {
		return
	}

	c.callout(func() { wl.Toggle(w, enabled) })
	c.restoreWatches(wl)
}

func (c *Connection) addTimeoutUnlocked(t *watch.Timeout) (ok bool) {
	c.haveLock()

	tl := c.stealTimeouts()
	if tl == nil {
		return false
	}

	c.callout(func() { ok = tl.Add(t) })
	c.restoreTimeouts(tl)
	return
}

func (c *Connection) removeTimeoutUnlocked(t *watch.Timeout) {
	c.haveLock()

	tl := c.stealTimeouts()
	if tl == nil {
		return
	}

	c.callout(func() { tl.Remove(t) })
	c.restoreTimeouts(tl)
}
