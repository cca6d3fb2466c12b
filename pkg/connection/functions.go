// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/transport"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/watch"
)

// SetWatchFunctions hands the Transport's Watches to an event loop. All
// current Watches are added to the new functions and removed from the
// previous ones. False is returned if the new functions rejected a Watch.
//
// The functions must not call back into this Connection.
func (c *Connection) SetWatchFunctions(fns watch.WatchFunctions) (ok bool) {
	if !c.checkGeneration() {
		return false
	}

	c.lock()
	wl := c.stealWatches()
	if wl == nil {
		c.unlock()
		return false
	}

	c.callout(func() { ok = wl.SetFunctions(fns) })
	c.restoreWatches(wl)
	c.unlock()
	return
}

// SetTimeoutFunctions hands the pending calls' Timeouts to an event loop,
// analogous to SetWatchFunctions.
func (c *Connection) SetTimeoutFunctions(fns watch.TimeoutFunctions) (ok bool) {
	if !c.checkGeneration() {
		return false
	}

	c.lock()
	tl := c.stealTimeouts()
	if tl == nil {
		c.unlock()
		return false
	}

	c.callout(func() { ok = tl.SetFunctions(fns) })
	c.restoreTimeouts(tl)
	c.unlock()
	return
}

// SetWakeupMainFunction is called after a message was queued but could not
// be written immediately.
func (c *Connection) SetWakeupMainFunction(fn func()) {
	c.lock()
	c.wakeupMainFunc = fn
	c.unlock()
}

// SetDispatchStatusFunction is called whenever the dispatch status changes.
// It must not dispatch by itself; it should schedule a Dispatch.
func (c *Connection) SetDispatchStatusFunction(fn func(c *Connection, status transport.DispatchStatus)) {
	c.lock()
	c.dispatchStatusFunc = fn
	c.unlock()
}

// SetUnixUserFunction decides whether a peer's user may connect to a
// server side Connection.
func (c *Connection) SetUnixUserFunction(fn func(uid int) bool) {
	c.lock()
	c.transport.SetUnixUserFunction(fn)
	c.unlock()
}
