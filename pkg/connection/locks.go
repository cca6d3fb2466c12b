// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"time"
)

// acquireDispatch waits until no one else dispatches. The connection lock
// must be held; it is dropped while waiting.
func (c *Connection) acquireDispatch() {
	c.calloutUnlock()

	c.dispatchMutex.Lock()
	for c.dispatchAcquired {
		c.dispatchCond.Wait()
	}
	c.dispatchAcquired = true
	c.dispatchMutex.Unlock()

	c.calloutRelock()
}

// releaseDispatch wakes exactly one waiting dispatcher.
func (c *Connection) releaseDispatch() {
	c.dispatchMutex.Lock()
	assertf(c.dispatchAcquired, "releasing an unacquired dispatch lock")
	c.dispatchAcquired = false
	c.dispatchCond.Signal()
	c.dispatchMutex.Unlock()
}

// acquireIOPath tries to get exclusive access to the Transport. A zero
// timeout does not wait at all, a negative one waits forever. Waiting also
// ends when cancel is closed. The connection lock must be held; it is
// dropped while waiting.
func (c *Connection) acquireIOPath(timeout time.Duration, cancel <-chan struct{}) bool {
	c.haveLock()

	select {
	case c.ioPath <- struct{}{}:
		return true
	default:
	}

	if timeout == 0 {
		return false
	}

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	c.calloutUnlock()
	defer c.calloutRelock()

	select {
	case c.ioPath <- struct{}{}:
		return true
	case <-timer:
		return false
	case <-cancel:
		return false
	}
}

// releaseIOPath hands the Transport over to one waiting goroutine.
func (c *Connection) releaseIOPath() {
	select {
	case <-c.ioPath:
	default:
		assertf(false, "releasing an unacquired I/O path")
	}
}
