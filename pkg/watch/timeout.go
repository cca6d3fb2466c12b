// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package watch

import (
	"fmt"
	"sync"
	"time"
)

// Timeout is an interest in a repeating timer.
type Timeout struct {
	mutex    sync.Mutex
	interval time.Duration
	enabled  bool
	handler  func() bool
	data     interface{}
	freeData func(interface{})
}

// NewTimeout which fires every interval. The handler's false return value
// indicates a lack of resources.
func NewTimeout(interval time.Duration, handler func() bool) *Timeout {
	return &Timeout{
		interval: interval,
		enabled:  true,
		handler:  handler,
	}
}

// Interval between two firings.
func (t *Timeout) Interval() time.Duration {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.interval
}

// Restart with a new interval. The owning list's toggle function must be
// informed afterwards.
func (t *Timeout) Restart(interval time.Duration) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.interval = interval
	t.enabled = true
}

// Enabled reports if this Timeout should currently be scheduled.
func (t *Timeout) Enabled() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.enabled
}

func (t *Timeout) setEnabled(enabled bool) (changed bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	changed = t.enabled != enabled
	t.enabled = enabled
	return
}

// Handle should be called by the event loop when the interval elapsed.
func (t *Timeout) Handle() bool {
	t.mutex.Lock()
	handler := t.handler
	t.mutex.Unlock()

	if handler == nil {
		return true
	}
	return handler()
}

// Invalidate this Timeout. Later calls of Handle become no-ops.
func (t *Timeout) Invalidate() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.handler = nil
}

// Data returns the application's payload.
func (t *Timeout) Data() interface{} {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.data
}

// SetData replaces the application's payload. A previous payload is passed
// to its free function.
func (t *Timeout) SetData(data interface{}, free func(interface{})) {
	t.mutex.Lock()
	oldData, oldFree := t.data, t.freeData
	t.data, t.freeData = data, free
	t.mutex.Unlock()

	if oldFree != nil {
		oldFree(oldData)
	}
}

func (t *Timeout) String() string {
	return fmt.Sprintf("Timeout(%v,enabled=%t)", t.Interval(), t.Enabled())
}
