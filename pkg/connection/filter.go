// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"sync/atomic"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
)

// FilterFunc inspects every dispatched message which is no awaited reply.
type FilterFunc func(c *Connection, msg *message.Message, data interface{}) message.HandlerResult

// Filter is a registered FilterFunc. Its data is freed after the Filter was
// removed and no dispatch uses it anymore.
type Filter struct {
	fn   FilterFunc
	data interface{}
	free func(data interface{})

	refs    int32
	removed int32
}

func (f *Filter) ref() {
	atomic.AddInt32(&f.refs, 1)
}

func (f *Filter) unref() {
	if atomic.AddInt32(&f.refs, -1) == 0 && f.free != nil {
		f.free(f.data)
	}
}

func (f *Filter) isRemoved() bool {
	return atomic.LoadInt32(&f.removed) != 0
}

// AddFilter appends a FilterFunc. Filters run in the order they were added.
func (c *Connection) AddFilter(fn FilterFunc, data interface{}, free func(data interface{})) *Filter {
	f := &Filter{fn: fn, data: data, free: free, refs: 1}

	c.lock()
	c.filters = append(c.filters, f)
	c.unlock()

	return f
}

// RemoveFilter removes a Filter. A dispatch which is currently running will
// not call it anymore.
func (c *Connection) RemoveFilter(f *Filter) {
	c.lock()

	found := false
	for i, x := range c.filters {
		if x == f {
			c.filters = append(c.filters[:i], c.filters[i+1:]...)
			found = true
			break
		}
	}
	c.unlock()

	if !checkf(found, "removing a filter which was never added") {
		return
	}

	atomic.StoreInt32(&f.removed, 1)
	f.unref()
}
