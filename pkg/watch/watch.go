// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package watch

import (
	"fmt"
	"strings"
	"sync"
)

// Flags describe conditions of an I/O source.
type Flags uint

const (
	// Readable data is available.
	Readable Flags = 1 << iota

	// Writable without blocking.
	Writable

	// Error occurred on the source. Always watched for.
	Error

	// Hangup by the peer. Always watched for.
	Hangup
)

// Has returns true if a given flag or mask of flags is set.
func (f Flags) Has(flag Flags) bool {
	return (f & flag) != 0
}

func (f Flags) String() string {
	var fields []string

	names := []struct {
		flag Flags
		name string
	}{{Readable, "readable"}, {Writable, "writable"}, {Error, "error"}, {Hangup, "hangup"}}
	for _, n := range names {
		if f.Has(n.flag) {
			fields = append(fields, n.name)
		}
	}

	return strings.Join(fields, "|")
}

// HandlerFunc processes a Watch's condition. False indicates a lack of
// resources; the event loop should retry later.
type HandlerFunc func(flags Flags) bool

// ReadyFunc returns a channel which is closed as soon as the Watch's source
// is ready. It is queried again after each event.
type ReadyFunc func() <-chan struct{}

// Watch is an interest in an I/O source.
type Watch struct {
	name  string
	flags Flags
	ready ReadyFunc

	mutex    sync.Mutex
	enabled  bool
	handler  HandlerFunc
	data     interface{}
	freeData func(interface{})
}

// NewWatch for an I/O source, identified by its name. The handler is called
// by the event loop after the ready channel fired.
func NewWatch(name string, flags Flags, enabled bool, ready ReadyFunc, handler HandlerFunc) *Watch {
	return &Watch{
		name:    name,
		flags:   flags,
		ready:   ready,
		enabled: enabled,
		handler: handler,
	}
}

// Flags this Watch is interested in.
func (w *Watch) Flags() Flags {
	return w.flags
}

// Enabled reports if this Watch should currently be polled.
func (w *Watch) Enabled() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.enabled
}

func (w *Watch) setEnabled(enabled bool) (changed bool) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	changed = w.enabled != enabled
	w.enabled = enabled
	return
}

// Ready returns a channel which will be closed when the source is ready.
func (w *Watch) Ready() <-chan struct{} {
	return w.ready()
}

// Handle should be called by the event loop after the source became ready.
// An invalidated Watch reports success without doing anything.
func (w *Watch) Handle(flags Flags) bool {
	w.mutex.Lock()
	handler := w.handler
	w.mutex.Unlock()

	if handler == nil {
		return true
	}
	return handler(flags)
}

// Invalidate this Watch. Later calls of Handle become no-ops.
func (w *Watch) Invalidate() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.handler = nil
}

// Data returns the application's payload.
func (w *Watch) Data() interface{} {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.data
}

// SetData replaces the application's payload. A previous payload is passed
// to its free function.
func (w *Watch) SetData(data interface{}, free func(interface{})) {
	w.mutex.Lock()
	oldData, oldFree := w.data, w.freeData
	w.data, w.freeData = data, free
	w.mutex.Unlock()

	if oldFree != nil {
		oldFree(oldData)
	}
}

func (w *Watch) String() string {
	return fmt.Sprintf("Watch(%s,%v,enabled=%t)", w.name, w.flags, w.Enabled())
}
