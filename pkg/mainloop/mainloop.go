// SPDX-FileCopyrightText: 2019, 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package mainloop provides an event loop driving Connections.
//
// A Loop installs itself as the watch, timeout, wakeup and dispatch status
// functions of every attached Connection. Run waits for any Watch to become
// ready or any Timeout to expire, handles it and dispatches all attached
// Connections afterwards.
package mainloop

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/connection"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/transport"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/watch"
)

// needMemoryRetry delays the next dispatch after a lack of resources.
const needMemoryRetry = 10 * time.Millisecond

var (
	// ErrAttached is returned if a Connection is already attached.
	ErrAttached = errors.New("connection is already attached")

	// ErrClosed is returned after the Loop was closed.
	ErrClosed = errors.New("main loop is closed")

	// ErrRejected is returned if a Connection rejected the Loop's functions.
	ErrRejected = errors.New("connection rejected the main loop's functions")
)

var loopIDs uint64

// Loop is an event loop for any number of Connections.
type Loop struct {
	id uint64

	mutex    sync.Mutex
	conns    map[*connection.Connection]struct{}
	watches  []*watch.Watch
	timeouts map[*watch.Timeout]*time.Timer
	expired  []*watch.Timeout
	running  bool
	closed   bool

	wake    chan struct{}
	stopSyn chan struct{}
	stopAck chan struct{}
}

// New creates a Loop. It does nothing until Run is called.
func New() *Loop {
	return &Loop{
		id: atomic.AddUint64(&loopIDs, 1),

		conns:    make(map[*connection.Connection]struct{}),
		timeouts: make(map[*watch.Timeout]*time.Timer),

		wake:    make(chan struct{}, 1),
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
}

func (l *Loop) log() *log.Entry {
	return log.WithField("mainloop", l.id)
}

// wakeup the Loop's goroutine. Never blocks.
func (l *Loop) wakeup() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Attach a Connection. The Loop holds a reference until it is detached.
func (l *Loop) Attach(c *connection.Connection) error {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return ErrClosed
	}
	if _, exists := l.conns[c]; exists {
		l.mutex.Unlock()
		return ErrAttached
	}
	l.conns[c] = struct{}{}
	l.mutex.Unlock()

	c.Ref()

	okWatches := c.SetWatchFunctions(watch.WatchFunctions{
		Add:     l.addWatch,
		Remove:  l.removeWatch,
		Toggled: l.toggleWatch,
	})
	okTimeouts := c.SetTimeoutFunctions(watch.TimeoutFunctions{
		Add:     l.addTimeout,
		Remove:  l.removeTimeout,
		Toggled: l.toggleTimeout,
	})
	if !okWatches || !okTimeouts {
		l.Detach(c)
		return ErrRejected
	}

	c.SetWakeupMainFunction(l.wakeup)
	c.SetDispatchStatusFunction(func(_ *connection.Connection, _ transport.DispatchStatus) {
		l.wakeup()
	})

	l.log().WithField("connection", c).Info("Attached connection")

	l.wakeup()
	return nil
}

// Detach a Connection and drop the Loop's reference.
func (l *Loop) Detach(c *connection.Connection) {
	l.mutex.Lock()
	if _, exists := l.conns[c]; !exists {
		l.mutex.Unlock()
		return
	}
	delete(l.conns, c)
	l.mutex.Unlock()

	c.SetDispatchStatusFunction(nil)
	c.SetWakeupMainFunction(nil)
	c.SetWatchFunctions(watch.WatchFunctions{})
	c.SetTimeoutFunctions(watch.TimeoutFunctions{})

	l.log().WithField("connection", c).Info("Detached connection")

	c.Unref()
}

func (l *Loop) addWatch(w *watch.Watch) bool {
	l.mutex.Lock()
	l.watches = append(l.watches, w)
	l.mutex.Unlock()

	l.wakeup()
	return true
}

func (l *Loop) removeWatch(w *watch.Watch) {
	l.mutex.Lock()
	for i, x := range l.watches {
		if x == w {
			l.watches = append(l.watches[:i], l.watches[i+1:]...)
			break
		}
	}
	l.mutex.Unlock()

	l.wakeup()
}

func (l *Loop) toggleWatch(*watch.Watch) {
	l.wakeup()
}

func (l *Loop) addTimeout(t *watch.Timeout) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.timeouts[t] = nil
	l.scheduleLocked(t)
	return true
}

func (l *Loop) removeTimeout(t *watch.Timeout) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if timer := l.timeouts[t]; timer != nil {
		timer.Stop()
	}
	delete(l.timeouts, t)
}

func (l *Loop) toggleTimeout(t *watch.Timeout) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if _, exists := l.timeouts[t]; exists {
		l.scheduleLocked(t)
	}
}

// scheduleLocked (re)starts the timer of an enabled Timeout.
func (l *Loop) scheduleLocked(t *watch.Timeout) {
	if timer := l.timeouts[t]; timer != nil {
		timer.Stop()
	}

	if !t.Enabled() {
		l.timeouts[t] = nil
		return
	}

	// The callback needs the Loop's mutex, so timer is assigned before it runs.
	var timer *time.Timer
	timer = time.AfterFunc(t.Interval(), func() {
		l.mutex.Lock()
		if l.timeouts[t] == timer {
			l.expired = append(l.expired, t)
		}
		l.mutex.Unlock()

		l.wakeup()
	})
	l.timeouts[t] = timer
}

// handleExpired calls the handlers of expired Timeouts and reschedules the
// ones still registered.
func (l *Loop) handleExpired() {
	l.mutex.Lock()
	expired := l.expired
	l.expired = nil
	l.mutex.Unlock()

	for _, t := range expired {
		if !t.Handle() {
			l.log().WithField("timeout", t).Debug("Timeout handler lacks resources")
		}

		l.mutex.Lock()
		if _, exists := l.timeouts[t]; exists {
			l.scheduleLocked(t)
		}
		l.mutex.Unlock()
	}
}

// dispatchAll dispatches every attached Connection until no data remains.
func (l *Loop) dispatchAll() {
	l.mutex.Lock()
	conns := make([]*connection.Connection, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c.Ref())
	}
	l.mutex.Unlock()

	for _, c := range conns {
		status := c.Dispatch()
		for status == transport.StatusDataRemains {
			status = c.Dispatch()
		}

		if status == transport.StatusNeedMemory {
			time.AfterFunc(needMemoryRetry, l.wakeup)
		}
		c.Unref()
	}
}

func (l *Loop) enabledWatches() []*watch.Watch {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	watches := make([]*watch.Watch, 0, len(l.watches))
	for _, w := range l.watches {
		if w.Enabled() {
			watches = append(watches, w)
		}
	}
	return watches
}

// Run the Loop until Close is called.
func (l *Loop) Run() {
	l.mutex.Lock()
	if l.running || l.closed {
		l.mutex.Unlock()
		return
	}
	l.running = true
	l.mutex.Unlock()

	defer close(l.stopAck)

	l.log().Debug("Main loop started")

	for {
		l.handleExpired()
		l.dispatchAll()

		watches := l.enabledWatches()
		cases := make([]reflect.SelectCase, 0, 2+len(watches))
		cases = append(cases,
			reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(l.stopSyn)},
			reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(l.wake)})
		for _, w := range watches {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(w.Ready())})
		}

		switch chosen, _, _ := reflect.Select(cases); chosen {
		case 0:
			l.log().Debug("Main loop stopped")
			return

		case 1:
			continue

		default:
			w := watches[chosen-2]
			if !w.Handle(w.Flags()) {
				l.log().WithField("watch", w).Debug("Watch handler lacks resources")
			}
		}
	}
}

// Close stops a running Loop and detaches all Connections.
func (l *Loop) Close() {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return
	}
	l.closed = true
	running := l.running

	conns := make([]*connection.Connection, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mutex.Unlock()

	close(l.stopSyn)
	if running {
		<-l.stopAck
	}

	for _, c := range conns {
		l.Detach(c)
	}

	l.mutex.Lock()
	for t, timer := range l.timeouts {
		if timer != nil {
			timer.Stop()
		}
		delete(l.timeouts, t)
	}
	l.mutex.Unlock()
}
