// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/objtree"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/transport"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/watch"
)

const (
	// TimeoutUseDefault selects DefaultTimeout for a method call.
	TimeoutUseDefault time.Duration = -1

	// TimeoutInfinite never times a method call out.
	TimeoutInfinite time.Duration = 1<<63 - 1

	// DefaultTimeout for method calls.
	DefaultTimeout = 25 * time.Second
)

var (
	// ErrDisconnected is returned for operations on a disconnected Connection.
	ErrDisconnected = &message.Error{Name: message.ErrorDisconnected, Message: "Connection is closed"}

	// ErrNoMemory is returned if some resource could not be allocated.
	ErrNoMemory = &message.Error{Name: message.ErrorNoMemory, Message: "Not enough memory"}

	// ErrNotMethodCall is returned when expecting a reply for anything else.
	ErrNotMethodCall = errors.New("only method calls can expect a reply")
)

var connectionIDs uint64

// Connection to a single peer over a Transport.
type Connection struct {
	id         uint64
	refcount   int32
	generation uint64

	mutex           sync.Mutex
	held            bool
	teardownPending bool
	freed           bool

	dispatchMutex    sync.Mutex
	dispatchCond     *sync.Cond
	dispatchAcquired bool

	ioPath chan struct{}

	registryCond *sync.Cond

	transport transport.Transport

	links        linkArena
	outgoing     messageList
	incoming     messageList
	outgoingSize int64
	incomingSize int64

	watches  *watch.WatchList
	timeouts *watch.TimeoutList

	filters  []*Filter
	pending  map[uint32]*PendingCall
	serial   uint32
	borrowed *message.Message

	disconnectMessage *message.Message
	disconnectLink    int32

	lastDispatchStatus transport.DispatchStatus
	dispatchStatusFunc func(c *Connection, status transport.DispatchStatus)
	wakeupMainFunc     func()

	shared            bool
	registered        bool
	exitOnDisconnect  bool
	routePeerMessages bool

	objects *objtree.Tree
	slots   []slotEntry
}

// New creates a Connection on top of a connected Transport. The returned
// Connection holds one reference.
func New(t transport.Transport) (*Connection, error) {
	c := &Connection{
		id:         atomic.AddUint64(&connectionIDs, 1),
		refcount:   1,
		generation: currentGeneration(),

		ioPath: make(chan struct{}, 1),

		transport: t,

		watches:  watch.NewWatchList(),
		timeouts: watch.NewTimeoutList(),

		pending: make(map[uint32]*PendingCall),

		lastDispatchStatus: transport.StatusComplete,

		objects: objtree.NewTree(),
	}

	c.dispatchCond = sync.NewCond(&c.dispatchMutex)
	c.registryCond = sync.NewCond(&c.mutex)
	c.outgoing = newMessageList(&c.links)
	c.incoming = newMessageList(&c.links)

	c.disconnectMessage = message.NewSignal(message.PathLocal, message.InterfaceLocal, message.MemberDisconnected)
	c.disconnectMessage.Lock()
	c.disconnectLink = c.links.alloc()

	c.lock()
	ok := t.Attach(queue{c}, c.handleWatch)
	c.unlock()

	if !ok {
		t.Disconnect()
		return nil, ErrNoMemory
	}

	c.log().WithField("transport", t).Debug("Created connection")
	return c, nil
}

func (c *Connection) log() *log.Entry {
	return log.WithFields(log.Fields{
		"connection": c.id,
		"transport":  c.transport,
	})
}

func (c *Connection) String() string {
	return c.transport.String()
}

// ID is a process-unique number of this Connection.
func (c *Connection) ID() uint64 {
	return c.id
}

func (c *Connection) lock() {
	c.mutex.Lock()
	c.held = true
}

// unlockRaw releases the connection lock without any further processing.
func (c *Connection) unlockRaw() {
	c.haveLock()
	c.held = false
	c.mutex.Unlock()
}

// unlock releases the connection lock and tears the Connection down if its
// last reference was dropped while the lock was held.
func (c *Connection) unlock() {
	c.haveLock()

	teardown := c.teardownPending && atomic.LoadInt32(&c.refcount) == 0
	if teardown {
		c.teardownPending = false
	}

	c.held = false
	c.mutex.Unlock()

	if teardown {
		c.lastUnref()
	}
}

func (c *Connection) haveLock() {
	assertf(c.held, "connection lock not held")
}

// callout runs fn, which might call application code, without holding the
// connection lock. The Connection stays referenced meanwhile.
func (c *Connection) callout(fn func()) {
	c.calloutUnlock()
	defer c.calloutRelock()

	fn()
}

func (c *Connection) calloutUnlock() {
	c.haveLock()
	atomic.AddInt32(&c.refcount, 1)
	c.unlockRaw()
}

func (c *Connection) calloutRelock() {
	c.lock()
	c.unrefUnlocked()
}

// Ref adds a reference and returns the Connection.
func (c *Connection) Ref() *Connection {
	n := atomic.AddInt32(&c.refcount, 1)
	assertf(n > 1, "referencing an already freed connection")
	return c
}

// Unref drops a reference. Dropping the last reference frees the Connection,
// which must be disconnected by then.
func (c *Connection) Unref() {
	n := atomic.AddInt32(&c.refcount, -1)
	assertf(n >= 0, "connection reference count dropped below zero")

	if n == 0 {
		c.lastUnref()
	}
}

// unrefUnlocked drops a reference while holding the connection lock. The
// teardown of a last reference is postponed until the lock is released.
func (c *Connection) unrefUnlocked() {
	c.haveLock()

	n := atomic.AddInt32(&c.refcount, -1)
	assertf(n >= 0, "connection reference count dropped below zero")

	if n == 0 {
		c.teardownPending = true
	}
}

func (c *Connection) lastUnref() {
	c.lock()
	if c.freed {
		c.unlockRaw()
		return
	}
	connected := c.transport.IsConnected()
	assertf(!connected, "last reference of connection %d dropped while connected, Close it first", c.id)
	assertf(len(c.pending) == 0, "connection %d freed with pending calls", c.id)
	c.freed = true

	watches, timeouts := c.watches, c.timeouts
	filters := c.filters
	slots := c.slots
	c.filters, c.slots = nil, nil
	c.dispatchStatusFunc, c.wakeupMainFunc = nil, nil

	c.outgoing.clear()
	c.incoming.clear()
	c.outgoingSize, c.incomingSize = 0, 0
	c.unlockRaw()

	c.log().Debug("Freeing connection")

	c.objects.Free()

	if watches != nil {
		watches.Free()
	}
	if timeouts != nil {
		timeouts.Free()
	}

	for _, f := range filters {
		f.unref()
	}
	for _, s := range slots {
		if s.free != nil {
			s.free(s.data)
		}
	}
}

func (c *Connection) checkGeneration() bool {
	return checkf(c.generation == currentGeneration(),
		"connection %d was created before Shutdown and must not be used", c.id)
}

// Close a private Connection. Messages received before are still dispatched
// and followed by the local Disconnected signal. Shared Connections must not
// be closed by their users.
func (c *Connection) Close() {
	if !c.checkGeneration() {
		return
	}

	c.lock()
	if c.shared {
		c.unlock()
		c.log().Warn("Refusing to close a shared connection; use Unref instead")
		return
	}
	c.closeAndUnlock()
}

func (c *Connection) closeAndUnlock() {
	c.log().Debug("Closing connection")

	c.transport.Disconnect()
	c.updateDispatchStatusAndUnlock(c.getDispatchStatusUnlocked())
}

// IsConnected reports whether the Transport is still connected.
func (c *Connection) IsConnected() bool {
	c.lock()
	defer c.unlock()

	return c.transport.IsConnected()
}

// IsAuthenticated reports whether the peer was authenticated.
func (c *Connection) IsAuthenticated() bool {
	c.lock()
	defer c.unlock()

	return c.transport.IsAuthenticated()
}

// ServerID is the server's GUID.
func (c *Connection) ServerID() string {
	return c.transport.ServerGUID()
}

// UnixUser of an authenticated peer.
func (c *Connection) UnixUser() (uid int, ok bool) {
	c.lock()
	defer c.unlock()

	if !c.transport.IsAuthenticated() {
		return
	}
	return c.transport.UnixUser()
}

// UnixProcessID of an authenticated peer.
func (c *Connection) UnixProcessID() (pid int, ok bool) {
	c.lock()
	defer c.unlock()

	if !c.transport.IsAuthenticated() {
		return
	}
	return c.transport.ProcessID()
}

// SetExitOnDisconnect terminates the process after the Disconnected signal
// was dispatched.
func (c *Connection) SetExitOnDisconnect(exit bool) {
	c.lock()
	c.exitOnDisconnect = exit
	c.unlock()
}

// SetRoutePeerMessages passes Peer method calls with a destination on to
// the filters instead of answering them locally.
func (c *Connection) SetRoutePeerMessages(route bool) {
	c.lock()
	c.routePeerMessages = route
	c.unlock()
}

// SetMaxMessageSize limits the size of a single incoming message.
func (c *Connection) SetMaxMessageSize(size int64) {
	c.lock()
	c.transport.SetMaxMessageSize(size)
	c.unlock()
}

// MaxMessageSize of a single incoming message.
func (c *Connection) MaxMessageSize() int64 {
	c.lock()
	defer c.unlock()

	return c.transport.MaxMessageSize()
}

// SetMaxReceivedSize limits the bytes of received but undispatched messages.
func (c *Connection) SetMaxReceivedSize(size int64) {
	c.lock()
	c.transport.SetMaxReceivedSize(size)
	c.unlock()
}

// MaxReceivedSize of received but undispatched messages.
func (c *Connection) MaxReceivedSize() int64 {
	c.lock()
	defer c.unlock()

	return c.transport.MaxReceivedSize()
}

// OutgoingSize in bytes of all queued outgoing messages.
func (c *Connection) OutgoingSize() int64 {
	c.lock()
	defer c.unlock()

	return c.outgoingSize
}

// HasMessagesToSend reports queued outgoing messages.
func (c *Connection) HasMessagesToSend() bool {
	c.lock()
	defer c.unlock()

	return c.outgoing.n > 0
}
