// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/watch"
)

const (
	// DefaultMaxMessageSize limits a single incoming message.
	DefaultMaxMessageSize int64 = 32 * 1024 * 1024

	// DefaultMaxReceivedSize limits the bytes of received but undispatched
	// messages before reading stops.
	DefaultMaxReceivedSize int64 = 63 * 1024 * 1024

	handshakeTimeout = 5 * time.Second
)

var (
	// ErrInvalidAddress is returned for unparsable addresses.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrMessageTooLarge is returned for frames exceeding the maximum message size.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrChecksum is returned for frames with a mismatching CRC.
	ErrChecksum = errors.New("frame checksum mismatch")

	// ErrGUIDMismatch is returned if a server's GUID differs from the address.
	ErrGUIDMismatch = errors.New("server GUID differs from the requested one")
)

// DispatchStatus of a connection or a transport.
type DispatchStatus uint

const (
	// StatusDataRemains means more messages can be dispatched.
	StatusDataRemains DispatchStatus = iota

	// StatusComplete means everything was processed.
	StatusComplete

	// StatusNeedMemory means processing failed for a lack of resources and
	// must be retried later.
	StatusNeedMemory
)

func (ds DispatchStatus) String() string {
	switch ds {
	case StatusDataRemains:
		return "data remains"
	case StatusComplete:
		return "complete"
	case StatusNeedMemory:
		return "need memory"
	default:
		return "unknown"
	}
}

// IterationFlags select the work of one DoIteration call.
type IterationFlags uint

const (
	// IterationRead pulls incoming data.
	IterationRead IterationFlags = 1 << iota

	// IterationWrite pushes outgoing messages.
	IterationWrite

	// IterationBlock allows waiting up to the given timeout.
	IterationBlock
)

// Has returns true if a given flag or mask of flags is set.
func (f IterationFlags) Has(flag IterationFlags) bool {
	return (f & flag) != 0
}

// Queue is the connection's side of a Transport. All methods except Lock
// must be called with the connection lock held.
type Queue interface {
	// Lock acquires the connection lock again after Unlock.
	Lock()

	// Unlock drops the connection lock for a blocking operation. The caller
	// must own the connection's I/O path.
	Unlock()

	// Callout runs fn without the connection lock, keeping the connection
	// alive in the meantime.
	Callout(fn func())

	// HasMessagesToSend reports queued outgoing messages.
	HasMessagesToSend() bool

	// MessageToSend peeks the oldest outgoing message.
	MessageToSend() *message.Message

	// MessageSent removes the message returned by MessageToSend.
	MessageSent(msg *message.Message)

	// QueueReceived appends an incoming message.
	QueueReceived(msg *message.Message)

	// IncomingSize of received but not yet dispatched messages in bytes.
	IncomingSize() int64

	AddWatch(w *watch.Watch) bool
	RemoveWatch(w *watch.Watch)
	ToggleWatch(w *watch.Watch, enabled bool)
}

// Transport is a message channel to a peer.
type Transport interface {
	fmt.Stringer

	// Attach this Transport to its connection and register its Watches. The
	// Watches' conditions are passed to handle.
	Attach(q Queue, handle WatchHandler) bool

	// Disconnect closes the underlying channel. It is idempotent.
	Disconnect()

	IsConnected() bool

	// IsAuthenticated checks the peer's credentials once. A rejected peer is
	// disconnected.
	IsAuthenticated() bool

	// HandleWatch processes a condition of one of this Transport's Watches.
	HandleWatch(w *watch.Watch, flags watch.Flags) bool

	// DoIteration performs reading and writing as requested. A negative
	// timeout waits forever.
	DoIteration(flags IterationFlags, timeout time.Duration)

	// DispatchStatus is StatusDataRemains while received data is not
	// queued yet.
	DispatchStatus() DispatchStatus

	// QueueMessages moves received messages to the Queue. False indicates a
	// lack of resources.
	QueueMessages() bool

	// MessagesPending informs about the number of queued outgoing messages.
	MessagesPending(n int)

	UnixUser() (uid int, ok bool)
	ProcessID() (pid int, ok bool)
	ServerGUID() string

	SetMaxMessageSize(size int64)
	MaxMessageSize() int64
	SetMaxReceivedSize(size int64)
	MaxReceivedSize() int64

	// SetUnixUserFunction replaces the authorization policy of a server side
	// Transport. A nil function restores the default same-user policy.
	SetUnixUserFunction(fn func(uid int) bool)
}
