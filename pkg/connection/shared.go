// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/transport"
)

var generation uint64

func currentGeneration() uint64 {
	return atomic.LoadUint64(&generation)
}

// sharedConnections by their server's GUID. Each entry holds a reference.
// Its lock is always acquired after a connection lock.
var sharedConnections = struct {
	mutex sync.Mutex
	conns map[string]*Connection
}{conns: make(map[string]*Connection)}

// Open connects to an address or returns an already open Connection to the
// same server, identified by the address' guid parameter. Shared
// Connections must not be closed, only unreferenced.
func Open(address string) (*Connection, error) {
	return open(address, true)
}

// OpenPrivate always opens a new Connection, which must be closed before its
// last reference is dropped.
func OpenPrivate(address string) (*Connection, error) {
	return open(address, false)
}

func open(address string, share bool) (*Connection, error) {
	addrs, err := transport.ParseAddresses(address)
	if err != nil {
		return nil, err
	}

	if share {
		for _, addr := range addrs {
			if c := lookupShared(addr.Get("guid")); c != nil {
				return c, nil
			}
		}
	}

	t, err := transport.Open(address)
	if err != nil {
		return nil, err
	}

	c, err := New(t)
	if err != nil {
		return nil, err
	}

	if share {
		c.lock()
		c.shared = true
		registerSharedUnlocked(c)
		c.unlock()
	}

	return c, nil
}

// lookupShared returns a new reference to a connected shared Connection.
func lookupShared(guid string) *Connection {
	if guid == "" {
		return nil
	}

	sharedConnections.mutex.Lock()
	c, ok := sharedConnections.conns[guid]
	if ok {
		c.Ref()
	}
	sharedConnections.mutex.Unlock()

	if !ok {
		return nil
	}
	if !c.IsConnected() {
		c.Unref()
		return nil
	}

	c.log().WithField("guid", guid).Debug("Reusing shared connection")
	return c
}

func registerSharedUnlocked(c *Connection) {
	c.haveLock()

	guid := c.transport.ServerGUID()
	if guid == "" {
		return
	}

	sharedConnections.mutex.Lock()
	defer sharedConnections.mutex.Unlock()

	if _, exists := sharedConnections.conns[guid]; exists {
		return
	}

	sharedConnections.conns[guid] = c
	c.registered = true
	atomic.AddInt32(&c.refcount, 1)
}

func unregisterSharedUnlocked(c *Connection) {
	c.haveLock()

	if !c.registered {
		return
	}

	sharedConnections.mutex.Lock()
	guid := c.transport.ServerGUID()
	if sharedConnections.conns[guid] == c {
		delete(sharedConnections.conns, guid)
	}
	sharedConnections.mutex.Unlock()

	c.registered = false
	c.unrefUnlocked()
}

// Shutdown closes all shared Connections. Every Connection created before
// must not be used afterwards.
func Shutdown() {
	sharedConnections.mutex.Lock()
	conns := make([]*Connection, 0, len(sharedConnections.conns))
	for _, c := range sharedConnections.conns {
		conns = append(conns, c.Ref())
	}
	sharedConnections.mutex.Unlock()

	for _, c := range conns {
		c.lock()
		c.closeAndUnlock()

		c.lock()
		unregisterSharedUnlocked(c)
		c.unlock()

		c.Unref()
	}

	n := atomic.AddUint64(&generation, 1)
	log.WithFields(log.Fields{
		"closed":     len(conns),
		"generation": n,
	}).Info("Shut down shared connections")
}
