// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package objtree routes method calls to handlers registered for object paths.
package objtree

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
)

var (
	// ErrPathInUse is returned when registering an already registered path.
	ErrPathInUse = errors.New("object path is already registered")

	// ErrNotRegistered is returned for paths without a registration.
	ErrNotRegistered = errors.New("object path is not registered")
)

// Sender is the connection a handler may reply on.
type Sender interface {
	Send(msg *message.Message) uint32
}

// MessageFunc handles a message for a registered path.
type MessageFunc func(conn Sender, msg *message.Message, data interface{}) message.HandlerResult

// VTable of a registered path. Unregister is called once the registration
// is removed, including when the whole Tree is freed.
type VTable struct {
	Message    MessageFunc
	Unregister func(data interface{})
}

type node struct {
	name     string
	children map[string]*node

	vtable   *VTable
	data     interface{}
	fallback bool
}

func newNode(name string) *node {
	return &node{name: name, children: make(map[string]*node)}
}

// Tree of object paths and their handlers.
type Tree struct {
	mutex sync.RWMutex
	root  *node
}

// NewTree without any registrations.
func NewTree() *Tree {
	return &Tree{root: newNode("")}
}

func splitPath(path string) ([]string, error) {
	if err := message.CheckPath(path); err != nil {
		return nil, err
	}
	if path == "/" {
		return nil, nil
	}
	return strings.Split(path[1:], "/"), nil
}

// lookup walks along the path and returns the visited nodes, starting with
// the root. The last node is the deepest existing one.
func (t *Tree) lookup(elems []string) []*node {
	nodes := []*node{t.root}
	for _, elem := range elems {
		child, ok := nodes[len(nodes)-1].children[elem]
		if !ok {
			break
		}
		nodes = append(nodes, child)
	}
	return nodes
}

func (t *Tree) register(path string, vtable VTable, data interface{}, fallback bool) error {
	elems, err := splitPath(path)
	if err != nil {
		return err
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	n := t.root
	for _, elem := range elems {
		child, ok := n.children[elem]
		if !ok {
			child = newNode(elem)
			n.children[elem] = child
		}
		n = child
	}

	if n.vtable != nil {
		return fmt.Errorf("%w: %s", ErrPathInUse, path)
	}

	n.vtable = &vtable
	n.data = data
	n.fallback = fallback

	log.WithFields(log.Fields{
		"path":     path,
		"fallback": fallback,
	}).Debug("Registered object path")

	return nil
}

// Register a handler for exactly this path.
func (t *Tree) Register(path string, vtable VTable, data interface{}) error {
	return t.register(path, vtable, data, false)
}

// RegisterFallback registers a handler for this path and all paths below
// without a registration of their own.
func (t *Tree) RegisterFallback(path string, vtable VTable, data interface{}) error {
	return t.register(path, vtable, data, true)
}

// Unregister a path. Its Unregister function is called without any lock held.
func (t *Tree) Unregister(path string) error {
	elems, err := splitPath(path)
	if err != nil {
		return err
	}

	t.mutex.Lock()
	nodes := t.lookup(elems)
	if len(nodes) != len(elems)+1 || nodes[len(nodes)-1].vtable == nil {
		t.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, path)
	}

	n := nodes[len(nodes)-1]
	vtable, data := n.vtable, n.data
	n.vtable, n.data, n.fallback = nil, nil, false

	// Prune empty nodes bottom up.
	for i := len(nodes) - 1; i > 0; i-- {
		if nodes[i].vtable != nil || len(nodes[i].children) > 0 {
			break
		}
		delete(nodes[i-1].children, nodes[i].name)
	}
	t.mutex.Unlock()

	if vtable.Unregister != nil {
		vtable.Unregister(data)
	}
	return nil
}

// Data of a registered path.
func (t *Tree) Data(path string) (interface{}, bool) {
	elems, err := splitPath(path)
	if err != nil {
		return nil, false
	}

	t.mutex.RLock()
	defer t.mutex.RUnlock()

	nodes := t.lookup(elems)
	if n := nodes[len(nodes)-1]; len(nodes) == len(elems)+1 && n.vtable != nil {
		return n.data, true
	}
	return nil, false
}

// ListRegistered returns the sorted names of the direct children of a path
// which have registrations at or below them.
func (t *Tree) ListRegistered(parent string) ([]string, error) {
	elems, err := splitPath(parent)
	if err != nil {
		return nil, err
	}

	t.mutex.RLock()
	defer t.mutex.RUnlock()

	nodes := t.lookup(elems)
	if len(nodes) != len(elems)+1 {
		return []string{}, nil
	}

	children := make([]string, 0, len(nodes[len(nodes)-1].children))
	for name := range nodes[len(nodes)-1].children {
		children = append(children, name)
	}
	sort.Strings(children)
	return children, nil
}

type handler struct {
	vtable *VTable
	data   interface{}
}

// DispatchAndUnlock must be called with the connection lock held, which is
// released by calling unlock before any handler runs. Handlers are tried from
// the exact registration up to the root's fallbacks.
func (t *Tree) DispatchAndUnlock(unlock func(), conn Sender, msg *message.Message) message.HandlerResult {
	elems, err := splitPath(msg.Path)
	if err != nil {
		unlock()
		return message.HandlerNotYetHandled
	}

	t.mutex.RLock()
	nodes := t.lookup(elems)
	exact := len(nodes) == len(elems)+1

	var handlers []handler
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if n.vtable == nil || n.vtable.Message == nil {
			continue
		}
		if (exact && i == len(nodes)-1) || n.fallback {
			handlers = append(handlers, handler{n.vtable, n.data})
		}
	}

	var children []string
	if exact {
		for name := range nodes[len(nodes)-1].children {
			children = append(children, name)
		}
	}
	t.mutex.RUnlock()

	unlock()

	for _, h := range handlers {
		if result := h.vtable.Message(conn, msg, h.data); result != message.HandlerNotYetHandled {
			return result
		}
	}

	if exact && msg.IsMethodCall(message.InterfaceIntrospectable, message.MemberIntrospect) {
		sort.Strings(children)
		conn.Send(introspectReply(msg, children))
		return message.HandlerHandled
	}

	return message.HandlerNotYetHandled
}

// introspectReply lists the child nodes of an unhandled path.
func introspectReply(call *message.Message, children []string) *message.Message {
	var b strings.Builder
	b.WriteString("<node>\n")
	fmt.Fprintf(&b, "  <interface name=\"%s\">\n", message.InterfaceIntrospectable)
	b.WriteString("    <method name=\"Introspect\"><arg name=\"data\" direction=\"out\" type=\"s\"/></method>\n")
	b.WriteString("  </interface>\n")
	for _, child := range children {
		fmt.Fprintf(&b, "  <node name=\"%s\"/>\n", child)
	}
	b.WriteString("</node>\n")

	reply := message.NewMethodReturn(call)
	reply.Signature = "s"
	reply.Body = []byte(b.String())
	return reply
}

// Free unregisters every path.
func (t *Tree) Free() {
	t.mutex.Lock()
	var handlers []handler
	var walk func(n *node)
	walk = func(n *node) {
		for _, child := range n.children {
			walk(child)
		}
		if n.vtable != nil {
			handlers = append(handlers, handler{n.vtable, n.data})
		}
	}
	walk(t.root)
	t.root = newNode("")
	t.mutex.Unlock()

	for _, h := range handlers {
		if h.vtable.Unregister != nil {
			h.vtable.Unregister(h.data)
		}
	}
}
