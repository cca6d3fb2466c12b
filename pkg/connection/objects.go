// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/objtree"
)

// RegisterObjectPath handles method calls and signals for exactly this path.
func (c *Connection) RegisterObjectPath(path string, vtable objtree.VTable, data interface{}) error {
	return c.objects.Register(path, vtable, data)
}

// RegisterFallback handles messages for this path and all paths below
// without a more specific registration.
func (c *Connection) RegisterFallback(path string, vtable objtree.VTable, data interface{}) error {
	return c.objects.RegisterFallback(path, vtable, data)
}

// UnregisterObjectPath removes a registration and calls its Unregister.
func (c *Connection) UnregisterObjectPath(path string) error {
	return c.objects.Unregister(path)
}

// ObjectPathData of a registered path.
func (c *Connection) ObjectPathData(path string) (interface{}, bool) {
	return c.objects.Data(path)
}

// ListRegistered child path elements below a parent path.
func (c *Connection) ListRegistered(parent string) ([]string, error) {
	return c.objects.ListRegistered(parent)
}
