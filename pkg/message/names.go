// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package message

import (
	"fmt"
	"strings"
)

// Well-known names of the local, peer and introspection interfaces.
const (
	// PathLocal is only used for messages synthesized by a connection itself.
	// Such messages are never sent to a peer.
	PathLocal = "/org/freedesktop/DBus/Local"

	// InterfaceLocal is only used for messages synthesized by a connection.
	InterfaceLocal = "org.freedesktop.DBus.Local"

	// MemberDisconnected is the local signal queued as the very last incoming
	// message once the transport has disconnected.
	MemberDisconnected = "Disconnected"

	// InterfacePeer is implemented by every connection.
	InterfacePeer = "org.freedesktop.DBus.Peer"

	MemberPing         = "Ping"
	MemberGetMachineId = "GetMachineId"

	InterfaceIntrospectable = "org.freedesktop.DBus.Introspectable"

	MemberIntrospect = "Introspect"
)

// Well-known error names.
const (
	ErrorFailed        = "org.freedesktop.DBus.Error.Failed"
	ErrorNoMemory      = "org.freedesktop.DBus.Error.NoMemory"
	ErrorNoReply       = "org.freedesktop.DBus.Error.NoReply"
	ErrorUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrorUnknownObject = "org.freedesktop.DBus.Error.UnknownObject"
	ErrorDisconnected  = "org.freedesktop.DBus.Error.Disconnected"
	ErrorInvalidArgs   = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrorAccessDenied  = "org.freedesktop.DBus.Error.AccessDenied"
)

const maxNameLength = 255

func isAlpha(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || c == '_'
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}

// CheckPath validates an object path like "/org/example/Obj".
func CheckPath(path string) error {
	if path == "" {
		return fmt.Errorf("object path is empty")
	} else if path[0] != '/' {
		return fmt.Errorf("object path %q does not start with a slash", path)
	} else if path == "/" {
		return nil
	} else if strings.HasSuffix(path, "/") {
		return fmt.Errorf("object path %q ends with a slash", path)
	}

	for _, elem := range strings.Split(path[1:], "/") {
		if elem == "" {
			return fmt.Errorf("object path %q contains an empty element", path)
		}
		for i := 0; i < len(elem); i++ {
			if c := elem[i]; !isAlpha(c) && !isDigit(c) {
				return fmt.Errorf("object path %q contains invalid character %q", path, c)
			}
		}
	}

	return nil
}

func checkElement(elem string, allowDigitStart, allowHyphen bool) bool {
	if elem == "" {
		return false
	}

	for i := 0; i < len(elem); i++ {
		c := elem[i]
		switch {
		case isAlpha(c):
		case allowHyphen && c == '-':
		case isDigit(c) && (i > 0 || allowDigitStart):
		default:
			return false
		}
	}
	return true
}

func checkDotted(kind, name string, allowDigitStart, allowHyphen bool) error {
	if name == "" {
		return fmt.Errorf("%s is empty", kind)
	} else if len(name) > maxNameLength {
		return fmt.Errorf("%s %q exceeds %d bytes", kind, name, maxNameLength)
	}

	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return fmt.Errorf("%s %q needs at least two elements", kind, name)
	}

	for _, elem := range elems {
		if !checkElement(elem, allowDigitStart, allowHyphen) {
			return fmt.Errorf("%s %q has an invalid element %q", kind, name, elem)
		}
	}
	return nil
}

// CheckInterface validates an interface name like "org.example.Iface".
func CheckInterface(name string) error {
	return checkDotted("interface", name, false, false)
}

// CheckErrorName validates an error name. These follow the interface rules.
func CheckErrorName(name string) error {
	return checkDotted("error name", name, false, false)
}

// CheckMember validates a member name like "Frobnicate".
func CheckMember(name string) error {
	if name == "" {
		return fmt.Errorf("member is empty")
	} else if len(name) > maxNameLength {
		return fmt.Errorf("member %q exceeds %d bytes", name, maxNameLength)
	} else if strings.Contains(name, ".") || !checkElement(name, false, false) {
		return fmt.Errorf("member %q is invalid", name)
	}
	return nil
}

// CheckBusName validates both unique (":1.42") and well-known bus names.
func CheckBusName(name string) error {
	if strings.HasPrefix(name, ":") {
		return checkDotted("unique bus name", name[1:], true, true)
	}
	return checkDotted("bus name", name, false, true)
}
