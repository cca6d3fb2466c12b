// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/objtree"
)

const (
	echoPath      = "/org/dtn7/Echo"
	echoInterface = "org.dtn7.Echo"
)

// echoVTable answers Echo with the call's body and Fail with an error.
func echoVTable() objtree.VTable {
	return objtree.VTable{Message: handleEcho}
}

func handleEcho(conn objtree.Sender, msg *message.Message, _ interface{}) message.HandlerResult {
	switch {
	case msg.IsMethodCall(echoInterface, "Echo"):
		if !msg.NoReply() {
			reply := message.NewMethodReturn(msg)
			reply.Signature, reply.Body = msg.Signature, msg.Body
			conn.Send(reply)
		}
		return message.HandlerHandled

	case msg.IsMethodCall(echoInterface, "Fail"):
		if !msg.NoReply() {
			conn.Send(message.NewErrorf(msg, message.ErrorFailed, "failing on request: %s", msg.Text()))
		}
		return message.HandlerHandled

	default:
		return message.HandlerNotYetHandled
	}
}
