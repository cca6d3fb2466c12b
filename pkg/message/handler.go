// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package message

// HandlerResult is returned by filters and object handlers.
type HandlerResult uint

const (
	// HandlerNotYetHandled passes the message on to the next handler.
	HandlerNotYetHandled HandlerResult = iota

	// HandlerHandled stops the processing of this message.
	HandlerHandled

	// HandlerNeedMemory aborts this dispatch. The message is processed again
	// on the next dispatch, so handlers must not have side effects yet.
	HandlerNeedMemory
)

func (hr HandlerResult) String() string {
	switch hr {
	case HandlerNotYetHandled:
		return "not yet handled"
	case HandlerHandled:
		return "handled"
	case HandlerNeedMemory:
		return "need memory"
	default:
		return "unknown"
	}
}
