// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/transport"
)

// Stats is a snapshot of a Connection's queues.
type Stats struct {
	ID             uint64                   `json:"id"`
	Transport      string                   `json:"transport"`
	Connected      bool                     `json:"connected"`
	Shared         bool                     `json:"shared"`
	Incoming       int                      `json:"incoming"`
	IncomingBytes  int64                    `json:"incoming_bytes"`
	Outgoing       int                      `json:"outgoing"`
	OutgoingBytes  int64                    `json:"outgoing_bytes"`
	PendingCalls   int                      `json:"pending_calls"`
	Filters        int                      `json:"filters"`
	DispatchStatus transport.DispatchStatus `json:"-"`
	Status         string                   `json:"dispatch_status"`
}

// Stats of this Connection's queues.
func (c *Connection) Stats() Stats {
	c.lock()
	defer c.unlock()

	return Stats{
		ID:             c.id,
		Transport:      c.transport.String(),
		Connected:      c.transport.IsConnected(),
		Shared:         c.shared,
		Incoming:       c.incoming.n,
		IncomingBytes:  c.incomingSize,
		Outgoing:       c.outgoing.n,
		OutgoingBytes:  c.outgoingSize,
		PendingCalls:   len(c.pending),
		Filters:        len(c.filters),
		DispatchStatus: c.lastDispatchStatus,
		Status:         c.lastDispatchStatus.String(),
	}
}
