// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"encoding/hex"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
)

var machineIDFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

var (
	machineIDOnce sync.Once
	machineID     string
)

// MachineID identifies this host. It is read from the system's machine-id
// file or generated once per process.
func MachineID() string {
	machineIDOnce.Do(func() {
		for _, file := range machineIDFiles {
			data, err := os.ReadFile(file)
			if err != nil {
				continue
			}

			id := strings.TrimSpace(string(data))
			if _, hexErr := hex.DecodeString(id); len(id) == 32 && hexErr == nil {
				machineID = id
				return
			}
			log.WithField("file", file).Debug("Ignoring malformed machine-id")
		}

		machineID = strings.ReplaceAll(uuid.New().String(), "-", "")
	})

	return machineID
}

// handlePeerMessageUnlocked answers the Peer interface for every
// Connection.
func (c *Connection) handlePeerMessageUnlocked(msg *message.Message) message.HandlerResult {
	if msg.Type != message.TypeMethodCall || !msg.HasInterface(message.InterfacePeer) {
		return message.HandlerNotYetHandled
	}
	if c.routePeerMessages && msg.Destination != "" {
		return message.HandlerNotYetHandled
	}
	if msg.NoReply() {
		return message.HandlerHandled
	}

	var reply *message.Message
	switch msg.Member {
	case message.MemberPing:
		reply = message.NewMethodReturn(msg)

	case message.MemberGetMachineId:
		reply = message.NewMethodReturn(msg)
		reply.Signature = "s"
		reply.Body = []byte(MachineID())

	default:
		reply = message.NewErrorf(msg, message.ErrorUnknownMethod,
			"Unknown method %q on interface %q", msg.Member, msg.Interface)
	}

	c.sendUnlockedNoUpdate(reply)
	return message.HandlerHandled
}
