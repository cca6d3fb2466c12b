// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package journal

import (
	"fmt"
	"io"
	"time"

	"github.com/dtn7/cboring"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
)

// Direction of a journaled message, seen from the local connection.
type Direction uint64

const (
	// Incoming messages were received from the peer.
	Incoming Direction = iota

	// Outgoing messages were sent to the peer.
	Outgoing
)

func (d Direction) String() string {
	switch d {
	case Incoming:
		return "incoming"
	case Outgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

// Entry is one journaled message. The header fields are flattened to be
// indexed by the store.
type Entry struct {
	ID         uint64    `badgerhold:"key"`
	Time       time.Time `badgerholdIndex:"Time"`
	Direction  Direction
	Connection uint64

	Type        message.Type `badgerholdIndex:"Type"`
	Flags       message.Flags
	Serial      uint32
	ReplySerial uint32
	Path        string
	Interface   string `badgerholdIndex:"Interface"`
	Member      string `badgerholdIndex:"Member"`
	ErrorName   string
	Destination string
	Sender      string
	Signature   string
	Body        []byte
}

func newEntry(msg *message.Message, dir Direction, conn uint64, t time.Time) Entry {
	return Entry{
		Time:       t,
		Direction:  dir,
		Connection: conn,

		Type:        msg.Type,
		Flags:       msg.Flags,
		Serial:      msg.Serial,
		ReplySerial: msg.ReplySerial,
		Path:        msg.Path,
		Interface:   msg.Interface,
		Member:      msg.Member,
		ErrorName:   msg.ErrorName,
		Destination: msg.Destination,
		Sender:      msg.Sender,
		Signature:   msg.Signature,
		Body:        msg.Body,
	}
}

// Message rebuilds the journaled Message.
func (e Entry) Message() *message.Message {
	return &message.Message{
		Type:        e.Type,
		Flags:       e.Flags,
		Serial:      e.Serial,
		ReplySerial: e.ReplySerial,
		Path:        e.Path,
		Interface:   e.Interface,
		Member:      e.Member,
		ErrorName:   e.ErrorName,
		Destination: e.Destination,
		Sender:      e.Sender,
		Signature:   e.Signature,
		Body:        e.Body,
	}
}

func (e Entry) String() string {
	return fmt.Sprintf("%s %s %v", e.Time.Format(time.RFC3339Nano), e.Direction, e.Message())
}

const entryArrayLen uint64 = 4

// MarshalCbor writes an Entry without its store key.
func (e *Entry) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(entryArrayLen, w); err != nil {
		return err
	}

	fields := []uint64{uint64(e.Time.UnixNano()), uint64(e.Direction), e.Connection}
	for _, f := range fields {
		if err := cboring.WriteUInt(f, w); err != nil {
			return err
		}
	}

	return cboring.Marshal(e.Message(), w)
}

// UnmarshalCbor reads an Entry. Its ID stays unset.
func (e *Entry) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != entryArrayLen {
		return fmt.Errorf("wrong array length: %d instead of %d", l, entryArrayLen)
	}

	var fields [3]uint64
	for i := range fields {
		if n, err := cboring.ReadUInt(r); err != nil {
			return err
		} else {
			fields[i] = n
		}
	}

	msg := new(message.Message)
	if err := cboring.Unmarshal(msg, r); err != nil {
		return err
	}

	*e = newEntry(msg, Direction(fields[1]), fields[2], time.Unix(0, int64(fields[0])))
	return nil
}
