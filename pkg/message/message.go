// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package message

import (
	"bytes"
	"fmt"
	"strings"
)

// Type of a Message.
type Type uint64

const (
	// TypeInvalid is never sent.
	TypeInvalid Type = iota

	// TypeMethodCall requests a reply, unless FlagNoReplyExpected is set.
	TypeMethodCall

	// TypeMethodReturn is a successful reply to a method call.
	TypeMethodReturn

	// TypeError is an erroneous reply to a method call.
	TypeError

	// TypeSignal is a broadcast without any reply.
	TypeSignal
)

func (t Type) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return "invalid"
	}
}

// Flags of a Message, to be combined by a bitwise OR.
type Flags uint64

const (
	// FlagNoReplyExpected waives the reply of a method call.
	FlagNoReplyExpected Flags = 0x01

	// FlagNoAutoStart asks the bus not to launch the destination's owner.
	FlagNoAutoStart Flags = 0x02

	flagsMask Flags = FlagNoReplyExpected | FlagNoAutoStart
)

// Has returns true if a given flag or mask of flags is set.
func (f Flags) Has(flag Flags) bool {
	return (f & flag) != 0
}

func (f Flags) String() string {
	var fields []string

	if f.Has(FlagNoReplyExpected) {
		fields = append(fields, "NO_REPLY_EXPECTED")
	}
	if f.Has(FlagNoAutoStart) {
		fields = append(fields, "NO_AUTO_START")
	}

	return strings.Join(fields, ",")
}

// Message is a single bus message.
type Message struct {
	Type        Type
	Flags       Flags
	Serial      uint32
	ReplySerial uint32

	Path        string
	Interface   string
	Member      string
	ErrorName   string
	Destination string
	Sender      string
	Signature   string

	Body []byte

	locked bool
	size   int
}

// NewMethodCall creates a method call. The destination might be empty for
// peer-to-peer connections.
func NewMethodCall(destination, path, iface, member string) *Message {
	return &Message{
		Type:        TypeMethodCall,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      member,
	}
}

// NewMethodReturn creates a successful reply for a method call.
func NewMethodReturn(call *Message) *Message {
	return &Message{
		Type:        TypeMethodReturn,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		Flags:       FlagNoReplyExpected,
	}
}

// NewError creates an error reply for a method call. The optional text is
// stored as the body.
func NewError(call *Message, name, text string) *Message {
	msg := &Message{
		Type:        TypeError,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		ErrorName:   name,
		Flags:       FlagNoReplyExpected,
	}

	if text != "" {
		msg.Signature = "s"
		msg.Body = []byte(text)
	}

	return msg
}

// NewErrorf creates an error reply with a formatted text.
func NewErrorf(call *Message, name, format string, a ...interface{}) *Message {
	return NewError(call, name, fmt.Sprintf(format, a...))
}

// NewSignal creates a signal, emitted from the given path.
func NewSignal(path, iface, member string) *Message {
	return &Message{
		Type:      TypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
		Flags:     FlagNoReplyExpected,
	}
}

// IsMethodCall checks for a method call of the given interface and member.
// An empty interface matches any interface.
func (msg *Message) IsMethodCall(iface, member string) bool {
	return msg.Type == TypeMethodCall && msg.Member == member &&
		(iface == "" || msg.Interface == iface)
}

// IsSignal checks for a signal of the given interface and member.
func (msg *Message) IsSignal(iface, member string) bool {
	return msg.Type == TypeSignal && msg.Interface == iface && msg.Member == member
}

// IsError checks for an error reply of the given name.
func (msg *Message) IsError(name string) bool {
	return msg.Type == TypeError && msg.ErrorName == name
}

// HasInterface is true for messages addressed to this interface.
func (msg *Message) HasInterface(iface string) bool {
	return msg.Interface == iface
}

// NoReply is true if no reply must be sent for this message.
func (msg *Message) NoReply() bool {
	return msg.Type != TypeMethodCall || msg.Flags.Has(FlagNoReplyExpected)
}

// Text of the body if the body is a single string, as for errors.
func (msg *Message) Text() string {
	if msg.Signature != "s" {
		return ""
	}
	return string(msg.Body)
}

// Lock freezes this Message. Its encoded size is calculated once and cached.
func (msg *Message) Lock() {
	if msg.locked {
		return
	}

	msg.size = msg.encodedSize()
	msg.locked = true
}

// Locked returns true if this Message was already queued for sending.
func (msg *Message) Locked() bool {
	return msg.locked
}

// Size of this Message's wire representation in bytes.
func (msg *Message) Size() int {
	if msg.locked {
		return msg.size
	}
	return msg.encodedSize()
}

func (msg *Message) encodedSize() int {
	buff := new(bytes.Buffer)
	if err := msg.MarshalCbor(buff); err != nil {
		return 0
	}
	return buff.Len()
}

// Copy returns an unlocked copy of this Message without its serial.
func (msg *Message) Copy() *Message {
	c := *msg
	c.Serial = 0
	c.locked = false
	c.size = 0

	if msg.Body != nil {
		c.Body = make([]byte, len(msg.Body))
		copy(c.Body, msg.Body)
	}

	return &c
}

func (msg *Message) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%v(serial=%d", msg.Type, msg.Serial)
	if msg.ReplySerial != 0 {
		fmt.Fprintf(&b, ",reply_serial=%d", msg.ReplySerial)
	}
	if msg.Path != "" {
		fmt.Fprintf(&b, ",path=%s", msg.Path)
	}
	if msg.Interface != "" {
		fmt.Fprintf(&b, ",interface=%s", msg.Interface)
	}
	if msg.Member != "" {
		fmt.Fprintf(&b, ",member=%s", msg.Member)
	}
	if msg.ErrorName != "" {
		fmt.Fprintf(&b, ",error_name=%s", msg.ErrorName)
	}
	if msg.Destination != "" {
		fmt.Fprintf(&b, ",destination=%s", msg.Destination)
	}
	if msg.Flags != 0 {
		fmt.Fprintf(&b, ",flags=%v", msg.Flags)
	}
	b.WriteString(")")

	return b.String()
}
