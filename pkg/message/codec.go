// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package message

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

const messageArrayLen uint64 = 12

func (msg *Message) textFields() []*string {
	return []*string{
		&msg.Path, &msg.Interface, &msg.Member, &msg.ErrorName,
		&msg.Destination, &msg.Sender, &msg.Signature,
	}
}

// MarshalCbor writes the CBOR representation of a Message.
func (msg *Message) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(messageArrayLen, w); err != nil {
		return err
	}

	fields := []uint64{uint64(msg.Type), uint64(msg.Flags), uint64(msg.Serial), uint64(msg.ReplySerial)}
	for _, f := range fields {
		if err := cboring.WriteUInt(f, w); err != nil {
			return err
		}
	}

	for _, f := range msg.textFields() {
		if err := cboring.WriteTextString(*f, w); err != nil {
			return err
		}
	}

	return cboring.WriteByteString(msg.Body, w)
}

// UnmarshalCbor reads the CBOR representation of a Message.
func (msg *Message) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != messageArrayLen {
		return fmt.Errorf("wrong array length: %d instead of %d", l, messageArrayLen)
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		msg.Type = Type(n)
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		msg.Flags = Flags(n)
	}

	serials := []*uint32{&msg.Serial, &msg.ReplySerial}
	for _, s := range serials {
		if n, err := cboring.ReadUInt(r); err != nil {
			return err
		} else if n > 0xffffffff {
			return fmt.Errorf("serial %d exceeds 32 bit", n)
		} else {
			*s = uint32(n)
		}
	}

	for _, f := range msg.textFields() {
		if s, err := cboring.ReadTextString(r); err != nil {
			return err
		} else {
			*f = s
		}
	}

	if body, err := cboring.ReadByteString(r); err != nil {
		return err
	} else if len(body) > 0 {
		msg.Body = body
	}

	return nil
}

// Encode a Message into a new byte slice.
func Encode(msg *Message) ([]byte, error) {
	buff := new(bytes.Buffer)
	if err := cboring.Marshal(msg, buff); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

// Decode a Message from its CBOR representation. The returned Message is
// already locked.
func Decode(data []byte) (*Message, error) {
	msg := new(Message)
	if err := cboring.Unmarshal(msg, bytes.NewReader(data)); err != nil {
		return nil, err
	}

	msg.size = len(data)
	msg.locked = true
	return msg, nil
}
