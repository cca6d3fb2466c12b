// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package message

import "fmt"

// Error is the Go representation of an error reply.
type Error struct {
	Name    string
	Message string
}

// ErrorFromMessage converts an error reply into an Error. Nil is returned
// for all other message types.
func ErrorFromMessage(msg *Message) *Error {
	if msg == nil || msg.Type != TypeError {
		return nil
	}
	return &Error{Name: msg.ErrorName, Message: msg.Text()}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Is matches other Errors by their name.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Name == e.Name
}
