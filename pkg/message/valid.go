// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package message

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// CheckValid returns all violations of the header rules for this Message's
// type, combined into one error.
func (msg *Message) CheckValid() (errs error) {
	if msg.Flags & ^flagsMask != 0 {
		errs = multierror.Append(errs, fmt.Errorf("unknown flags 0x%x", uint64(msg.Flags & ^flagsMask)))
	}

	switch msg.Type {
	case TypeMethodCall:
		if err := CheckPath(msg.Path); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := CheckMember(msg.Member); err != nil {
			errs = multierror.Append(errs, err)
		}
		if msg.Interface != "" {
			if err := CheckInterface(msg.Interface); err != nil {
				errs = multierror.Append(errs, err)
			}
		}

	case TypeSignal:
		if err := CheckPath(msg.Path); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := CheckInterface(msg.Interface); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := CheckMember(msg.Member); err != nil {
			errs = multierror.Append(errs, err)
		}

	case TypeError:
		if err := CheckErrorName(msg.ErrorName); err != nil {
			errs = multierror.Append(errs, err)
		}
		if msg.ReplySerial == 0 {
			errs = multierror.Append(errs, fmt.Errorf("error reply without reply serial"))
		}

	case TypeMethodReturn:
		if msg.ReplySerial == 0 {
			errs = multierror.Append(errs, fmt.Errorf("method return without reply serial"))
		}

	default:
		errs = multierror.Append(errs, fmt.Errorf("invalid message type %d", uint64(msg.Type)))
	}

	for _, name := range []string{msg.Destination, msg.Sender} {
		if name == "" {
			continue
		}
		if err := CheckBusName(name); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return
}
