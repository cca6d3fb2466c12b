// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/connection"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
)

// splitMember splits "interface.member" at its last dot.
func splitMember(s string) (iface, member string, err error) {
	dot := strings.LastIndex(s, ".")
	if dot <= 0 || dot == len(s)-1 {
		err = fmt.Errorf("%q is not of the form interface.member", s)
		return
	}
	return s[:dot], s[dot+1:], nil
}

// withBody sets an optional string body.
func withBody(msg *message.Message, args []string) *message.Message {
	if len(args) > 0 {
		msg.Signature, msg.Body = "s", []byte(args[0])
	}
	return msg
}

// sendSignal for the "send" CLI option.
func sendSignal(args []string) {
	if len(args) != 3 && len(args) != 4 {
		printUsage()
	}

	iface, member, err := splitMember(args[2])
	if err != nil {
		printFatal(err, "Parsing member errored")
	}

	msg := withBody(message.NewSignal(args[1], iface, member), args[3:])
	if err := msg.CheckValid(); err != nil {
		printFatal(err, "Building signal errored")
	}

	c := openConnection(args[0])
	defer closeConnection(c)

	serial := c.Send(msg)
	c.Flush()

	fmt.Printf("Sent signal with serial %d\n", serial)
}

// callMethod for the "call" CLI option.
func callMethod(args []string) {
	flags := flag.NewFlagSet("call", flag.ExitOnError)
	timeout := flags.Duration("timeout", connection.DefaultTimeout, "reply timeout")
	_ = flags.Parse(args)

	args = flags.Args()
	if len(args) != 4 && len(args) != 5 {
		printUsage()
	}

	iface, member, err := splitMember(args[3])
	if err != nil {
		printFatal(err, "Parsing member errored")
	}

	call := withBody(message.NewMethodCall(args[1], args[2], iface, member), args[4:])
	if err := call.CheckValid(); err != nil {
		printFatal(err, "Building method call errored")
	}

	c := openConnection(args[0])
	defer closeConnection(c)

	reply, err := c.SendWithReplyAndBlock(call, *timeout)
	if err != nil {
		closeConnection(c)
		printFatal(err, "Method call errored")
	}

	fmt.Println(reply)
	if reply.Signature == "s" {
		fmt.Println(reply.Text())
	}
}

// startPing for the "ping" CLI option. It runs until the peer disconnects.
func startPing(args []string) {
	if len(args) != 1 {
		printUsage()
	}

	c := openConnection(args[0])
	defer closeConnection(c)

	for i := 0; c.IsConnected(); i++ {
		ping := message.NewMethodCall("", "/", message.InterfacePeer, message.MemberPing)

		start := time.Now()
		if _, err := c.SendWithReplyAndBlock(ping, 5*time.Second); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "ping %d: %v\n", i, err)
		} else {
			fmt.Printf("ping %d: %v\n", i, time.Since(start))
		}

		time.Sleep(time.Second)
	}
}
