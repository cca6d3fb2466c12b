// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/connection"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/journal"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/mainloop"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
)

// monitor prints every dispatched message until the peer disconnects or a
// SIGINT appears.
type monitor struct {
	conn    *connection.Connection
	journal *journal.Journal
	loop    *mainloop.Loop

	closeChan    chan os.Signal
	disconnected chan struct{}
	once         sync.Once
}

func (m *monitor) filter(_ *connection.Connection, msg *message.Message, _ interface{}) message.HandlerResult {
	fmt.Println(msg)

	if msg.IsSignal(message.InterfaceLocal, message.MemberDisconnected) {
		m.once.Do(func() { close(m.disconnected) })
	}
	return message.HandlerNotYetHandled
}

// startMonitor for the "monitor" CLI option.
func startMonitor(args []string) {
	if len(args) != 2 {
		printUsage()
	}

	m := &monitor{
		loop:         mainloop.New(),
		closeChan:    make(chan os.Signal, 1),
		disconnected: make(chan struct{}),
	}
	signal.Notify(m.closeChan, os.Interrupt)

	if args[1] != "-" {
		var err error
		if m.journal, err = journal.Open(args[1]); err != nil {
			printFatal(err, "Opening journal errored")
		}
	}

	m.conn = openConnection(args[0])
	if m.journal != nil {
		m.conn.AddFilter(m.journal.Filter(), nil, nil)
	}
	m.conn.AddFilter(m.filter, nil, nil)

	if err := m.loop.Attach(m.conn); err != nil {
		printFatal(err, "Attaching to the main loop errored")
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		m.loop.Run()
	}()

	select {
	case <-m.closeChan:
		log.Info("Received interrupt signal")
	case <-m.disconnected:
		log.Info("Peer disconnected")
	}

	m.loop.Close()
	<-loopDone

	closeConnection(m.conn)

	if m.journal != nil {
		if err := m.journal.Close(); err != nil {
			printFatal(err, "Closing journal errored")
		}
	}
}
