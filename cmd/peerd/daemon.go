// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/connection"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/discovery"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/journal"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/mainloop"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/transport"
)

// daemon accepts peers on its listeners and serves them from one main loop.
type daemon struct {
	loop     *mainloop.Loop
	loopDone chan struct{}

	listeners  []transport.Listener
	journal    *journal.Journal
	discovery  *discovery.Manager
	httpServer *http.Server

	mutex sync.Mutex
	core  coreConf
	conns map[uint64]*connection.Connection
	peers map[string]discovery.Announcement

	acceptWg sync.WaitGroup
}

// newDaemon starts everything the configuration asks for.
func newDaemon(conf tomlConfig) (d *daemon, err error) {
	d = &daemon{
		loop:     mainloop.New(),
		loopDone: make(chan struct{}),

		core:  conf.Core,
		conns: make(map[uint64]*connection.Connection),
		peers: make(map[string]discovery.Announcement),
	}

	go func() {
		defer close(d.loopDone)
		d.loop.Run()
	}()

	defer func() {
		if err != nil {
			d.Close()
			d = nil
		}
	}()

	if conf.Journal.Dir != "" {
		if d.journal, err = journal.Open(conf.Journal.Dir); err != nil {
			return
		}
	}

	var announcements []discovery.Announcement
	for _, l := range conf.Listen {
		listener, lErr := transport.Listen(l.Address)
		if lErr != nil {
			err = lErr
			return
		}

		log.WithField("address", listener.Address()).Info("Listening for peers")

		d.listeners = append(d.listeners, listener)
		announcements = append(announcements, discovery.Announcement{
			Address: listener.Address(),
			GUID:    listener.GUID(),
		})

		d.acceptWg.Add(1)
		go d.accept(listener)
	}

	if conf.Discovery.IPv4 || conf.Discovery.IPv6 {
		if conf.Discovery.Interval == 0 {
			conf.Discovery.Interval = 10
		}

		d.discovery, err = discovery.NewManager(
			announcements, time.Duration(conf.Discovery.Interval)*time.Second,
			conf.Discovery.IPv4, conf.Discovery.IPv6, d.discovered)
		if err != nil {
			return
		}
	}

	if conf.HTTP.Listen != "" {
		router := mux.NewRouter()
		newStatsHandler(d, router)

		d.httpServer = &http.Server{
			Addr:    conf.HTTP.Listen,
			Handler: router,
		}

		go func() {
			if httpErr := d.httpServer.ListenAndServe(); !errors.Is(httpErr, http.ErrServerClosed) {
				log.WithError(httpErr).Error("HTTP server errored")
			}
		}()
	}

	return
}

// accept peers until the Listener is closed.
func (d *daemon) accept(l transport.Listener) {
	defer d.acceptWg.Done()

	for {
		t, err := l.Accept()
		if err != nil {
			log.WithError(err).WithField("address", l.Address()).Debug("Listener stopped accepting")
			return
		}

		if err := d.serve(t); err != nil {
			log.WithError(err).WithField("transport", t).Warn("Failed to serve peer")
		}
	}
}

// serve a new peer's Transport from the main loop.
func (d *daemon) serve(t transport.Transport) error {
	c, err := connection.New(t)
	if err != nil {
		return err
	}

	d.mutex.Lock()
	d.applyCoreLocked(c)
	d.conns[c.ID()] = c
	d.mutex.Unlock()

	if d.journal != nil {
		c.AddFilter(d.journal.Filter(), nil, nil)
	}
	c.AddFilter(d.handleDisconnected, nil, nil)

	if err := c.RegisterObjectPath(echoPath, echoVTable(), nil); err != nil {
		d.drop(c)
		return err
	}

	if err := d.loop.Attach(c); err != nil {
		d.drop(c)
		return err
	}

	log.WithFields(log.Fields{
		"connection": c.ID(),
		"transport":  t,
	}).Info("Serving new peer")
	return nil
}

func (d *daemon) applyCoreLocked(c *connection.Connection) {
	if d.core.MaxMessageSize > 0 {
		c.SetMaxMessageSize(d.core.MaxMessageSize)
	}
	if d.core.MaxReceivedSize > 0 {
		c.SetMaxReceivedSize(d.core.MaxReceivedSize)
	}

	if users := d.core.UnixUsers; len(users) > 0 {
		c.SetUnixUserFunction(func(uid int) bool {
			for _, user := range users {
				if user == uid {
					return true
				}
			}
			return false
		})
	}
}

// applyCore updates the limits of all served Connections.
func (d *daemon) applyCore(core coreConf) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.core = core
	for _, c := range d.conns {
		d.applyCoreLocked(c)
	}
}

// handleDisconnected releases a Connection after its Disconnected signal.
func (d *daemon) handleDisconnected(c *connection.Connection, msg *message.Message, _ interface{}) message.HandlerResult {
	if msg.IsSignal(message.InterfaceLocal, message.MemberDisconnected) && msg.Path == message.PathLocal {
		log.WithField("connection", c.ID()).Info("Peer disconnected")
		d.drop(c)
	}
	return message.HandlerNotYetHandled
}

// drop a Connection from the daemon and the main loop.
func (d *daemon) drop(c *connection.Connection) {
	d.mutex.Lock()
	_, known := d.conns[c.ID()]
	delete(d.conns, c.ID())
	d.mutex.Unlock()

	if !known {
		return
	}

	d.loop.Detach(c)
	c.Close()
	c.Unref()
}

// connections returns a snapshot of all served Connections.
func (d *daemon) connections() []*connection.Connection {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	conns := make([]*connection.Connection, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c.Ref())
	}
	return conns
}

func (d *daemon) connection(id uint64) *connection.Connection {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if c, ok := d.conns[id]; ok {
		return c.Ref()
	}
	return nil
}

func (d *daemon) discovered(announcement discovery.Announcement) {
	d.mutex.Lock()
	_, known := d.peers[announcement.Address]
	d.peers[announcement.Address] = announcement
	d.mutex.Unlock()

	if !known {
		log.WithField("announcement", announcement).Info("Discovered new peer")
	}
}

func (d *daemon) discoveredPeers() []discovery.Announcement {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	peers := make([]discovery.Announcement, 0, len(d.peers))
	for _, peer := range d.peers {
		peers = append(peers, peer)
	}
	return peers
}

// expireJournal drops journal entries older than the configured lifetime.
func (d *daemon) expireJournal(expire time.Duration) {
	if d.journal == nil || expire <= 0 {
		return
	}

	if _, err := d.journal.DeleteOlderThan(time.Now().Add(-expire)); err != nil {
		log.WithError(err).Warn("Failed to expire journal entries")
	}
}

// Close everything down, peers first.
func (d *daemon) Close() (errs error) {
	if d.httpServer != nil {
		if err := d.httpServer.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if d.discovery != nil {
		d.discovery.Close()
	}

	for _, l := range d.listeners {
		if err := l.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	d.acceptWg.Wait()

	d.loop.Close()
	<-d.loopDone

	for _, c := range d.connections() {
		d.drop(c)
		c.Unref()
	}

	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return
}
