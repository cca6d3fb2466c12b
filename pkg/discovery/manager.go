// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2020 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"
)

// Manager publishes and receives Announcements.
type Manager struct {
	own    map[string]bool
	notify func(Announcement)

	stopChan4 chan struct{}
	stopChan6 chan struct{}
}

// NewManager for Announcements will be created and started. The notify
// function is called for each resolved Announcement of another peer.
func NewManager(
	announcements []Announcement, announcementInterval time.Duration,
	ipv4, ipv6 bool, notify func(Announcement)) (*Manager, error) {

	var manager = &Manager{
		own:    make(map[string]bool),
		notify: notify,
	}
	for _, announcement := range announcements {
		if announcement.GUID != "" {
			manager.own[announcement.GUID] = true
		}
	}
	if ipv4 {
		manager.stopChan4 = make(chan struct{})
	}
	if ipv6 {
		manager.stopChan6 = make(chan struct{})
	}

	log.WithFields(log.Fields{
		"interval":      announcementInterval,
		"IPv4":          ipv4,
		"IPv6":          ipv6,
		"announcements": announcements,
	}).Info("Starting discovery Manager")

	msg, err := MarshalAnnouncements(announcements)
	if err != nil {
		return nil, err
	}

	sets := []struct {
		active           bool
		multicastAddress string
		stopChan         chan struct{}
		ipVersion        peerdiscovery.IPVersion
		notify           func(discovered peerdiscovery.Discovered)
	}{
		{ipv4, address4, manager.stopChan4, peerdiscovery.IPv4, manager.handle},
		{ipv6, address6, manager.stopChan6, peerdiscovery.IPv6, manager.handle6},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}

		set := peerdiscovery.Settings{
			Limit:            -1,
			Port:             fmt.Sprintf("%d", port),
			MulticastAddress: set.multicastAddress,
			Payload:          msg,
			Delay:            announcementInterval,
			TimeLimit:        -1,
			StopChan:         set.stopChan,
			AllowSelf:        true,
			IPVersion:        set.ipVersion,
			Notify:           set.notify,
		}

		discoverErrChan := make(chan error)
		go func() {
			_, discoverErr := peerdiscovery.Discover(set)
			discoverErrChan <- discoverErr
		}()

		select {
		case discoverErr := <-discoverErrChan:
			if discoverErr != nil {
				return nil, discoverErr
			}

		case <-time.After(time.Second):
			break
		}
	}

	return manager, nil
}

func (manager *Manager) handle6(discovered peerdiscovery.Discovered) {
	discovered.Address = fmt.Sprintf("[%s]", discovered.Address)

	manager.handle(discovered)
}

func (manager *Manager) handle(discovered peerdiscovery.Discovered) {
	announcements, err := UnmarshalAnnouncements(discovered.Payload)
	if err != nil {
		log.WithError(err).WithField("peer", discovered.Address).Warn(
			"Peer discovery failed to parse incoming package")
		return
	}

	for _, announcement := range announcements {
		manager.handleDiscovery(announcement, discovered.Address)
	}
}

func (manager *Manager) handleDiscovery(announcement Announcement, addr string) {
	logger := log.WithFields(log.Fields{
		"peer":    addr,
		"message": announcement,
	})
	logger.Debug("Peer discovery received a message")

	if manager.own[announcement.GUID] {
		return
	}

	resolved, err := announcement.Resolve(addr)
	if err != nil {
		logger.WithError(err).Warn("Announcement's address cannot be resolved")
		return
	}

	if manager.notify != nil {
		manager.notify(resolved)
	}
}

// Close this Manager.
func (manager *Manager) Close() {
	for _, c := range []chan struct{}{manager.stopChan4, manager.stopChan6} {
		if c != nil {
			c <- struct{}{}
		}
	}
}
