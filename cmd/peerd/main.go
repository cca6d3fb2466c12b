// SPDX-FileCopyrightText: 2019, 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

// reloader re-applies the configuration file whenever it changes and expires
// old journal entries.
type reloader struct {
	filename string
	d        *daemon
	watcher  *fsnotify.Watcher
	expire   time.Duration

	stopSyn chan struct{}
	stopAck chan struct{}
}

func newReloader(filename string, d *daemon, expire time.Duration) (*reloader, error) {
	r := &reloader{
		filename: filepath.Clean(filename),
		d:        d,
		expire:   expire,

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Editors replace files, so the directory is watched.
	if err := watcher.Add(filepath.Dir(r.filename)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	r.watcher = watcher

	go r.handler()
	return r, nil
}

func (r *reloader) handler() {
	defer close(r.stopAck)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopSyn:
			return

		case <-ticker.C:
			r.d.expireJournal(r.expire)

		case e, ok := <-r.watcher.Events:
			if !ok {
				log.Error("fsnotify's Event channel was closed")
				return
			}

			if filepath.Clean(e.Name) != r.filename || e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			r.reload()

		case err, ok := <-r.watcher.Errors:
			if !ok {
				log.Error("fsnotify's Errors channel was closed")
				return
			}

			log.WithError(err).Warn("fsnotify errored")
		}
	}
}

// reload the logging block, the connection limits and the journal lifetime.
// Listeners and discovery need a restart.
func (r *reloader) reload() {
	conf, err := parseConfig(r.filename)
	if err != nil {
		log.WithError(err).WithField("file", r.filename).Warn("Ignoring invalid configuration change")
		return
	}

	applyLogging(conf.Logging)
	r.d.applyCore(conf.Core)
	r.expire = conf.journalExpire()

	log.WithField("file", r.filename).Info("Reloaded configuration")
}

func (r *reloader) Close() error {
	close(r.stopSyn)
	<-r.stopAck

	return r.watcher.Close()
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := parseConfig(os.Args[1])
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to parse config")
	}
	applyLogging(conf.Logging)

	d, err := newDaemon(conf)
	if err != nil {
		log.WithError(err).Fatal("Failed to start daemon")
	}

	r, err := newReloader(os.Args[1], d, conf.journalExpire())
	if err != nil {
		log.WithError(err).Warn("Configuration changes will not be reloaded")
	}

	d.expireJournal(conf.journalExpire())

	waitSigint()
	log.Info("Shutting down..")

	if r != nil {
		if err := r.Close(); err != nil {
			log.WithError(err).Warn("Closing the configuration watcher errored")
		}
	}
	if err := d.Close(); err != nil {
		log.WithError(err).Warn("Shutting down errored")
	}
}
