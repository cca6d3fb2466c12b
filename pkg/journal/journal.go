// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package journal persists the messages passing a Connection.
//
// A Journal is backed by a badgerhold store. Its Filter records every
// dispatched message of a Connection without consuming it. Recorded entries
// can be queried, expired and exported as a xz compressed CBOR stream.
package journal

import (
	"os"
	"path"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timshannon/badgerhold"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/connection"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
)

const dirBadger string = "db"

// Journal of messages.
type Journal struct {
	bh  *badgerhold.Store
	dir string

	mutex  sync.Mutex
	lastID uint64
}

// Open a new Journal or an existing one from the given directory.
func Open(dir string) (j *Journal, err error) {
	badgerDir := path.Join(dir, dirBadger)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<28 - 1

	if dirErr := os.MkdirAll(badgerDir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	if bh, bhErr := badgerhold.Open(opts); bhErr != nil {
		err = bhErr
	} else {
		j = &Journal{
			bh:  bh,
			dir: dir,
		}
		j.log().Info("Opened journal")
	}
	return
}

func (j *Journal) log() *log.Entry {
	return log.WithField("journal", j.dir)
}

// Close the Journal. It must not be used afterwards.
func (j *Journal) Close() error {
	j.log().Info("Closing journal")
	return j.bh.Close()
}

// nextID derives a monotonic key from the entry's time.
func (j *Journal) nextID(t time.Time) uint64 {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	id := uint64(t.UnixNano())
	if id <= j.lastID {
		id = j.lastID + 1
	}
	j.lastID = id
	return id
}

func (j *Journal) insert(e Entry) error {
	e.ID = j.nextID(e.Time)
	return j.bh.Insert(e.ID, e)
}

// Record a message which was not received through a Connection.
func (j *Journal) Record(msg *message.Message, dir Direction) error {
	return j.insert(newEntry(msg, dir, 0, time.Now()))
}

// Filter for a Connection, recording each dispatched message as Incoming.
// It never consumes a message.
func (j *Journal) Filter() connection.FilterFunc {
	return func(c *connection.Connection, msg *message.Message, _ interface{}) message.HandlerResult {
		if err := j.insert(newEntry(msg, Incoming, c.ID(), time.Now())); err != nil {
			j.log().WithError(err).WithField("message", msg).Warn("Failed to record message")
		}
		return message.HandlerNotYetHandled
	}
}

// Query selects entries. Empty fields match everything.
type Query struct {
	Interface string
	Member    string
	Type      message.Type
	Since     time.Time
}

func (q Query) bhQuery() *badgerhold.Query {
	var query *badgerhold.Query
	where := func(field string) *badgerhold.Criterion {
		if query == nil {
			return badgerhold.Where(field)
		}
		return query.And(field)
	}

	if q.Interface != "" {
		query = where("Interface").Eq(q.Interface)
	}
	if q.Member != "" {
		query = where("Member").Eq(q.Member)
	}
	if q.Type != message.TypeInvalid {
		query = where("Type").Eq(q.Type)
	}
	if !q.Since.IsZero() {
		query = where("Time").Ge(q.Since)
	}
	return query
}

// Query fetches all matching entries, ordered by their recording time.
func (j *Journal) Query(q Query) (entries []Entry, err error) {
	if err = j.bh.Find(&entries, q.bhQuery()); err != nil {
		return
	}

	sort.Slice(entries, func(a, b int) bool {
		if !entries[a].Time.Equal(entries[b].Time) {
			return entries[a].Time.Before(entries[b].Time)
		}
		return entries[a].ID < entries[b].ID
	})
	return
}

// DeleteOlderThan removes all entries recorded before t.
func (j *Journal) DeleteOlderThan(t time.Time) (deleted int, err error) {
	var entries []Entry
	if err = j.bh.Find(&entries, badgerhold.Where("Time").Lt(t)); err != nil {
		return
	}

	for _, e := range entries {
		if delErr := j.bh.Delete(e.ID, Entry{}); delErr != nil {
			j.log().WithError(delErr).WithField("entry", e.ID).Warn("Failed to delete entry")
			err = delErr
			continue
		}
		deleted++
	}

	j.log().WithFields(log.Fields{
		"before":  t,
		"deleted": deleted,
	}).Info("Deleted old journal entries")
	return
}
