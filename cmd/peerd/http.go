// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/connection"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/journal"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
)

// statsHandler serves JSON statistics of a daemon.
type statsHandler struct {
	d      *daemon
	router *mux.Router
}

func newStatsHandler(d *daemon, router *mux.Router) *statsHandler {
	sh := &statsHandler{d: d, router: router}

	sh.router.HandleFunc("/connections", sh.handleConnections).Methods(http.MethodGet)
	sh.router.HandleFunc("/connections/{id:[0-9]+}", sh.handleConnection).Methods(http.MethodGet)
	sh.router.HandleFunc("/peers", sh.handlePeers).Methods(http.MethodGet)
	sh.router.HandleFunc("/journal", sh.handleJournal).Methods(http.MethodGet)

	return sh
}

func (sh *statsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sh.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write HTTP response")
	}
}

func (sh *statsHandler) handleConnections(w http.ResponseWriter, _ *http.Request) {
	conns := sh.d.connections()

	stats := make([]connection.Stats, 0, len(conns))
	for _, c := range conns {
		stats = append(stats, c.Stats())
		c.Unref()
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })

	writeJSON(w, stats)
}

func (sh *statsHandler) handleConnection(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c := sh.d.connection(id)
	if c == nil {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}
	defer c.Unref()

	writeJSON(w, c.Stats())
}

func (sh *statsHandler) handlePeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, sh.d.discoveredPeers())
}

// journalQuery builds a journal.Query from the URL parameters interface,
// member, type and since.
func journalQuery(r *http.Request) (q journal.Query, err error) {
	values := r.URL.Query()

	q.Interface = values.Get("interface")
	q.Member = values.Get("member")

	if t := values.Get("type"); t != "" {
		var n uint64
		if n, err = strconv.ParseUint(t, 10, 64); err != nil {
			return
		}
		q.Type = message.Type(n)
	}

	if since := values.Get("since"); since != "" {
		q.Since, err = time.Parse(time.RFC3339, since)
	}
	return
}

func (sh *statsHandler) handleJournal(w http.ResponseWriter, r *http.Request) {
	if sh.d.journal == nil {
		http.Error(w, "journal is disabled", http.StatusNotFound)
		return
	}

	q, err := journalQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := sh.d.journal.Query(q)
	if err != nil {
		log.WithError(err).Warn("Failed to query journal")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, entries)
}
