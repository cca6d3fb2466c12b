// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/connection"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/journal"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/transport"
)

func writeConfig(t *testing.T, dir, content string) string {
	filename := filepath.Join(dir, "configuration.toml")
	if err := ioutil.WriteFile(filename, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestParseConfig(t *testing.T) {
	dir, err := ioutil.TempDir("", "peerd")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	conf, err := parseConfig(writeConfig(t, dir, `
[core]
max-message-size = 4096
unix-users = [1000, 1001]

[logging]
level = "debug"
format = "json"

[[listen]]
address = "tcp:host=127.0.0.1,port=0"

[[listen]]
address = "unix:path=/tmp/peerd"

[journal]
dir = "/tmp/journal"
expire = "24h"

[discovery]
ipv4 = true
interval = 5

[http]
listen = "127.0.0.1:8080"
`))
	if err != nil {
		t.Fatal(err)
	}

	if conf.Core.MaxMessageSize != 4096 || len(conf.Core.UnixUsers) != 2 {
		t.Fatalf("unexpected core block %v", conf.Core)
	}
	if len(conf.Listen) != 2 || conf.Listen[1].Address != "unix:path=/tmp/peerd" {
		t.Fatalf("unexpected listen blocks %v", conf.Listen)
	}
	if conf.journalExpire() != 24*time.Hour {
		t.Fatalf("unexpected journal expiry %v", conf.journalExpire())
	}
	if !conf.Discovery.IPv4 || conf.Discovery.IPv6 || conf.Discovery.Interval != 5 {
		t.Fatalf("unexpected discovery block %v", conf.Discovery)
	}
	if conf.HTTP.Listen != "127.0.0.1:8080" {
		t.Fatalf("unexpected http block %v", conf.HTTP)
	}
}

func TestParseConfigInvalid(t *testing.T) {
	dir, err := ioutil.TempDir("", "peerd")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	_, err = parseConfig(writeConfig(t, dir, `
[core]
max-received-size = -1

[logging]
level = "chatty"
format = "xml"

[[listen]]
address = "no method"

[journal]
expire = "soon"
`))

	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("expected a multierror, got %v", err)
	}
	// listen, max-received-size, expire without dir, expire syntax, level, format
	if l := len(merr.Errors); l != 6 {
		t.Fatalf("expected 6 errors, got %d: %v", l, merr)
	}
}

func closeClient(c *connection.Connection) {
	c.Close()
	for c.Dispatch() == transport.StatusDataRemains {
	}
	c.Unref()
}

func TestDaemon(t *testing.T) {
	dir, err := ioutil.TempDir("", "peerd")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	d, err := newDaemon(tomlConfig{
		Listen:  []listenConf{{Address: "tcp:host=127.0.0.1,port=0"}},
		Journal: journalConf{Dir: filepath.Join(dir, "journal")},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			t.Fatal(err)
		}
	}()

	client, err := connection.OpenPrivate(d.listeners[0].Address())
	if err != nil {
		t.Fatal(err)
	}
	defer closeClient(client)

	call := message.NewMethodCall("", echoPath, echoInterface, "Echo")
	call.Signature, call.Body = "s", []byte("hello")

	if reply, err := client.SendWithReplyAndBlock(call, 5*time.Second); err != nil {
		t.Fatal(err)
	} else if reply.Text() != "hello" {
		t.Fatalf("unexpected reply %v", reply)
	}

	fail := message.NewMethodCall("", echoPath, echoInterface, "Fail")
	if _, err := client.SendWithReplyAndBlock(fail, 5*time.Second); !errors.Is(err, &message.Error{Name: message.ErrorFailed}) {
		t.Fatalf("unexpected error %v", err)
	}

	handler := newStatsHandler(d, mux.NewRouter())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/connections", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /connections returned %d", rec.Code)
	}

	var stats []connection.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 || !stats[0].Connected {
		t.Fatalf("unexpected stats %v", stats)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/connections/999999", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET of an unknown connection returned %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/journal?interface="+echoInterface, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /journal returned %d", rec.Code)
	}

	var entries []journal.Entry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Member != "Echo" || entries[1].Member != "Fail" {
		t.Fatalf("unexpected journal entries %v", entries)
	}
}

func TestEchoNoReply(t *testing.T) {
	var sent []*message.Message
	sender := senderFunc(func(msg *message.Message) uint32 {
		sent = append(sent, msg)
		return 1
	})

	call := message.NewMethodCall("", echoPath, echoInterface, "Echo")
	call.Flags |= message.FlagNoReplyExpected

	if res := handleEcho(sender, call, nil); res != message.HandlerHandled {
		t.Fatalf("unexpected result %v", res)
	}
	if len(sent) != 0 {
		t.Fatalf("sent %d replies to a no-reply call", len(sent))
	}

	other := message.NewMethodCall("", echoPath, echoInterface, "Other")
	if res := handleEcho(sender, other, nil); res != message.HandlerNotYetHandled {
		t.Fatalf("unexpected result %v", res)
	}
}

type senderFunc func(msg *message.Message) uint32

func (f senderFunc) Send(msg *message.Message) uint32 {
	return f(msg)
}
