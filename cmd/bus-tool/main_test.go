// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"errors"
	"os"
	"testing"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/transport"
)

func TestSplitMember(t *testing.T) {
	tests := []struct {
		in     string
		iface  string
		member string
		valid  bool
	}{
		{"org.dtn7.Echo.Echo", "org.dtn7.Echo", "Echo", true},
		{"a.b", "a", "b", true},
		{"Echo", "", "", false},
		{"org.dtn7.", "", "", false},
		{".Echo", "", "", false},
	}

	for _, test := range tests {
		iface, member, err := splitMember(test.in)
		if (err == nil) != test.valid {
			t.Fatalf("%q: unexpected error %v", test.in, err)
		}
		if iface != test.iface || member != test.member {
			t.Fatalf("%q split into %q and %q", test.in, iface, member)
		}
	}
}

func TestWithBody(t *testing.T) {
	msg := withBody(message.NewSignal("/a", "org.dtn7.A", "B"), nil)
	if msg.Signature != "" || msg.Body != nil {
		t.Fatalf("unexpected body %v", msg)
	}

	msg = withBody(message.NewSignal("/a", "org.dtn7.A", "B"), []string{"hello"})
	if msg.Signature != "s" || msg.Text() != "hello" {
		t.Fatalf("unexpected body %v", msg)
	}
}

func TestResolveAddress(t *testing.T) {
	defer os.Unsetenv(envAddress)

	if addr, err := resolveAddress("tcp:port=1"); err != nil || addr != "tcp:port=1" {
		t.Fatalf("unexpected result %q, %v", addr, err)
	}

	os.Unsetenv(envAddress)
	if _, err := resolveAddress("-"); !errors.Is(err, transport.ErrInvalidAddress) {
		t.Fatalf("unexpected error %v", err)
	}

	os.Setenv(envAddress, "unix:path=/tmp/bus")
	if addr, err := resolveAddress("-"); err != nil || addr != "unix:path=/tmp/bus" {
		t.Fatalf("unexpected result %q, %v", addr, err)
	}
}
