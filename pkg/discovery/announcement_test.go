// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2020 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"reflect"
	"testing"
)

func TestDiscoveryMessageCbor(t *testing.T) {
	var tests = []Announcement{
		{Address: "tcp:host=0.0.0.0,port=8000", GUID: "0123456789abcdef0123456789abcdef"},
		{Address: "quic:port=12345", GUID: ""},
		{Address: "ws:host=example.org,path=/bus,port=80", GUID: "fedcba9876543210fedcba9876543210"},
	}

	for _, dmIn := range tests {
		buff, err := MarshalAnnouncements([]Announcement{dmIn})
		if err != nil {
			t.Fatalf("Encoding failed: %v", err)
		}

		dmsOut, err := UnmarshalAnnouncements(buff)
		if err != nil {
			t.Fatalf("Decoding failed: %v", err)
		}

		if l := len(dmsOut); l != 1 {
			t.Fatalf("Length of decoded Announcements is %d != 1", l)
		}

		if !reflect.DeepEqual(dmIn, dmsOut[0]) {
			t.Fatalf("Decoded Announcement differs: %v became %v", dmIn, dmsOut[0])
		}
	}
}

func TestDiscoveryMessageInvalidAddress(t *testing.T) {
	buff, err := MarshalAnnouncements([]Announcement{{Address: "no method"}})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := UnmarshalAnnouncements(buff); err == nil {
		t.Fatal("Decoding an invalid address succeeded")
	}
}

func TestAnnouncementResolve(t *testing.T) {
	tests := []struct {
		in   Announcement
		host string
		out  string
	}{
		{Announcement{"tcp:host=0.0.0.0,port=8000", "abcd"}, "192.168.1.2", "tcp:guid=abcd,host=192.168.1.2,port=8000"},
		{Announcement{"tcp:port=8000", ""}, "[fe80::1]", "tcp:host=%5bfe80%3a%3a1%5d,port=8000"},
		{Announcement{"quic:host=10.0.0.1,port=9000", ""}, "192.168.1.2", "quic:host=10.0.0.1,port=9000"},
		{Announcement{"unix:path=/tmp/bus", "abcd"}, "192.168.1.2", "unix:path=/tmp/bus"},
	}

	for _, test := range tests {
		resolved, err := test.in.Resolve(test.host)
		if err != nil {
			t.Fatal(err)
		}
		if resolved.Address != test.out {
			t.Fatalf("%v resolved to %q, expected %q", test.in, resolved.Address, test.out)
		}
	}
}

func TestManagerSkipsOwnAnnouncements(t *testing.T) {
	var got []Announcement
	manager := &Manager{
		own:    map[string]bool{"abcd": true},
		notify: func(a Announcement) { got = append(got, a) },
	}

	manager.handleDiscovery(Announcement{"tcp:port=8000", "abcd"}, "10.0.0.1")
	manager.handleDiscovery(Announcement{"tcp:port=8001", "ef01"}, "10.0.0.2")

	if len(got) != 1 || got[0].Address != "tcp:guid=ef01,host=10.0.0.2,port=8001" {
		t.Fatalf("unexpected notifications %v", got)
	}
}
