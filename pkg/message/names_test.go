// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package message

import "testing"

func TestCheckPath(t *testing.T) {
	tests := []struct {
		path  string
		valid bool
	}{
		{"/", true},
		{"/org/example/Obj", true},
		{"/org/example/obj_2", true},
		{"", false},
		{"org/example", false},
		{"/org/", false},
		{"/org//example", false},
		{"/org/exa-mple", false},
	}

	for _, test := range tests {
		if err := CheckPath(test.path); (err == nil) != test.valid {
			t.Fatalf("CheckPath(%q): expected valid=%t, got %v", test.path, test.valid, err)
		}
	}
}

func TestCheckInterfaceAndMember(t *testing.T) {
	ifaces := []struct {
		name  string
		valid bool
	}{
		{"org.example.Iface", true},
		{"org.freedesktop.DBus.Peer", true},
		{"a.b", true},
		{"single", false},
		{"org..example", false},
		{"org.2example", false},
		{"org.exa-mple", false},
	}

	for _, test := range ifaces {
		if err := CheckInterface(test.name); (err == nil) != test.valid {
			t.Fatalf("CheckInterface(%q): expected valid=%t, got %v", test.name, test.valid, err)
		}
	}

	members := []struct {
		name  string
		valid bool
	}{
		{"Ping", true},
		{"get_thing2", true},
		{"", false},
		{"2Ping", false},
		{"Pi.ng", false},
	}

	for _, test := range members {
		if err := CheckMember(test.name); (err == nil) != test.valid {
			t.Fatalf("CheckMember(%q): expected valid=%t, got %v", test.name, test.valid, err)
		}
	}
}

func TestCheckBusName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{":1.42", true},
		{"org.example-service.Name", true},
		{"org.example", true},
		{":1", false},
		{"1org.example", false},
		{"org", false},
	}

	for _, test := range tests {
		if err := CheckBusName(test.name); (err == nil) != test.valid {
			t.Fatalf("CheckBusName(%q): expected valid=%t, got %v", test.name, test.valid, err)
		}
	}
}
