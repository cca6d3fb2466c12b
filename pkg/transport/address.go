// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Address of one transport method with its parameters.
type Address struct {
	Method string
	Params map[string]string
}

// ParseAddresses splits a semicolon separated list of addresses.
func ParseAddresses(s string) (addrs []Address, err error) {
	for _, entry := range strings.Split(s, ";") {
		if entry == "" {
			continue
		}

		addr, addrErr := ParseAddress(entry)
		if addrErr != nil {
			err = addrErr
			return
		}
		addrs = append(addrs, addr)
	}

	if len(addrs) == 0 {
		err = fmt.Errorf("%w: %q contains no address", ErrInvalidAddress, s)
	}
	return
}

// ParseAddress parses a single "method:key=value,..." address.
func ParseAddress(s string) (addr Address, err error) {
	colon := strings.Index(s, ":")
	if colon <= 0 {
		err = fmt.Errorf("%w: %q has no method", ErrInvalidAddress, s)
		return
	}

	addr.Method = s[:colon]
	addr.Params = make(map[string]string)

	rest := s[colon+1:]
	if rest == "" {
		return
	}

	for _, kv := range strings.Split(rest, ",") {
		eq := strings.Index(kv, "=")
		if eq <= 0 {
			err = fmt.Errorf("%w: %q has a malformed parameter %q", ErrInvalidAddress, s, kv)
			return
		}

		key := kv[:eq]
		if _, exists := addr.Params[key]; exists {
			err = fmt.Errorf("%w: %q repeats parameter %q", ErrInvalidAddress, s, key)
			return
		}

		value, unescErr := Unescape(kv[eq+1:])
		if unescErr != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidAddress, unescErr)
			return
		}
		addr.Params[key] = value
	}

	return
}

// Get a parameter or an empty string.
func (addr Address) Get(key string) string {
	return addr.Params[key]
}

// Port parameter as a number.
func (addr Address) Port() (int, error) {
	port, err := strconv.Atoi(addr.Get("port"))
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("%w: invalid port %q", ErrInvalidAddress, addr.Get("port"))
	}
	return port, nil
}

// HostPort joins host and port, defaulting to localhost.
func (addr Address) HostPort() (string, error) {
	port, err := addr.Port()
	if err != nil {
		return "", err
	}

	host := addr.Get("host")
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, port), nil
}

func (addr Address) String() string {
	keys := make([]string, 0, len(addr.Params))
	for k := range addr.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := make([]string, 0, len(keys))
	for _, k := range keys {
		params = append(params, k+"="+Escape(addr.Params[k]))
	}

	return addr.Method + ":" + strings.Join(params, ",")
}

func isOptionallyEscaped(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') ||
		strings.IndexByte("-_/\\.*", c) >= 0
}

// Escape a parameter value. Bytes outside the safe set become %XX.
func Escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if c := s[i]; isOptionallyEscaped(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02x", c)
		}
	}
	return b.String()
}

// Unescape a parameter value.
func Unescape(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}

		if i+3 > len(s) {
			return "", fmt.Errorf("truncated escape in %q", s)
		}

		n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid escape in %q", s)
		}
		b.WriteByte(byte(n))
		i += 2
	}
	return b.String(), nil
}
