// SPDX-FileCopyrightText: 2020 Markus Sommer
// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"fmt"
	"io"
	"net"

	"github.com/dtn7/cboring"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/transport"
)

// Announcement of some peer's listening address.
type Announcement struct {
	Address string
	GUID    string
}

// UnmarshalAnnouncements creates a new array of Announcement based on a CBOR byte string.
func UnmarshalAnnouncements(data []byte) (announcements []Announcement, err error) {
	buff := bytes.NewBuffer(data)

	if l, cErr := cboring.ReadArrayLength(buff); cErr != nil {
		err = cErr
		return
	} else {
		announcements = make([]Announcement, l)
	}

	for i := 0; i < len(announcements); i++ {
		if cErr := cboring.Unmarshal(&announcements[i], buff); cErr != nil {
			err = fmt.Errorf("unmarshalling Announcement %d failed: %v", i, cErr)
			return
		}
	}

	return
}

// MarshalAnnouncements into a CBOR byte string.
func MarshalAnnouncements(announcements []Announcement) (data []byte, err error) {
	buff := new(bytes.Buffer)

	if cErr := cboring.WriteArrayLength(uint64(len(announcements)), buff); cErr != nil {
		err = cErr
		return
	}

	for i := range announcements {
		announcement := announcements[i]
		if cErr := cboring.Marshal(&announcement, buff); cErr != nil {
			err = fmt.Errorf("marshalling Announcement %d (%v) failed: %v", i, announcement, cErr)
			return
		}
	}

	data = buff.Bytes()
	return
}

// MarshalCbor creates a CBOR representation for an Announcement.
func (announcement *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}

	for _, s := range []string{announcement.Address, announcement.GUID} {
		if err := cboring.WriteTextString(s, w); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalCbor creates an Announcement from its CBOR representation.
func (announcement *Announcement) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("wrong array length: %d instead of 2", l)
	}

	if s, err := cboring.ReadTextString(r); err != nil {
		return err
	} else if _, addrErr := transport.ParseAddress(s); addrErr != nil {
		return addrErr
	} else {
		announcement.Address = s
	}

	if s, err := cboring.ReadTextString(r); err != nil {
		return err
	} else {
		announcement.GUID = s
	}

	return nil
}

// Resolve an Announcement received from host. A missing or unspecified host
// parameter is replaced by the sender's host.
func (announcement Announcement) Resolve(host string) (Announcement, error) {
	addr, err := transport.ParseAddress(announcement.Address)
	if err != nil {
		return announcement, err
	}

	if _, hasPort := addr.Params["port"]; !hasPort {
		return announcement, nil
	}

	if h := addr.Get("host"); h == "" || net.ParseIP(h) != nil && net.ParseIP(h).IsUnspecified() {
		addr.Params["host"] = host
	}
	if announcement.GUID != "" {
		addr.Params["guid"] = announcement.GUID
	}

	announcement.Address = addr.String()
	return announcement, nil
}

func (announcement Announcement) String() string {
	return fmt.Sprintf("Announcement(%s,%s)", announcement.Address, announcement.GUID)
}
