// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dtn7/cboring"
)

const unknownID int64 = -1

// hello is exchanged once by both peers. The client sends an empty GUID.
type hello struct {
	GUID string
	UID  int64
	PID  int64
}

func ownHello(guid string) hello {
	return hello{GUID: guid, UID: int64(os.Getuid()), PID: int64(os.Getpid())}
}

func writeID(id int64, w io.Writer) error {
	if err := cboring.WriteBoolean(id >= 0, w); err != nil {
		return err
	}
	if id < 0 {
		id = 0
	}
	return cboring.WriteUInt(uint64(id), w)
}

func readID(r io.Reader) (int64, error) {
	known, err := cboring.ReadBoolean(r)
	if err != nil {
		return 0, err
	}

	n, err := cboring.ReadUInt(r)
	if err != nil {
		return 0, err
	} else if !known {
		return unknownID, nil
	}
	return int64(n), nil
}

// MarshalCbor writes the CBOR representation of a hello.
func (h *hello) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(5, w); err != nil {
		return err
	}

	if err := cboring.WriteTextString(h.GUID, w); err != nil {
		return err
	}
	if err := writeID(h.UID, w); err != nil {
		return err
	}
	return writeID(h.PID, w)
}

// UnmarshalCbor reads the CBOR representation of a hello.
func (h *hello) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 5 {
		return fmt.Errorf("wrong array length: %d instead of 5", l)
	}

	if guid, err := cboring.ReadTextString(r); err != nil {
		return err
	} else {
		h.GUID = guid
	}

	ids := []*int64{&h.UID, &h.PID}
	for _, id := range ids {
		if n, err := readID(r); err != nil {
			return err
		} else {
			*id = n
		}
	}
	return nil
}

func sendHello(w io.Writer, h hello) error {
	buff := new(bytes.Buffer)
	if err := cboring.Marshal(&h, buff); err != nil {
		return err
	}
	return writeFrame(w, buff.Bytes())
}

func recvHello(r io.Reader) (h hello, err error) {
	payload, frameErr := readFrame(r, 4096)
	if frameErr != nil {
		err = frameErr
		return
	}

	err = cboring.Unmarshal(&h, bytes.NewReader(payload))
	return
}

// withTimeout runs a handshake step and closes the channel if it does not
// finish in time.
func withTimeout(c io.Closer, timeout time.Duration, f func() error) error {
	errChan := make(chan error, 1)
	go func() { errChan <- f() }()

	select {
	case err := <-errChan:
		return err

	case <-time.After(timeout):
		_ = c.Close()
		<-errChan
		return fmt.Errorf("handshake timed out after %v", timeout)
	}
}

// clientHandshake introduces the client and learns the server's GUID.
func clientHandshake(rw io.ReadWriteCloser, expectedGUID string) (server hello, err error) {
	err = withTimeout(rw, handshakeTimeout, func() error {
		if err := sendHello(rw, ownHello("")); err != nil {
			return err
		}

		h, err := recvHello(rw)
		if err != nil {
			return err
		}
		server = h
		return nil
	})

	if err == nil && expectedGUID != "" && server.GUID != expectedGUID {
		err = fmt.Errorf("%w: %s instead of %s", ErrGUIDMismatch, server.GUID, expectedGUID)
	}
	return
}

// serverHandshake waits for the client and answers with the server's GUID.
func serverHandshake(rw io.ReadWriteCloser, guid string) (client hello, err error) {
	err = withTimeout(rw, handshakeTimeout, func() error {
		h, err := recvHello(rw)
		if err != nil {
			return err
		}
		client = h

		return sendHello(rw, ownHello(guid))
	})
	return
}
