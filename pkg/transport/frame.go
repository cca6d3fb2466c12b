// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
	"github.com/howeyc/crc16"
)

var crcTable = crc16.MakeTable(crc16.CCITT)

// writeFrame writes a CBOR byte string header, the payload and its CRC in
// one Write call.
func writeFrame(w io.Writer, payload []byte) error {
	buff := new(bytes.Buffer)
	if err := cboring.WriteByteStringLen(uint64(len(payload)), buff); err != nil {
		return err
	}
	buff.Write(payload)

	var crc [2]byte
	binary.BigEndian.PutUint16(crc[:], crc16.Checksum(payload, crcTable))
	buff.Write(crc[:])

	_, err := buff.WriteTo(w)
	return err
}

// readFrame reads a frame written by writeFrame. Frames exceeding maxSize are
// rejected before their payload is read.
func readFrame(r io.Reader, maxSize int64) ([]byte, error) {
	n, err := cboring.ReadByteStringLen(r)
	if err != nil {
		return nil, err
	} else if maxSize > 0 && n > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, n, maxSize)
	}

	payload := make([]byte, n+2)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	crcVal := binary.BigEndian.Uint16(payload[n:])
	payload = payload[:n]
	if crcCalc := crc16.Checksum(payload, crcTable); crcCalc != crcVal {
		return nil, fmt.Errorf("%w: %04x instead of %04x", ErrChecksum, crcVal, crcCalc)
	}

	return payload, nil
}
