// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package journal

import (
	"io"

	"github.com/dtn7/cboring"
	log "github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
)

// Export all entries as a xz compressed CBOR array.
func (j *Journal) Export(w io.Writer) (n int, err error) {
	entries, err := j.Query(Query{})
	if err != nil {
		return
	}

	xzW, err := xz.NewWriter(w)
	if err != nil {
		return
	}

	if err = cboring.WriteArrayLength(uint64(len(entries)), xzW); err != nil {
		return
	}
	for i := range entries {
		if err = cboring.Marshal(&entries[i], xzW); err != nil {
			return
		}
		n++
	}

	err = xzW.Close()
	return
}

// Import entries from an Export. Imported entries get new keys.
func (j *Journal) Import(r io.Reader) (n int, err error) {
	defer func() {
		if err != nil {
			j.log().WithError(err).WithFields(log.Fields{
				"entries": n,
			}).Warn("Importing journal entries failed")
		}
	}()

	xzR, err := xz.NewReader(r)
	if err != nil {
		return
	}

	l, err := cboring.ReadArrayLength(xzR)
	if err != nil {
		return
	}

	for i := uint64(0); i < l; i++ {
		var e Entry
		if err = cboring.Unmarshal(&e, xzR); err != nil {
			return
		}
		if err = j.insert(e); err != nil {
			return
		}
		n++
	}

	j.log().WithField("entries", n).Info("Imported journal entries")
	return
}
