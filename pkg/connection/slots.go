// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"sync"
)

// Slot indexes application data attached to Connections.
type Slot int

var slotAllocator struct {
	mutex sync.Mutex
	refs  []int
}

type slotEntry struct {
	data interface{}
	free func(data interface{})
}

// AllocateDataSlot returns an unused Slot, valid for all Connections.
func AllocateDataSlot() Slot {
	slotAllocator.mutex.Lock()
	defer slotAllocator.mutex.Unlock()

	for i, refs := range slotAllocator.refs {
		if refs == 0 {
			slotAllocator.refs[i] = 1
			return Slot(i)
		}
	}

	slotAllocator.refs = append(slotAllocator.refs, 1)
	return Slot(len(slotAllocator.refs) - 1)
}

// FreeDataSlot releases a Slot. Data still attached is not freed.
func FreeDataSlot(s Slot) {
	slotAllocator.mutex.Lock()
	defer slotAllocator.mutex.Unlock()

	if checkf(slotAllocated(s), "freeing unallocated slot %d", s) {
		slotAllocator.refs[s]--
	}
}

func slotAllocated(s Slot) bool {
	return s >= 0 && int(s) < len(slotAllocator.refs) && slotAllocator.refs[s] > 0
}

// SetData attaches data to a Slot. Previous data is freed.
func (c *Connection) SetData(s Slot, data interface{}, free func(data interface{})) bool {
	slotAllocator.mutex.Lock()
	allocated := slotAllocated(s)
	slotAllocator.mutex.Unlock()

	if !checkf(allocated, "setting data of unallocated slot %d", s) {
		return false
	}

	c.lock()
	for int(s) >= len(c.slots) {
		c.slots = append(c.slots, slotEntry{})
	}
	old := c.slots[s]
	c.slots[s] = slotEntry{data: data, free: free}
	c.unlock()

	if old.free != nil {
		old.free(old.data)
	}
	return true
}

// Data attached to a Slot, or nil.
func (c *Connection) Data(s Slot) interface{} {
	c.lock()
	defer c.unlock()

	if int(s) < 0 || int(s) >= len(c.slots) {
		return nil
	}
	return c.slots[s].data
}
