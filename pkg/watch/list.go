// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package watch

import (
	log "github.com/sirupsen/logrus"
)

// WatchFunctions are an application's hooks for Watches. Add returns false
// if the Watch could not be registered. Data is passed to Free as soon as
// these functions are replaced or the list is freed.
type WatchFunctions struct {
	Add     func(w *Watch) bool
	Remove  func(w *Watch)
	Toggled func(w *Watch)

	Data interface{}
	Free func(data interface{})
}

// WatchList is a set of Watches, mirrored to the current WatchFunctions.
//
// A WatchList is not synchronized. Its owner must serialize all calls and
// must not hold any locks while the list calls the application's functions.
type WatchList struct {
	watches []*Watch
	fns     WatchFunctions
}

// NewWatchList without any functions.
func NewWatchList() *WatchList {
	return &WatchList{}
}

// SetFunctions replaces the current functions. All known Watches are added
// to the new functions first and removed from the previous functions
// afterwards. If the new Add fails for one Watch, the already added Watches
// are removed again and false is returned; the previous functions stay.
func (wl *WatchList) SetFunctions(fns WatchFunctions) bool {
	if fns.Add != nil {
		for i, w := range wl.watches {
			if fns.Add(w) {
				continue
			}

			log.WithField("watch", w).Debug("WatchList: new add function failed, rolling back")

			for _, added := range wl.watches[:i] {
				if fns.Remove != nil {
					fns.Remove(added)
				}
			}
			return false
		}
	}

	if wl.fns.Remove != nil {
		for _, w := range wl.watches {
			wl.fns.Remove(w)
		}
	}

	if wl.fns.Free != nil {
		wl.fns.Free(wl.fns.Data)
	}

	wl.fns = fns
	return true
}

// Add a Watch and pass it to the Add function.
func (wl *WatchList) Add(w *Watch) bool {
	wl.watches = append(wl.watches, w)

	if wl.fns.Add != nil && !wl.fns.Add(w) {
		wl.drop(w)
		return false
	}
	return true
}

// Remove a Watch and pass it to the Remove function. Its data is freed.
func (wl *WatchList) Remove(w *Watch) {
	if !wl.drop(w) {
		return
	}

	if wl.fns.Remove != nil {
		wl.fns.Remove(w)
	}
	w.SetData(nil, nil)
}

// Toggle a Watch's enabled state. The Toggled function is only called for
// an actual change.
func (wl *WatchList) Toggle(w *Watch, enabled bool) {
	if !w.setEnabled(enabled) {
		return
	}

	if wl.fns.Toggled != nil {
		wl.fns.Toggled(w)
	}
}

// Len returns the number of Watches.
func (wl *WatchList) Len() int {
	return len(wl.watches)
}

// Free removes all Watches and the current functions.
func (wl *WatchList) Free() {
	for len(wl.watches) > 0 {
		w := wl.watches[len(wl.watches)-1]
		wl.Remove(w)
		w.Invalidate()
	}

	wl.SetFunctions(WatchFunctions{})
}

func (wl *WatchList) drop(w *Watch) bool {
	for i, x := range wl.watches {
		if x == w {
			wl.watches = append(wl.watches[:i], wl.watches[i+1:]...)
			return true
		}
	}
	return false
}

// TimeoutFunctions are an application's hooks for Timeouts, analogous to the
// WatchFunctions.
type TimeoutFunctions struct {
	Add     func(t *Timeout) bool
	Remove  func(t *Timeout)
	Toggled func(t *Timeout)

	Data interface{}
	Free func(data interface{})
}

// TimeoutList is a set of Timeouts, mirrored to the current
// TimeoutFunctions. The same synchronization rules as for a WatchList apply.
type TimeoutList struct {
	timeouts []*Timeout
	fns      TimeoutFunctions
}

// NewTimeoutList without any functions.
func NewTimeoutList() *TimeoutList {
	return &TimeoutList{}
}

// SetFunctions replaces the current functions, like WatchList.SetFunctions.
func (tl *TimeoutList) SetFunctions(fns TimeoutFunctions) bool {
	if fns.Add != nil {
		for i, t := range tl.timeouts {
			if fns.Add(t) {
				continue
			}

			log.WithField("timeout", t).Debug("TimeoutList: new add function failed, rolling back")

			for _, added := range tl.timeouts[:i] {
				if fns.Remove != nil {
					fns.Remove(added)
				}
			}
			return false
		}
	}

	if tl.fns.Remove != nil {
		for _, t := range tl.timeouts {
			tl.fns.Remove(t)
		}
	}

	if tl.fns.Free != nil {
		tl.fns.Free(tl.fns.Data)
	}

	tl.fns = fns
	return true
}

// Add a Timeout and pass it to the Add function.
func (tl *TimeoutList) Add(t *Timeout) bool {
	tl.timeouts = append(tl.timeouts, t)

	if tl.fns.Add != nil && !tl.fns.Add(t) {
		tl.drop(t)
		return false
	}
	return true
}

// Remove a Timeout and pass it to the Remove function. Its data is freed.
func (tl *TimeoutList) Remove(t *Timeout) {
	if !tl.drop(t) {
		return
	}

	if tl.fns.Remove != nil {
		tl.fns.Remove(t)
	}
	t.SetData(nil, nil)
}

// Toggle a Timeout's enabled state.
func (tl *TimeoutList) Toggle(t *Timeout, enabled bool) {
	if !t.setEnabled(enabled) {
		return
	}

	if tl.fns.Toggled != nil {
		tl.fns.Toggled(t)
	}
}

// Len returns the number of Timeouts.
func (tl *TimeoutList) Len() int {
	return len(tl.timeouts)
}

// Free removes all Timeouts and the current functions.
func (tl *TimeoutList) Free() {
	for len(tl.timeouts) > 0 {
		t := tl.timeouts[len(tl.timeouts)-1]
		tl.Remove(t)
		t.Invalidate()
	}

	tl.SetFunctions(TimeoutFunctions{})
}

func (tl *TimeoutList) drop(t *Timeout) bool {
	for i, x := range tl.timeouts {
		if x == t {
			tl.timeouts = append(tl.timeouts[:i], tl.timeouts[i+1:]...)
			return true
		}
	}
	return false
}
