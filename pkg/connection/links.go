// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package connection

import (
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
)

const noLink int32 = -1

type link struct {
	msg   *message.Message
	prev  int32
	next  int32
	inUse bool
}

// linkArena hands out list links by index. Links can be reserved ahead of an
// operation which must not fail later on.
type linkArena struct {
	links []link
	free  []int32
}

func (a *linkArena) alloc() int32 {
	if n := len(a.free); n > 0 {
		i := a.free[n-1]
		a.free = a.free[:n-1]
		a.links[i] = link{prev: noLink, next: noLink, inUse: true}
		return i
	}

	a.links = append(a.links, link{prev: noLink, next: noLink, inUse: true})
	return int32(len(a.links) - 1)
}

func (a *linkArena) release(i int32) {
	assertf(a.links[i].inUse, "releasing unused link %d", i)

	a.links[i] = link{prev: noLink, next: noLink}
	a.free = append(a.free, i)
}

// messageList is a doubly linked list of messages within a linkArena.
type messageList struct {
	arena *linkArena
	head  int32
	tail  int32
	n     int
}

func newMessageList(arena *linkArena) messageList {
	return messageList{arena: arena, head: noLink, tail: noLink}
}

func (l *messageList) insertHead(i int32, msg *message.Message) {
	lk := &l.arena.links[i]
	assertf(lk.inUse && lk.msg == nil, "inserting a foreign link %d", i)

	lk.msg, lk.prev, lk.next = msg, noLink, l.head
	if l.head != noLink {
		l.arena.links[l.head].prev = i
	} else {
		l.tail = i
	}
	l.head = i
	l.n++
}

func (l *messageList) insertTail(i int32, msg *message.Message) {
	lk := &l.arena.links[i]
	assertf(lk.inUse && lk.msg == nil, "inserting a foreign link %d", i)

	lk.msg, lk.prev, lk.next = msg, l.tail, noLink
	if l.tail != noLink {
		l.arena.links[l.tail].next = i
	} else {
		l.head = i
	}
	l.tail = i
	l.n++
}

// remove a link from the list and release it.
func (l *messageList) remove(i int32) *message.Message {
	lk := l.arena.links[i]

	if lk.prev != noLink {
		l.arena.links[lk.prev].next = lk.next
	} else {
		l.head = lk.next
	}
	if lk.next != noLink {
		l.arena.links[lk.next].prev = lk.prev
	} else {
		l.tail = lk.prev
	}
	l.n--

	l.arena.release(i)
	return lk.msg
}

func (l *messageList) peekHead() *message.Message {
	if l.head == noLink {
		return nil
	}
	return l.arena.links[l.head].msg
}

func (l *messageList) peekTail() *message.Message {
	if l.tail == noLink {
		return nil
	}
	return l.arena.links[l.tail].msg
}

func (l *messageList) popHead() *message.Message {
	if l.head == noLink {
		return nil
	}
	return l.remove(l.head)
}

func (l *messageList) popTail() *message.Message {
	if l.tail == noLink {
		return nil
	}
	return l.remove(l.tail)
}

// find the first link from the head whose message matches.
func (l *messageList) find(match func(msg *message.Message) bool) int32 {
	for i := l.head; i != noLink; i = l.arena.links[i].next {
		if match(l.arena.links[i].msg) {
			return i
		}
	}
	return noLink
}

// clear the list and return its messages from head to tail.
func (l *messageList) clear() (msgs []*message.Message) {
	for l.head != noLink {
		msgs = append(msgs, l.popHead())
	}
	return
}
