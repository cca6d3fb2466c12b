// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bufio"
	"io"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/message"
	"github.com/aosp-mirror/platform-external-dbus-sub001/pkg/watch"
)

// WatchHandler is the connection's entry point for a Transport's Watches.
type WatchHandler func(w *watch.Watch, flags watch.Flags) bool

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Stream is a Transport over any reliable byte stream. A background reader
// buffers incoming frames and a background writer drains the encoded
// outgoing frames, so queueing a message never waits for the peer.
type Stream struct {
	name   string
	conn   io.ReadWriteCloser
	server bool
	guid   string

	uid int64
	pid int64

	// Guarded by the connection lock.
	queue         Queue
	readWatch     *watch.Watch
	writeWatch    *watch.Watch
	authChecked   bool
	authenticated bool
	unixUserFunc  func(uid int) bool

	mutex           sync.Mutex
	inbox           [][]byte
	inboxSize       int64
	arrived         chan struct{}
	kick            chan struct{}
	readErr         error
	disconnected    bool
	maxMessageSize  int64
	maxReceivedSize int64

	backlog  [][]byte
	writing  bool
	writeErr error
	drained  chan struct{}
	pushed   chan struct{}

	resume    chan struct{}
	done      chan struct{}
	readerAck chan struct{}
	writerAck chan struct{}
}

// newStream wraps an already handshaked byte stream and starts its reader.
func newStream(name string, conn io.ReadWriteCloser, server bool, guid string, peer hello) *Stream {
	t := &Stream{
		name:   name,
		conn:   conn,
		server: server,
		guid:   guid,
		uid:    peer.UID,
		pid:    peer.PID,

		authenticated: !server,

		arrived:         make(chan struct{}),
		kick:            make(chan struct{}),
		maxMessageSize:  DefaultMaxMessageSize,
		maxReceivedSize: DefaultMaxReceivedSize,

		drained: make(chan struct{}),
		pushed:  make(chan struct{}, 1),

		resume:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		readerAck: make(chan struct{}),
		writerAck: make(chan struct{}),
	}

	go t.reader()
	go t.writer()

	return t
}

func (t *Stream) log() *log.Entry {
	return log.WithField("transport", t.name)
}

func (t *Stream) String() string {
	return t.name
}

// notifyLocked wakes everyone waiting for incoming data. The mutex must be held.
func (t *Stream) notifyLocked() {
	close(t.arrived)
	t.arrived = make(chan struct{})
}

func (t *Stream) reader() {
	defer close(t.readerAck)

	r := bufio.NewReader(t.conn)
	for {
		t.mutex.Lock()
		for t.inboxSize > t.maxReceivedSize && !t.disconnected {
			t.mutex.Unlock()
			select {
			case <-t.resume:
			case <-t.done:
			}
			t.mutex.Lock()
		}
		maxSize := t.maxMessageSize
		t.mutex.Unlock()

		payload, err := readFrame(r, maxSize)

		t.mutex.Lock()
		if t.disconnected {
			t.mutex.Unlock()
			return
		}

		if err != nil {
			t.readErr = err
			t.notifyLocked()
			t.mutex.Unlock()

			if err == io.EOF {
				t.log().Debug("Stream reached end of file")
			} else {
				t.log().WithError(err).Info("Stream failed to read a frame")
			}
			return
		}

		t.inbox = append(t.inbox, payload)
		t.inboxSize += int64(len(payload))
		t.notifyLocked()
		t.mutex.Unlock()
	}
}

// writer sends the backlog frame by frame until the Stream is disconnected
// or a write fails.
func (t *Stream) writer() {
	defer close(t.writerAck)

	for {
		t.mutex.Lock()
		for len(t.backlog) == 0 && !t.disconnected {
			t.writing = false
			close(t.drained)
			t.drained = make(chan struct{})
			t.mutex.Unlock()

			select {
			case <-t.pushed:
			case <-t.done:
			}
			t.mutex.Lock()
		}
		if t.disconnected {
			t.mutex.Unlock()
			return
		}

		payload := t.backlog[0]
		t.backlog[0] = nil
		t.backlog = t.backlog[1:]
		t.writing = true
		t.mutex.Unlock()

		if err := writeFrame(t.conn, payload); err != nil {
			t.mutex.Lock()
			disconnected := t.disconnected
			t.writeErr = err
			t.backlog, t.writing = nil, false
			close(t.drained)
			t.drained = make(chan struct{})
			t.notifyLocked()
			t.mutex.Unlock()

			if !disconnected {
				t.log().WithError(err).Warn("Stream failed to write a frame")
			}
			return
		}
	}
}

// checkWriteFailed disconnects after the writer failed.
func (t *Stream) checkWriteFailed() bool {
	t.mutex.Lock()
	failed := t.writeErr != nil
	t.mutex.Unlock()

	if failed {
		t.Disconnect()
	}
	return failed
}

func (t *Stream) readReady() <-chan struct{} {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if len(t.inbox) > 0 || t.readErr != nil || t.writeErr != nil || t.disconnected {
		return closedChan
	}
	return t.arrived
}

func (t *Stream) writeReady() <-chan struct{} {
	return closedChan
}

// Attach this Stream to its connection and register a read and a write Watch.
func (t *Stream) Attach(q Queue, handle WatchHandler) bool {
	t.queue = q

	var readWatch, writeWatch *watch.Watch
	readWatch = watch.NewWatch(t.name+"/read", watch.Readable, true, t.readReady,
		func(flags watch.Flags) bool { return handle(readWatch, flags) })
	writeWatch = watch.NewWatch(t.name+"/write", watch.Writable, false, t.writeReady,
		func(flags watch.Flags) bool { return handle(writeWatch, flags) })

	if !q.AddWatch(readWatch) {
		return false
	}
	if !q.AddWatch(writeWatch) {
		q.RemoveWatch(readWatch)
		return false
	}

	t.readWatch, t.writeWatch = readWatch, writeWatch
	return true
}

// Disconnect closes the stream and removes the Watches. Frames received
// before are still queued.
func (t *Stream) Disconnect() {
	t.mutex.Lock()
	if t.disconnected {
		t.mutex.Unlock()
		return
	}
	t.disconnected = true
	close(t.done)
	t.notifyLocked()
	t.mutex.Unlock()

	if err := t.conn.Close(); err != nil {
		t.log().WithError(err).Debug("Closing stream errored")
	}
	<-t.readerAck
	<-t.writerAck

	t.log().Info("Stream disconnected")

	if t.queue != nil {
		for _, w := range []*watch.Watch{t.readWatch, t.writeWatch} {
			if w == nil {
				continue
			}
			t.queue.RemoveWatch(w)
			w.Invalidate()
		}
	}
}

func (t *Stream) IsConnected() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return !t.disconnected
}

func (t *Stream) IsAuthenticated() bool {
	if !t.server || t.authChecked {
		return t.authenticated
	}
	t.authChecked = true

	allowed := t.uid == unknownID || t.uid == int64(os.Getuid())
	if fn := t.unixUserFunc; fn != nil && t.uid != unknownID {
		uid := int(t.uid)
		if t.queue != nil {
			t.queue.Callout(func() { allowed = fn(uid) })
		} else {
			allowed = fn(uid)
		}
	}

	if !allowed {
		t.log().WithField("uid", t.uid).Warn("Rejecting unauthorized peer")
		t.Disconnect()
		return false
	}

	t.authenticated = true
	return true
}

func (t *Stream) HandleWatch(w *watch.Watch, flags watch.Flags) bool {
	if flags.Has(watch.Hangup) || flags.Has(watch.Error) || t.checkWriteFailed() {
		t.Disconnect()
		return true
	}

	if w == t.writeWatch && flags.Has(watch.Writable) && t.IsAuthenticated() {
		t.doWriting()
	}
	return true
}

func (t *Stream) DoIteration(flags IterationFlags, timeout time.Duration) {
	if !t.IsConnected() || !t.IsAuthenticated() {
		return
	}

	var timer <-chan time.Time
	if flags.Has(IterationBlock) && timeout >= 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	wrote := false
	if flags.Has(IterationWrite) {
		wrote = t.doWriting()

		if flags.Has(IterationBlock) && !t.waitWritten(timer) {
			return
		}
	}

	if !flags.Has(IterationRead) || !flags.Has(IterationBlock) || wrote || !t.IsConnected() {
		return
	}

	t.mutex.Lock()
	if len(t.inbox) > 0 || t.readErr != nil || t.writeErr != nil {
		t.mutex.Unlock()
		return
	}
	arrived, kick := t.arrived, t.kick
	t.mutex.Unlock()

	t.queue.Unlock()
	select {
	case <-arrived:
	case <-kick:
	case <-timer:
	case <-t.done:
	}
	t.queue.Lock()

	if flags.Has(IterationWrite) {
		t.doWriting()
	}
}

// doWriting encodes all outgoing messages and hands them to the writer. It
// never waits for the peer.
func (t *Stream) doWriting() (wrote bool) {
	if t.checkWriteFailed() {
		return
	}

	for t.IsConnected() && t.queue.HasMessagesToSend() {
		msg := t.queue.MessageToSend()

		payload, err := message.Encode(msg)
		if err != nil {
			t.log().WithError(err).WithField("message", msg).Warn("Dropping unencodable message")
			t.queue.MessageSent(msg)
			continue
		}

		t.mutex.Lock()
		t.backlog = append(t.backlog, payload)
		t.mutex.Unlock()

		select {
		case t.pushed <- struct{}{}:
		default:
		}

		t.queue.MessageSent(msg)
		wrote = true
	}

	t.checkWriteWatch()
	return
}

// waitWritten blocks without the connection lock until the writer's backlog
// is on the wire. False is returned if timer fired first.
func (t *Stream) waitWritten(timer <-chan time.Time) bool {
	t.mutex.Lock()
	idle := (len(t.backlog) == 0 && !t.writing) || t.writeErr != nil || t.disconnected
	drained := t.drained
	t.mutex.Unlock()

	if idle {
		return true
	}

	t.queue.Unlock()
	defer t.queue.Lock()

	select {
	case <-drained:
		return true
	case <-t.done:
		return true
	case <-timer:
		return false
	}
}

func (t *Stream) checkWriteWatch() {
	if t.queue == nil || t.writeWatch == nil || !t.IsConnected() {
		return
	}
	t.queue.ToggleWatch(t.writeWatch, t.queue.HasMessagesToSend())
}

func (t *Stream) DispatchStatus() DispatchStatus {
	if !t.IsAuthenticated() {
		return StatusComplete
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if len(t.inbox) > 0 {
		return StatusDataRemains
	}
	return StatusComplete
}

func (t *Stream) QueueMessages() bool {
	if !t.IsAuthenticated() {
		return true
	}

	for {
		if t.queue.IncomingSize() > t.MaxReceivedSize() {
			return true
		}

		t.mutex.Lock()
		if len(t.inbox) == 0 {
			eof := (t.readErr != nil || t.writeErr != nil) && !t.disconnected
			t.mutex.Unlock()

			if eof {
				t.Disconnect()
			}
			return true
		}

		payload := t.inbox[0]
		t.inbox[0] = nil
		t.inbox = t.inbox[1:]
		t.inboxSize -= int64(len(payload))

		select {
		case t.resume <- struct{}{}:
		default:
		}
		t.mutex.Unlock()

		if maxSize := t.MaxMessageSize(); int64(len(payload)) > maxSize {
			t.log().WithField("size", len(payload)).Warn("Received an oversized message, disconnecting")

			t.mutex.Lock()
			t.inbox, t.inboxSize = nil, 0
			t.mutex.Unlock()

			t.Disconnect()
			return true
		}

		msg, err := message.Decode(payload)
		if err != nil {
			t.log().WithError(err).Warn("Received an undecodable message, disconnecting")

			t.mutex.Lock()
			t.inbox, t.inboxSize = nil, 0
			t.mutex.Unlock()

			t.Disconnect()
			return true
		}

		t.queue.QueueReceived(msg)
	}
}

func (t *Stream) MessagesPending(n int) {
	if n > 0 {
		t.mutex.Lock()
		close(t.kick)
		t.kick = make(chan struct{})
		t.mutex.Unlock()
	}

	t.checkWriteWatch()
}

func (t *Stream) UnixUser() (int, bool) {
	return int(t.uid), t.uid != unknownID
}

func (t *Stream) ProcessID() (int, bool) {
	return int(t.pid), t.pid != unknownID
}

func (t *Stream) ServerGUID() string {
	return t.guid
}

func (t *Stream) SetMaxMessageSize(size int64) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.maxMessageSize = size
}

func (t *Stream) MaxMessageSize() int64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.maxMessageSize
}

func (t *Stream) SetMaxReceivedSize(size int64) {
	t.mutex.Lock()
	t.maxReceivedSize = size
	t.mutex.Unlock()

	select {
	case t.resume <- struct{}{}:
	default:
	}
}

func (t *Stream) MaxReceivedSize() int64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.maxReceivedSize
}

func (t *Stream) SetUnixUserFunction(fn func(uid int) bool) {
	t.unixUserFunc = fn
}
