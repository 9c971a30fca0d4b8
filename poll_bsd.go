// Copyright (c) 2026 The featherweight Authors
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build (darwin || dragonfly || freebsd || netbsd || openbsd) && !usepoll

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

// Tag is the backend strategy compiled into this build.
var Tag = "kqueue"

// Poller multiplexes I/O readiness over a kernel event queue. Interest
// changes are submitted as discrete add and delete events. A Poller is owned
// by a single goroutine at a time; it performs no internal locking.
type Poller struct {
	kq            int
	handles       map[int]*Handle
	events        []unix.Kevent_t
	nevents       int
	index         int
	interruptible bool
}

// New creates a Poller with the given configuration.
func New(config Config) (*Poller, error) {
	config.check()
	kq, err := unix.Kqueue()
	if err != nil {
		if err == unix.EMFILE || err == unix.ENFILE {
			return nil, ErrResourceExhausted
		}
		return nil, err
	}
	return &Poller{
		kq:            kq,
		handles:       make(map[int]*Handle),
		events:        make([]unix.Kevent_t, config.MaxEvents),
		interruptible: config.Interruptible,
	}, nil
}

// Register attaches fd to h with no interests armed. The handle must not be
// registered already. The kernel learns about the descriptor lazily, on the
// first armed interest.
func (p *Poller) Register(fd int, h *Handle) error {
	if h.registered {
		panic("poller: handle already registered")
	}
	if _, ok := p.handles[fd]; ok {
		panic("poller: descriptor already registered")
	}
	h.fd = fd
	h.armed = 0
	h.registered = true
	p.handles[fd] = h
	return nil
}

// Deregister detaches h and invalidates any captured but not yet retrieved
// events that reference it, so a retrieval in progress never yields a removed
// handle. Kernel side deletes are best effort: a closed descriptor has left
// the queue on its own.
func (p *Poller) Deregister(h *Handle) {
	if !h.registered {
		panic("poller: handle is not registered")
	}
	if h.armed&Readable != 0 {
		p.change(h.fd, unix.EVFILT_READ, unix.EV_DELETE)
	}
	if h.armed&Writable != 0 {
		p.change(h.fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	}
	for i := p.index; i < p.nevents; i++ {
		if int(p.events[i].Ident) == h.fd {
			p.events[i].Filter = 0
			p.events[i].Flags = 0
		}
	}
	delete(p.handles, h.fd)
	h.armed = 0
	h.registered = false
}

// ArmRead arms the read interest. Arming an armed interest is a no-op.
func (p *Poller) ArmRead(h *Handle) {
	if h.armed&Readable != 0 {
		return
	}
	if !h.registered {
		panic("poller: handle is not registered")
	}
	if err := p.change(h.fd, unix.EVFILT_READ, unix.EV_ADD); err != nil {
		panic("poller: kevent: " + err.Error())
	}
	h.armed |= Readable
}

// ArmWrite arms the write interest. Arming an armed interest is a no-op.
func (p *Poller) ArmWrite(h *Handle) {
	if h.armed&Writable != 0 {
		return
	}
	if !h.registered {
		panic("poller: handle is not registered")
	}
	if err := p.change(h.fd, unix.EVFILT_WRITE, unix.EV_ADD); err != nil {
		panic("poller: kevent: " + err.Error())
	}
	h.armed |= Writable
}

// DisarmRead clears the read interest and drops pending Readable signals for
// h from the current batch, so a stale event is not replayed after the caller
// stopped caring.
func (p *Poller) DisarmRead(h *Handle) {
	if h.armed&Readable == 0 {
		return
	}
	p.remove(h.fd, unix.EVFILT_READ)
	h.armed &^= Readable
	for i := p.index; i < p.nevents; i++ {
		if int(p.events[i].Ident) == h.fd && p.events[i].Filter == unix.EVFILT_READ {
			p.events[i].Filter = 0
			p.events[i].Flags = 0
		}
	}
}

// DisarmWrite clears the write interest and drops pending Writable signals
// for h from the current batch.
func (p *Poller) DisarmWrite(h *Handle) {
	if h.armed&Writable == 0 {
		return
	}
	p.remove(h.fd, unix.EVFILT_WRITE)
	h.armed &^= Writable
	for i := p.index; i < p.nevents; i++ {
		if int(p.events[i].Ident) == h.fd && p.events[i].Filter == unix.EVFILT_WRITE {
			p.events[i].Filter = 0
			p.events[i].Flags = 0
		}
	}
}

// change submits one interest delta to the kernel queue.
func (p *Poller) change(fd int, mode int, flags int) error {
	var changes [1]unix.Kevent_t
	unix.SetKevent(&changes[0], fd, mode, flags)
	_, err := unix.Kevent(p.kq, changes[:], nil, nil)
	return err
}

// remove deletes one filter. A descriptor the caller already closed has left
// the queue on its own and is tolerated; any other failure means the
// poller's view and the kernel's have diverged.
func (p *Poller) remove(fd int, mode int) {
	if err := p.change(fd, mode, unix.EV_DELETE); err != nil {
		if err != unix.EBADF && err != unix.ENOENT {
			panic("poller: kevent: " + err.Error())
		}
	}
}

// Wait blocks until a registered interest is satisfied, until timeout
// elapses, or, on an interruptible Poller, until a signal arrives. A negative
// timeout blocks indefinitely and a zero timeout polls without blocking. The
// previous batch is discarded and the cursor reset.
func (p *Poller) Wait(timeout time.Duration) error {
	p.nevents, p.index = 0, 0
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	for {
		n, err := unix.Kevent(p.kq, nil, p.events, ts)
		if err == unix.EINTR {
			if p.interruptible {
				return ErrInterrupted
			}
			continue
		}
		if err != nil {
			return err
		}
		p.nevents = n
		return nil
	}
}

// Next returns the next event of the current batch, or false when the batch
// is exhausted. The queue reports read and write readiness as separate
// entries; an entry flagged EV_EOF yields Errored instead of its filter kind.
// Entries invalidated after capture are skipped.
func (p *Poller) Next() (Event, bool) {
	for p.index < p.nevents {
		ev := &p.events[p.index]
		if ev.Filter != unix.EVFILT_READ && ev.Filter != unix.EVFILT_WRITE {
			p.index++
			continue
		}
		h := p.handles[int(ev.Ident)]
		if h == nil {
			p.index++
			continue
		}
		p.index++
		if ev.Flags&unix.EV_EOF != 0 {
			return Event{Handle: h, Kind: Errored}, true
		}
		if ev.Filter == unix.EVFILT_READ {
			return Event{Handle: h, Kind: Readable}, true
		}
		return Event{Handle: h, Kind: Writable}, true
	}
	return Event{}, false
}

// Close releases the kernel event queue. The Poller must not be used
// afterwards.
func (p *Poller) Close() error {
	return unix.Close(p.kq)
}
