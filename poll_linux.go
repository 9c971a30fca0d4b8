// Copyright (c) 2026 The featherweight Authors
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build linux && !usepoll

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

// Tag is the backend strategy compiled into this build.
var Tag = "epoll"

// Poller multiplexes I/O readiness over a kernel readiness list. A Poller is
// owned by a single goroutine at a time; it performs no internal locking.
type Poller struct {
	epfd          int
	slots         []*Handle
	free          []int
	events        []unix.EpollEvent
	nevents       int
	index         int
	interruptible bool
}

// New creates a Poller with the given configuration.
func New(config Config) (*Poller, error) {
	config.check()
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		if err == unix.EMFILE || err == unix.ENFILE || err == unix.ENOMEM {
			return nil, ErrResourceExhausted
		}
		return nil, err
	}
	return &Poller{
		epfd:          epfd,
		events:        make([]unix.EpollEvent, config.MaxEvents),
		interruptible: config.Interruptible,
	}, nil
}

// Register attaches fd to h with no interests armed. The handle must not be
// registered already. The registration arena index, not the descriptor,
// rides in the kernel event payload, so a ready descriptor maps back to its
// handle without the kernel ever holding a pointer.
func (p *Poller) Register(fd int, h *Handle) error {
	if h.registered {
		panic("poller: handle already registered")
	}
	slot := len(p.slots)
	if n := len(p.free); n > 0 {
		slot = p.free[n-1]
		p.free = p.free[:n-1]
		p.slots[slot] = h
	} else {
		p.slots = append(p.slots, h)
	}
	ev := unix.EpollEvent{Events: 0, Fd: int32(slot)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.slots[slot] = nil
		p.free = append(p.free, slot)
		if err == unix.EEXIST {
			panic("poller: descriptor already registered")
		}
		if err == unix.ENOMEM || err == unix.ENOSPC {
			return ErrResourceExhausted
		}
		return err
	}
	h.fd = fd
	h.armed = 0
	h.index = slot
	h.registered = true
	return nil
}

// Deregister detaches h and invalidates any captured but not yet retrieved
// events that reference it, so a retrieval in progress never yields a removed
// handle. The kernel side is removed best effort: a descriptor that was
// already closed has left the readiness list on its own.
func (p *Poller) Deregister(h *Handle) {
	if !h.registered {
		panic("poller: handle is not registered")
	}
	unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, h.fd, nil)
	for i := p.index; i < p.nevents; i++ {
		if int(p.events[i].Fd) == h.index {
			p.events[i].Events = 0
		}
	}
	p.slots[h.index] = nil
	p.free = append(p.free, h.index)
	h.armed = 0
	h.registered = false
}

// ArmRead arms the read interest. Arming an armed interest is a no-op.
func (p *Poller) ArmRead(h *Handle) {
	if h.armed&Readable != 0 {
		return
	}
	h.armed |= Readable
	p.modify(h)
}

// ArmWrite arms the write interest. Arming an armed interest is a no-op.
func (p *Poller) ArmWrite(h *Handle) {
	if h.armed&Writable != 0 {
		return
	}
	h.armed |= Writable
	p.modify(h)
}

// DisarmRead clears the read interest and drops pending Readable signals for
// h from the current batch, so a stale event is not replayed after the caller
// stopped caring.
func (p *Poller) DisarmRead(h *Handle) {
	if h.armed&Readable == 0 {
		return
	}
	h.armed &^= Readable
	p.downgrade(h)
	for i := p.index; i < p.nevents; i++ {
		if int(p.events[i].Fd) == h.index {
			p.events[i].Events &^= unix.EPOLLIN
		}
	}
}

// DisarmWrite clears the write interest and drops pending Writable signals
// for h from the current batch.
func (p *Poller) DisarmWrite(h *Handle) {
	if h.armed&Writable == 0 {
		return
	}
	h.armed &^= Writable
	p.downgrade(h)
	for i := p.index; i < p.nevents; i++ {
		if int(p.events[i].Fd) == h.index {
			p.events[i].Events &^= unix.EPOLLOUT
		}
	}
}

// modify widens the kernel side interest set. A failure here means the
// poller's view and the kernel's have diverged, which is unrecoverable.
func (p *Poller) modify(h *Handle) {
	if !h.registered {
		panic("poller: handle is not registered")
	}
	ev := unix.EpollEvent{Events: epollEvents(h.armed), Fd: int32(h.index)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, h.fd, &ev); err != nil {
		panic("poller: epoll_ctl: " + err.Error())
	}
}

// downgrade narrows the kernel side interest set. A descriptor the caller
// already closed has left the readiness list on its own and is tolerated;
// any other failure means the poller's view and the kernel's have diverged.
func (p *Poller) downgrade(h *Handle) {
	if !h.registered {
		panic("poller: handle is not registered")
	}
	ev := unix.EpollEvent{Events: epollEvents(h.armed), Fd: int32(h.index)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, h.fd, &ev); err != nil {
		if err != unix.EBADF && err != unix.ENOENT && err != unix.EPERM {
			panic("poller: epoll_ctl: " + err.Error())
		}
	}
}

func epollEvents(armed Kind) uint32 {
	var events uint32
	if armed&Readable != 0 {
		events |= unix.EPOLLIN
	}
	if armed&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

// Wait blocks until a registered interest is satisfied, until timeout
// elapses, or, on an interruptible Poller, until a signal arrives. A negative
// timeout blocks indefinitely and a zero timeout polls without blocking. The
// previous batch is discarded and the cursor reset.
func (p *Poller) Wait(timeout time.Duration) error {
	p.nevents, p.index = 0, 0
	ms := msec(timeout)
	for {
		n, err := unix.EpollWait(p.epfd, p.events, ms)
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
// is exhausted. An entry signalling both readable and writable yields one
// event per kind before the cursor advances; an entry carrying an error or
// hangup condition yields a single Errored event instead. Entries whose
// handle was deregistered after capture are skipped.
func (p *Poller) Next() (Event, bool) {
	for p.index < p.nevents {
		ev := &p.events[p.index]
		if ev.Events == 0 {
			p.index++
			continue
		}
		h := p.slots[int(ev.Fd)]
		if h == nil {
			p.index++
			continue
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			ev.Events = 0
			p.index++
			return Event{Handle: h, Kind: Errored}, true
		}
		if ev.Events&unix.EPOLLIN != 0 {
			ev.Events &^= unix.EPOLLIN
			return Event{Handle: h, Kind: Readable}, true
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			ev.Events &^= unix.EPOLLOUT
			return Event{Handle: h, Kind: Writable}, true
		}
		// A condition with no armed interest behind it.
		ev.Events = 0
		p.index++
		return Event{Handle: h, Kind: Errored}, true
	}
	return Event{}, false
}

// Close releases the kernel readiness list. The Poller must not be used
// afterwards.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
