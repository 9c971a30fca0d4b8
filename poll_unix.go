// Copyright (c) 2026 The featherweight Authors
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build (unix && usepoll) || aix || solaris || illumos

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

// Tag is the backend strategy compiled into this build.
var Tag = "poll"

const noSlot = -1

type pollItem struct {
	h          *Handle
	prev, next int
}

// Poller multiplexes I/O readiness by handing a descriptor array to poll
// directly; there is no persistent kernel object. Removed slots are threaded
// onto a free list and reclaimed in one pass at the start of the next Wait,
// so deregistration stays O(1) under descriptor churn. A Poller is owned by a
// single goroutine at a time; it performs no internal locking.
type Poller struct {
	pollset       []unix.PollFd
	items         []pollItem
	size          int
	removed       int
	index         int
	interruptible bool
}

// New creates a Poller with the given configuration.
func New(config Config) (*Poller, error) {
	config.check()
	return &Poller{
		pollset:       make([]unix.PollFd, config.Granularity),
		items:         make([]pollItem, config.Granularity),
		removed:       noSlot,
		interruptible: config.Interruptible,
	}, nil
}

// Register attaches fd to h with no interests armed, appending a slot to the
// descriptor array and doubling its capacity when full. The handle records
// the slot index for O(1) lookups; compaction keeps it current.
func (p *Poller) Register(fd int, h *Handle) error {
	if h.registered {
		panic("poller: handle already registered")
	}
	for i := 0; i < p.size; i++ {
		if p.items[i].h != nil && int(p.pollset[i].Fd) == fd {
			panic("poller: descriptor already registered")
		}
	}
	if p.size == len(p.pollset) {
		pollset := make([]unix.PollFd, 2*len(p.pollset))
		copy(pollset, p.pollset)
		p.pollset = pollset
		items := make([]pollItem, 2*len(p.items))
		copy(items, p.items)
		p.items = items
	}
	p.pollset[p.size] = unix.PollFd{Fd: int32(fd)}
	p.items[p.size] = pollItem{h: h, prev: noSlot, next: noSlot}
	h.fd = fd
	h.armed = 0
	h.index = p.size
	h.registered = true
	p.size++
	return nil
}

// Deregister detaches h. The slot is pushed onto the removed list and its
// captured signals are cleared, so a retrieval in progress never yields a
// removed handle; the array itself is compacted at the next Wait.
func (p *Poller) Deregister(h *Handle) {
	if !h.registered {
		panic("poller: handle is not registered")
	}
	i := h.index
	// No more events are reported on this slot.
	p.pollset[i].Revents = 0
	if p.removed != noSlot {
		p.items[p.removed].prev = i
	}
	p.items[i] = pollItem{h: nil, prev: noSlot, next: p.removed}
	p.removed = i
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
	h.armed |= Readable
	p.pollset[h.index].Events |= unix.POLLIN
}

// ArmWrite arms the write interest. Arming an armed interest is a no-op.
func (p *Poller) ArmWrite(h *Handle) {
	if h.armed&Writable != 0 {
		return
	}
	if !h.registered {
		panic("poller: handle is not registered")
	}
	h.armed |= Writable
	p.pollset[h.index].Events |= unix.POLLOUT
}

// DisarmRead clears the read interest along with any captured Readable
// signal, so a stale event is not replayed after the caller stopped caring.
func (p *Poller) DisarmRead(h *Handle) {
	if h.armed&Readable == 0 {
		return
	}
	h.armed &^= Readable
	p.pollset[h.index].Events &^= unix.POLLIN
	p.pollset[h.index].Revents &^= unix.POLLIN
}

// DisarmWrite clears the write interest along with any captured Writable
// signal.
func (p *Poller) DisarmWrite(h *Handle) {
	if h.armed&Writable == 0 {
		return
	}
	h.armed &^= Writable
	p.pollset[h.index].Events &^= unix.POLLOUT
	p.pollset[h.index].Revents &^= unix.POLLOUT
}

// compact reclaims removed slots, swapping each with the slot at the tail of
// the live region and shrinking the live count. One pass handles any number
// of pending removals.
func (p *Poller) compact() {
	for p.removed != noSlot {
		i := p.removed
		p.removed = p.items[i].next
		p.size--
		if i != p.size {
			p.pollset[i] = p.pollset[p.size]
			if p.items[i].next != noSlot {
				p.items[p.items[i].next].prev = noSlot
			}
			p.items[i] = p.items[p.size]
			if p.items[i].h != nil {
				p.items[i].h.index = i
			}
			// The slot moved in from the tail may itself be awaiting
			// removal; its list neighbours follow it to the new position.
			if p.items[i].h == nil {
				if p.items[i].prev != noSlot {
					p.items[p.items[i].prev].next = i
				}
				if p.items[i].next != noSlot {
					p.items[p.items[i].next].prev = i
				}
				if p.removed == p.size {
					p.removed = i
				}
			}
		}
	}
}

// Wait compacts the descriptor array, then blocks until a registered
// interest is satisfied, until timeout elapses, or, on an interruptible
// Poller, until a signal arrives. A negative timeout blocks indefinitely and
// a zero timeout polls without blocking. The cursor is reset.
func (p *Poller) Wait(timeout time.Duration) error {
	p.compact()
	// The cursor stays parked at the end until the kernel reports, so a
	// failed wait leaves nothing for Next to replay.
	p.index = p.size
	ms := msec(timeout)
	for {
		_, err := unix.Poll(p.pollset[:p.size], ms)
		if err == unix.EINTR {
			if p.interruptible {
				return ErrInterrupted
			}
			continue
		}
		if err != nil {
			return err
		}
		p.index = 0
		return nil
	}
}

// Next returns the next event of the current batch, or false when the batch
// is exhausted. A slot signalling both readable and writable yields one event
// per kind before the cursor advances; a slot carrying an error or hangup
// condition yields a single Errored event instead. Slots deregistered after
// capture have their signals cleared and are skipped.
func (p *Poller) Next() (Event, bool) {
	for p.index < p.size {
		fd := &p.pollset[p.index]
		if fd.Revents == 0 {
			p.index++
			continue
		}
		h := p.items[p.index].h
		if h == nil {
			p.index++
			continue
		}
		if fd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			fd.Revents = 0
			p.index++
			return Event{Handle: h, Kind: Errored}, true
		}
		if fd.Revents&unix.POLLIN != 0 {
			fd.Revents &^= unix.POLLIN
			return Event{Handle: h, Kind: Readable}, true
		}
		if fd.Revents&unix.POLLOUT != 0 {
			fd.Revents &^= unix.POLLOUT
			return Event{Handle: h, Kind: Writable}, true
		}
		// A condition with no armed interest behind it.
		fd.Revents = 0
		p.index++
		return Event{Handle: h, Kind: Errored}, true
	}
	return Event{}, false
}

// Close releases the descriptor array. There is no kernel object to release.
func (p *Poller) Close() error {
	p.pollset = nil
	p.items = nil
	p.size = 0
	p.removed = noSlot
	p.index = 0
	return nil
}
