// Copyright (c) 2026 The featherweight Authors
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build (unix && usepoll) || aix || solaris || illumos

package poller

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func checkSlots(t *testing.T, p *Poller, handles []*Handle) {
	t.Helper()
	live := 0
	for _, h := range handles {
		if !h.registered {
			continue
		}
		live++
		if h.index < 0 || h.index >= p.size {
			t.Fatalf("index %d outside live region %d", h.index, p.size)
		}
		if p.items[h.index].h != h {
			t.Fatalf("slot %d holds the wrong handle", h.index)
		}
		if int(p.pollset[h.index].Fd) != h.Fd() {
			t.Fatalf("slot %d holds fd %d, want %d", h.index, p.pollset[h.index].Fd, h.Fd())
		}
	}
	if p.size != live {
		t.Fatalf("size %d, want %d", p.size, live)
	}
	if p.removed != noSlot {
		t.Fatalf("removed list not drained: %d", p.removed)
	}
}

func TestCompaction(t *testing.T) {
	p, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	const n = 5
	handles := make([]*Handle, n)
	readers := make([]int, n)
	writers := make([]int, n)
	for i := range handles {
		r, w := testPipe(t)
		readers[i], writers[i] = r, w
		handles[i] = &Handle{Data: i}
		if err := p.Register(r, handles[i]); err != nil {
			t.Fatal(err)
		}
		p.ArmRead(handles[i])
	}
	p.Deregister(handles[1])
	p.Deregister(handles[3])
	if err := p.Wait(0); err != nil {
		t.Fatal(err)
	}
	checkSlots(t, p, handles)
	// Survivors still deliver after their slots moved.
	for _, i := range []int{0, 2, 4} {
		unix.Write(writers[i], []byte("x"))
	}
	got := drain(t, p, time.Second)
	for _, i := range []int{0, 2, 4} {
		if got[handles[i]] != Readable {
			t.Errorf("handle %d: %v", i, got[handles[i]])
		}
	}
	for i, h := range handles {
		if h.registered {
			p.Deregister(h)
		}
		unix.Close(readers[i])
		unix.Close(writers[i])
	}
}

// Removing the tail slot along with another exercises the case where the
// slot swapped in from the tail is itself awaiting removal.
func TestCompactionTailRemoved(t *testing.T) {
	p, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	const n = 4
	handles := make([]*Handle, n)
	readers := make([]int, n)
	writers := make([]int, n)
	for i := range handles {
		r, w := testPipe(t)
		readers[i], writers[i] = r, w
		handles[i] = &Handle{}
		if err := p.Register(r, handles[i]); err != nil {
			t.Fatal(err)
		}
		p.ArmRead(handles[i])
	}
	p.Deregister(handles[n-1])
	p.Deregister(handles[1])
	if err := p.Wait(0); err != nil {
		t.Fatal(err)
	}
	checkSlots(t, p, handles)
	unix.Write(writers[0], []byte("x"))
	unix.Write(writers[2], []byte("x"))
	got := drain(t, p, time.Second)
	if got[handles[0]] != Readable || got[handles[2]] != Readable {
		t.Error(got)
	}
	for i, h := range handles {
		if h.registered {
			p.Deregister(h)
		}
		unix.Close(readers[i])
		unix.Close(writers[i])
	}
}

func TestArrayGrowth(t *testing.T) {
	p, err := New(Config{Granularity: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	const n = 9
	handles := make([]*Handle, n)
	writers := make([]int, n)
	for i := range handles {
		r, w := testPipe(t)
		writers[i] = w
		handles[i] = &Handle{}
		if err := p.Register(r, handles[i]); err != nil {
			t.Fatal(err)
		}
		p.ArmRead(handles[i])
		unix.Write(w, []byte("x"))
	}
	got := drain(t, p, time.Second)
	for i, h := range handles {
		if got[h] != Readable {
			t.Errorf("handle %d: %v", i, got[h])
		}
	}
	for i, h := range handles {
		fd := h.Fd()
		p.Deregister(h)
		unix.Close(fd)
		unix.Close(writers[i])
	}
}

// Registering into a slot freed in the same batch window must not leave the
// removed list pointing at the reused slot.
func TestReuseAfterRemoval(t *testing.T) {
	p, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	r1, w1 := testPipe(t)
	r2, w2 := testPipe(t)
	h1, h2 := &Handle{}, &Handle{}
	if err := p.Register(r1, h1); err != nil {
		t.Fatal(err)
	}
	p.ArmRead(h1)
	p.Deregister(h1)
	if err := p.Wait(0); err != nil {
		t.Fatal(err)
	}
	if err := p.Register(r2, h2); err != nil {
		t.Fatal(err)
	}
	p.ArmRead(h2)
	unix.Write(w2, []byte("x"))
	got := drain(t, p, time.Second)
	if got[h2] != Readable {
		t.Error(got)
	}
	p.Deregister(h2)
	unix.Close(r1)
	unix.Close(w1)
	unix.Close(r2)
	unix.Close(w2)
}

func TestWaitErrorKeepsBatchEmpty(t *testing.T) {
	p, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	r, w := testPipe(t)
	defer unix.Close(r)
	defer unix.Close(w)
	h := &Handle{}
	if err := p.Register(r, h); err != nil {
		t.Fatal(err)
	}
	p.ArmRead(h)
	if _, err := unix.Write(w, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := p.Wait(time.Second); err != nil {
		t.Fatal(err)
	}
	// The readable signal is captured but not consumed. Inflate the
	// descriptor set past the open file limit so the next wait fails.
	var saved unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &saved); err != nil {
		t.Fatal(err)
	}
	limit := unix.Rlimit{Cur: 8, Max: saved.Max}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		t.Fatal(err)
	}
	defer unix.Setrlimit(unix.RLIMIT_NOFILE, &saved)
	bogus := make([]*Handle, 16)
	for i := range bogus {
		bogus[i] = &Handle{}
		if err := p.Register(0x10000+i, bogus[i]); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Wait(0); err == nil {
		t.Skip("kernel accepted an oversized descriptor set")
	}
	if ev, ok := p.Next(); ok {
		t.Errorf("event after failed wait: %v", ev)
	}
	for _, b := range bogus {
		p.Deregister(b)
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &saved); err != nil {
		t.Fatal(err)
	}
	if err := p.Wait(time.Second); err != nil {
		t.Fatal(err)
	}
	if ev, ok := p.Next(); !ok || ev.Handle != h || ev.Kind != Readable {
		t.Errorf("got %v, %t", ev, ok)
	}
	p.Deregister(h)
}
