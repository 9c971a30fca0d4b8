// Copyright (c) 2026 The featherweight Authors
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build linux

package poller

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// interrupt signals the given thread every millisecond until stop is closed.
// SIGURG is handled by the runtime, so delivery only breaks the blocking
// wait with EINTR.
func interrupt(wg *sync.WaitGroup, tid int, stop chan struct{}) {
	defer wg.Done()
	pid := unix.Getpid()
	for {
		select {
		case <-stop:
			return
		default:
			unix.Tgkill(pid, tid, unix.SIGURG)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestPollerInterrupted(t *testing.T) {
	p, err := New(Config{Interruptible: true})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	r, w := testPipe(t)
	defer unix.Close(r)
	defer unix.Close(w)
	var h Handle
	if err := p.Register(r, &h); err != nil {
		t.Fatal(err)
	}
	p.ArmRead(&h)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go interrupt(&wg, unix.Gettid(), stop)
	err = p.Wait(-1)
	close(stop)
	wg.Wait()
	if err != ErrInterrupted {
		t.Errorf("got %v, want %v", err, ErrInterrupted)
	}
	if _, ok := p.Next(); ok {
		t.Error("event after interrupted wait")
	}
	p.Deregister(&h)
}

func TestPollerInterruptMasked(t *testing.T) {
	p, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	r, w := testPipe(t)
	defer unix.Close(r)
	defer unix.Close(w)
	var h Handle
	if err := p.Register(r, &h); err != nil {
		t.Fatal(err)
	}
	p.ArmRead(&h)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go interrupt(&wg, unix.Gettid(), stop)
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Millisecond)
		unix.Write(w, []byte{1})
	}()
	err = p.Wait(-1)
	close(stop)
	wg.Wait()
	if err != nil {
		t.Fatal(err)
	}
	ev, ok := p.Next()
	if !ok || ev.Handle != &h || ev.Kind != Readable {
		t.Errorf("got %v, %t", ev, ok)
	}
	p.Deregister(&h)
}
