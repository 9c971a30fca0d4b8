// Copyright (c) 2026 The featherweight Authors
// This package is licensed under a MIT license that can be found in the LICENSE file.

// Package poller implements I/O readiness multiplexing over epoll, kqueue and
// poll behind one registration and retrieval contract. Exactly one backend is
// compiled per target; the usepoll build tag selects the poll backend on
// systems that default to another one.
package poller

import (
	"errors"
	"time"
)

// Kind is the kind of a readiness event.
type Kind int

const (
	// Readable reports that the descriptor will not block on read.
	Readable Kind = 1 << iota
	// Writable reports that the descriptor will not block on write.
	Writable
	// Errored reports an error or hangup condition on the descriptor. It
	// consumes the whole batch entry: no Readable or Writable is retrieved
	// from the same entry afterwards.
	Errored
)

// Event is one readiness result retrieved from the current batch. Events are
// values and do not persist past the next Wait call.
type Event struct {
	Handle *Handle
	Kind   Kind
}

// Handle is a registration token, one per registered descriptor. The caller
// owns the Handle and must keep it alive while it is registered; the internal
// fields are maintained by the Poller alone. The zero value is ready to be
// registered. A Handle tracks at most one live descriptor at a time.
type Handle struct {
	// Data is free for the caller to attach per-descriptor state.
	Data interface{}

	fd         int
	armed      Kind
	index      int
	registered bool
}

// Fd returns the registered descriptor.
func (h *Handle) Fd() int { return h.fd }

// Config configures a Poller.
type Config struct {
	// MaxEvents bounds the number of kernel event records captured by one
	// Wait call. The default is 1024.
	MaxEvents int
	// Granularity is the initial capacity of the descriptor array used by
	// the poll backend. The default is 16.
	Granularity int
	// Interruptible makes Wait return ErrInterrupted when the kernel wait
	// is interrupted by a signal. By default the wait is retried and the
	// interruption is masked entirely.
	Interruptible bool
}

const (
	defaultMaxEvents   = 1024
	defaultGranularity = 16
)

func (c *Config) check() {
	if c.MaxEvents < 1 {
		c.MaxEvents = defaultMaxEvents
	}
	if c.Granularity < 1 {
		c.Granularity = defaultGranularity
	}
}

// ErrResourceExhausted is returned by New and Register when a process or
// system wide descriptor limit is hit.
var ErrResourceExhausted = errors.New("poller: too many open files")

// ErrInterrupted is returned by Wait on an interruptible Poller when the
// kernel wait was interrupted by a signal. No events were lost; the caller
// may call Wait again.
var ErrInterrupted = errors.New("poller: interrupted")

// Create creates a Poller with the default configuration.
func Create() (*Poller, error) {
	return New(Config{})
}

// msec converts a timeout to the millisecond form used by epoll and poll.
// Negative timeouts block indefinitely, zero polls without blocking and
// fractions of a millisecond round up so that short timeouts do not spin.
func msec(timeout time.Duration) int {
	switch {
	case timeout < 0:
		return -1
	case timeout == 0:
		return 0
	case timeout < time.Millisecond:
		return 1
	}
	return int(timeout / time.Millisecond)
}
