// Copyright (c) 2026 The featherweight Authors
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build !unix

package poller

import (
	"net"
	"sync"
	"sync/atomic"
)

// Listener serves connections accepted from a net.Listener. Without a
// readiness engine every connection gets its own goroutine.
type Listener struct {
	Listener net.Listener
	Handler  Handler
	NoAsync  bool
	Workers  int

	mu     sync.Mutex
	server *netServer
	closed int32
}

// Serve accepts and serves connections until Close is called.
func (l *Listener) Serve() error {
	if l.Listener == nil {
		return ErrListener
	}
	if l.Handler == nil {
		return ErrHandler
	}
	l.mu.Lock()
	if atomic.LoadInt32(&l.closed) != 0 {
		l.mu.Unlock()
		return ErrServerClosed
	}
	server := &netServer{Handler: l.Handler}
	l.server = server
	l.mu.Unlock()
	return server.Serve(l.Listener)
}

// Close stops the listener.
func (l *Listener) Close() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	l.mu.Lock()
	server := l.server
	l.mu.Unlock()
	if server != nil {
		return server.Close()
	}
	return l.Listener.Close()
}
