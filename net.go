// Copyright (c) 2026 The featherweight Authors
// This package is licensed under a MIT license that can be found in the LICENSE file.

package poller

import (
	"context"
	"errors"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/hslam/reuse"
)

const bufferSize = 0x10000

var numCPU = runtime.NumCPU()

// EOF is the error returned by Read when no more input is available.
var EOF = io.EOF

// EAGAIN is the error when the resource is temporarily unavailable.
var EAGAIN = syscall.EAGAIN

// ErrServerClosed is returned by the Server's Serve and ListenAndServe
// methods after a call to Close.
var ErrServerClosed = errors.New("poller: server closed")

// ErrHandler is the error when the Handler is nil.
var ErrHandler = errors.New("poller: handler must be not nil")

// ErrListener is the error when the Listener is nil.
var ErrListener = errors.New("poller: listener must be not nil")

// Server defines parameters for running an event driven server.
type Server struct {
	Network string
	Address string
	// Handler responds to a single request.
	Handler Handler
	// NoAsync serves requests directly on the event loop instead of
	// dispatching them to the scheduler.
	NoAsync bool
	// Workers is the number of event loops. Defaults to the number of
	// CPUs.
	Workers int
	// ReusePort listens with SO_REUSEPORT so that several servers can
	// share one address.
	ReusePort bool

	mu       sync.Mutex
	listener *Listener
	closed   int32
}

// ListenAndServe listens on the network address and then calls Serve to
// handle requests on incoming connections.
func (s *Server) ListenAndServe() error {
	if atomic.LoadInt32(&s.closed) != 0 {
		return ErrServerClosed
	}
	var lc net.ListenConfig
	if s.ReusePort {
		lc.Control = reuse.Control
	}
	ln, err := lc.Listen(context.Background(), s.Network, s.Address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts incoming connections on the listener l and serves them with
// readiness events when the platform and the listener support it, falling
// back to one goroutine per connection otherwise.
func (s *Server) Serve(l net.Listener) error {
	if l == nil {
		return ErrListener
	}
	if s.Handler == nil {
		return ErrHandler
	}
	if atomic.LoadInt32(&s.closed) != 0 {
		return ErrServerClosed
	}
	lis := &Listener{
		Listener: l,
		Handler:  s.Handler,
		NoAsync:  s.NoAsync,
		Workers:  s.Workers,
	}
	s.mu.Lock()
	if atomic.LoadInt32(&s.closed) != 0 {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = lis
	s.mu.Unlock()
	return lis.Serve()
}

// Close immediately closes the Server.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.mu.Lock()
	lis := s.listener
	s.mu.Unlock()
	if lis != nil {
		return lis.Close()
	}
	return nil
}

// ListenAndServe listens on the network address and then calls Serve with
// handler to handle requests on incoming connections.
//
// The handler must be not nil.
//
// ListenAndServe always returns a non-nil error.
func ListenAndServe(network, address string, handler Handler) error {
	server := &Server{Network: network, Address: address, Handler: handler}
	return server.ListenAndServe()
}

// Serve accepts incoming connections on the listener l and serves them with
// the handler.
//
// The handler must be not nil.
func Serve(lis net.Listener, handler Handler) error {
	server := &Server{Handler: handler}
	return server.Serve(lis)
}

// netServer serves one goroutine per connection. It backs the targets and
// listeners that the event loop cannot drive.
type netServer struct {
	Handler  Handler
	mu       sync.Mutex
	listener net.Listener
	closed   int32
}

func (s *netServer) Serve(l net.Listener) error {
	s.mu.Lock()
	if atomic.LoadInt32(&s.closed) != 0 {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.listener = l
	s.mu.Unlock()
	for {
		conn, err := l.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) != 0 {
				return nil
			}
			return err
		}
		go func(c net.Conn) {
			var err error
			var context Context
			if context, err = s.Handler.Upgrade(c); err != nil {
				c.Close()
				return
			}
			for err == nil {
				err = s.Handler.Serve(context)
			}
			c.Close()
		}(conn)
	}
}

func (s *netServer) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.mu.Lock()
	lis := s.listener
	s.mu.Unlock()
	if lis != nil {
		return lis.Close()
	}
	return nil
}
