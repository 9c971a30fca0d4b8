// Copyright (c) 2026 The featherweight Authors
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build unix

package poller

import (
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hslam/buffer"
	"github.com/hslam/scheduler"
	"golang.org/x/sys/unix"
)

// waitTimeout bounds a single readiness wait so loops notice shutdown
// even when no descriptor ever fires.
const waitTimeout = time.Second

var errDeadline = errors.New("poller: deadline not supported")

// Listener serves connections accepted from a net.Listener with one
// event loop per worker. TCP and unix listeners are driven directly by
// the readiness engine; any other listener falls back to a
// goroutine-per-connection server.
type Listener struct {
	Listener net.Listener
	Handler  Handler
	NoAsync  bool
	Workers  int

	fast    *DataHandler
	bufSize int
	sched   scheduler.Scheduler
	server  *netServer
	file    *os.File
	fd      int
	mu      sync.Mutex
	loops   []*loop
	closed  int32
}

// Serve accepts and serves connections until Close is called.
func (l *Listener) Serve() (err error) {
	if l.Listener == nil {
		return ErrListener
	}
	if l.Handler == nil {
		return ErrHandler
	}
	if dh, ok := l.Handler.(*DataHandler); ok && dh.upgrade == nil {
		if dh.HandlerFunc == nil {
			return ErrHandlerFunc
		}
		l.fast = dh
		l.bufSize = dh.BufferSize
		if l.bufSize < 1 {
			l.bufSize = bufferSize
		}
	}
	var file *os.File
	switch ln := l.Listener.(type) {
	case *net.TCPListener:
		file, err = ln.File()
	case *net.UnixListener:
		file, err = ln.File()
	default:
		server := &netServer{Handler: l.Handler}
		l.mu.Lock()
		if atomic.LoadInt32(&l.closed) != 0 {
			l.mu.Unlock()
			return nil
		}
		l.server = server
		l.mu.Unlock()
		return server.Serve(l.Listener)
	}
	if err != nil {
		l.Listener.Close()
		return err
	}
	fd := int(file.Fd())
	if err = unix.SetNonblock(fd, true); err != nil {
		l.Listener.Close()
		file.Close()
		return err
	}
	workers := l.Workers
	if workers < 1 {
		workers = numCPU
	}
	if !l.NoAsync {
		l.sched = scheduler.New(workers*4, &scheduler.Options{Threshold: 2})
	}
	loops := make([]*loop, 0, workers)
	for i := 0; i < workers; i++ {
		lp, err := l.newLoop(fd)
		if err != nil {
			for _, prev := range loops {
				prev.close()
			}
			if l.sched != nil {
				l.sched.Close()
			}
			l.Listener.Close()
			file.Close()
			return err
		}
		loops = append(loops, lp)
	}
	l.mu.Lock()
	if atomic.LoadInt32(&l.closed) != 0 {
		l.mu.Unlock()
		for _, lp := range loops {
			lp.close()
		}
		if l.sched != nil {
			l.sched.Close()
		}
		file.Close()
		return nil
	}
	l.file, l.fd = file, fd
	l.loops = loops
	l.mu.Unlock()
	var wg sync.WaitGroup
	for _, lp := range l.loops {
		wg.Add(1)
		go lp.run(&wg)
	}
	wg.Wait()
	if l.sched != nil {
		l.sched.Close()
	}
	return nil
}

// Close stops the listener and tears down every event loop.
func (l *Listener) Close() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	l.mu.Lock()
	server := l.server
	file := l.file
	loops := l.loops
	l.mu.Unlock()
	if server != nil {
		return server.Close()
	}
	err := l.Listener.Close()
	if file != nil {
		file.Close()
	}
	for _, lp := range loops {
		lp.stop()
	}
	return err
}

func (l *Listener) newLoop(fd int) (*loop, error) {
	p, err := Create()
	if err != nil {
		return nil, err
	}
	lp := &loop{lis: l, lfd: fd, poll: p, conns: make(map[int]*conn)}
	pipe := make([]int, 2)
	if err := unix.Pipe(pipe); err != nil {
		p.Close()
		return nil, err
	}
	unix.SetNonblock(pipe[0], true)
	unix.SetNonblock(pipe[1], true)
	lp.wakeR, lp.wakeW = pipe[0], pipe[1]
	if err := p.Register(fd, &lp.lh); err != nil {
		lp.closePipe()
		p.Close()
		return nil, err
	}
	if err := p.Register(lp.wakeR, &lp.wh); err != nil {
		p.Deregister(&lp.lh)
		lp.closePipe()
		p.Close()
		return nil, err
	}
	p.ArmRead(&lp.lh)
	p.ArmRead(&lp.wh)
	return lp, nil
}

// min reports the connection count of the least loaded loop, so a busy
// loop can leave an incoming connection for an idler one.
func (l *Listener) min() int64 {
	min := atomic.LoadInt64(&l.loops[0].count)
	for _, lp := range l.loops[1:] {
		if c := atomic.LoadInt64(&lp.count); c < min {
			min = c
		}
	}
	return min
}

// loop owns one readiness engine and every connection registered with
// it. All engine calls happen on the loop goroutine; other goroutines
// hand work over through the dirty list and the wake pipe.
type loop struct {
	lis     *Listener
	lfd     int
	poll    *Poller
	lh      Handle
	wh      Handle
	wakeR   int
	wakeW   int
	mu      sync.Mutex
	conns   map[int]*conn
	count   int64
	dirtyM  sync.Mutex
	dirty   []*conn
	waked   int32
	closed  int32
	stopped int32
}

func (lp *loop) run(wg *sync.WaitGroup) {
	defer wg.Done()
	defer lp.close()
	for {
		err := lp.poll.Wait(waitTimeout)
		if err != nil {
			if err == ErrInterrupted {
				continue
			}
			return
		}
		for {
			ev, ok := lp.poll.Next()
			if !ok {
				break
			}
			lp.serve(ev)
		}
		lp.flushDirty()
		if atomic.LoadInt32(&lp.closed) != 0 {
			return
		}
	}
}

func (lp *loop) serve(ev Event) {
	switch ev.Handle {
	case &lp.lh:
		if ev.Kind == Readable {
			lp.accept()
		}
	case &lp.wh:
		lp.drainWake()
	default:
		c, ok := ev.Handle.Data.(*conn)
		if !ok || c.detached {
			return
		}
		switch ev.Kind {
		case Errored:
			lp.teardown(c)
		case Writable:
			lp.flush(c)
		case Readable:
			lp.read(c)
		}
	}
}

func (lp *loop) accept() {
	if cnt := atomic.LoadInt64(&lp.count); cnt >= 1 && cnt > lp.lis.min() {
		return
	}
	nfd, sa, err := unix.Accept(lp.lfd)
	if err != nil {
		return
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return
	}
	c := &conn{lp: lp, fd: nfd, laddr: lp.lis.Listener.Addr(), raddr: sockaddrAddr(sa)}
	c.h.Data = c
	lp.register(c)
}

func (lp *loop) register(c *conn) {
	l := lp.lis
	if l.fast != nil {
		if l.fast.NoShared {
			c.rbuf = make([]byte, l.bufSize)
		} else {
			c.pool = buffer.AssignPool(l.bufSize)
			c.rbuf = c.pool.GetBuffer(l.bufSize)
		}
	} else {
		// Upgrades such as TLS handshakes expect blocking reads, so
		// the descriptor stays blocking until the upgrade finishes.
		unix.SetNonblock(c.fd, false)
		ctx, err := l.Handler.Upgrade(c)
		if err != nil {
			unix.Close(c.fd)
			return
		}
		unix.SetNonblock(c.fd, true)
		c.ctx = ctx
	}
	if err := lp.poll.Register(c.fd, &c.h); err != nil {
		lp.release(c)
		unix.Close(c.fd)
		return
	}
	lp.poll.ArmRead(&c.h)
	lp.mu.Lock()
	lp.conns[c.fd] = c
	lp.mu.Unlock()
	atomic.AddInt64(&lp.count, 1)
}

func (lp *loop) read(c *conn) {
	l := lp.lis
	if l.fast == nil {
		for {
			if err := l.Handler.Serve(c.ctx); err != nil {
				if err != EAGAIN {
					lp.teardown(c)
				}
				return
			}
		}
	}
	n, err := c.Read(c.rbuf)
	if n == 0 || err != nil {
		if err == EAGAIN {
			return
		}
		lp.teardown(c)
		return
	}
	if l.NoAsync {
		req := c.rbuf[:n]
		if !l.fast.NoCopy {
			req = make([]byte, n)
			copy(req, c.rbuf[:n])
		}
		if res := l.fast.HandlerFunc(req); len(res) > 0 {
			c.Write(res)
		}
		return
	}
	// The loop buffer is reused on the next readiness event, so the
	// asynchronous path always hands the scheduler its own copy.
	req := make([]byte, n)
	copy(req, c.rbuf[:n])
	l.sched.Schedule(func() {
		if res := l.fast.HandlerFunc(req); len(res) > 0 {
			c.Write(res)
		}
	})
}

func (lp *loop) flush(c *conn) {
	if c.detached {
		return
	}
	c.wMu.Lock()
	if len(c.send) > 0 {
		if n, err := unix.Write(c.fd, c.send); n > 0 {
			num := copy(c.send, c.send[n:])
			c.send = c.send[:num]
		} else if err != nil && err != EAGAIN && err != unix.EINTR {
			c.wMu.Unlock()
			lp.teardown(c)
			return
		}
	}
	pending := len(c.send) > 0
	c.wMu.Unlock()
	if pending {
		lp.poll.ArmWrite(&c.h)
	} else {
		lp.poll.DisarmWrite(&c.h)
	}
}

func (lp *loop) teardown(c *conn) {
	if c.detached {
		return
	}
	c.detached = true
	lp.poll.Deregister(&c.h)
	lp.mu.Lock()
	delete(lp.conns, c.fd)
	lp.mu.Unlock()
	atomic.AddInt64(&lp.count, -1)
	c.Close()
	lp.release(c)
}

func (lp *loop) release(c *conn) {
	if c.pool != nil {
		c.pool.PutBuffer(c.rbuf)
		c.pool = nil
	}
	c.rbuf = nil
}

// markDirty queues a connection with buffered output for the loop
// goroutine, which owns every interest change.
func (lp *loop) markDirty(c *conn) {
	lp.dirtyM.Lock()
	lp.dirty = append(lp.dirty, c)
	lp.dirtyM.Unlock()
	lp.wake()
}

func (lp *loop) flushDirty() {
	lp.dirtyM.Lock()
	if len(lp.dirty) == 0 {
		lp.dirtyM.Unlock()
		return
	}
	dirty := lp.dirty
	lp.dirty = nil
	lp.dirtyM.Unlock()
	for _, c := range dirty {
		lp.flush(c)
	}
}

func (lp *loop) wake() {
	if atomic.CompareAndSwapInt32(&lp.waked, 0, 1) {
		var b [1]byte
		unix.Write(lp.wakeW, b[:])
	}
}

func (lp *loop) drainWake() {
	var b [64]byte
	unix.Read(lp.wakeR, b[:])
	atomic.StoreInt32(&lp.waked, 0)
}

func (lp *loop) stop() {
	atomic.StoreInt32(&lp.closed, 1)
	lp.wake()
}

func (lp *loop) close() {
	if !atomic.CompareAndSwapInt32(&lp.stopped, 0, 1) {
		return
	}
	atomic.StoreInt32(&lp.closed, 1)
	lp.mu.Lock()
	conns := make([]*conn, 0, len(lp.conns))
	for _, c := range lp.conns {
		conns = append(conns, c)
	}
	lp.mu.Unlock()
	for _, c := range conns {
		lp.teardown(c)
	}
	lp.poll.Close()
	lp.closePipe()
}

func (lp *loop) closePipe() {
	unix.Close(lp.wakeR)
	unix.Close(lp.wakeW)
}

// conn is a non-blocking connection owned by one event loop. Read and
// Write are safe for use by handler goroutines; interest changes they
// need are routed back to the loop through markDirty.
type conn struct {
	lp       *loop
	h        Handle
	fd       int
	laddr    net.Addr
	raddr    net.Addr
	ctx      Context
	pool     *buffer.Pool
	rbuf     []byte
	rMu      sync.Mutex
	wMu      sync.Mutex
	send     []byte
	detached bool
	closed   int32
}

func (c *conn) Read(b []byte) (n int, err error) {
	c.rMu.Lock()
	defer c.rMu.Unlock()
	n, err = unix.Read(c.fd, b)
	if n < 0 {
		n = 0
	}
	if n == 0 && err == nil && len(b) > 0 {
		err = EOF
	}
	return
}

func (c *conn) Write(b []byte) (n int, err error) {
	if len(b) == 0 {
		return 0, nil
	}
	if atomic.LoadInt32(&c.closed) != 0 {
		return 0, unix.EPIPE
	}
	c.wMu.Lock()
	if len(c.send) > 0 {
		c.send = append(c.send, b...)
		c.wMu.Unlock()
		c.lp.markDirty(c)
		return len(b), nil
	}
	retain := len(b)
	for retain > 0 {
		nn, err := unix.Write(c.fd, b[len(b)-retain:])
		if nn > 0 {
			retain -= nn
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == EAGAIN {
			break
		}
		c.wMu.Unlock()
		return len(b) - retain, err
	}
	if retain > 0 {
		c.send = append(c.send, b[len(b)-retain:]...)
	}
	pending := len(c.send) > 0
	c.wMu.Unlock()
	if pending {
		c.lp.markDirty(c)
	}
	return len(b), nil
}

func (c *conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return unix.Close(c.fd)
}

func (c *conn) LocalAddr() net.Addr  { return c.laddr }
func (c *conn) RemoteAddr() net.Addr { return c.raddr }

func (c *conn) SetDeadline(t time.Time) error      { return errDeadline }
func (c *conn) SetReadDeadline(t time.Time) error  { return errDeadline }
func (c *conn) SetWriteDeadline(t time.Time) error { return errDeadline }

func sockaddrAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Net: "unix", Name: sa.Name}
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte{}, sa.Addr[:]...), Port: sa.Port}
	case *unix.SockaddrInet6:
		var zone string
		if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
			zone = ifi.Name
		}
		return &net.TCPAddr{IP: append([]byte{}, sa.Addr[:]...), Port: sa.Port, Zone: zone}
	}
	return nil
}
