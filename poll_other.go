// Copyright (c) 2026 The featherweight Authors
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build !unix

package poller

import (
	"errors"
	"time"
)

// Tag is the backend strategy compiled into this build.
var Tag = "none"

var errUnsupported = errors.New("poller: system not supported")

// Poller is a placeholder on targets without a supported readiness
// mechanism.
type Poller struct{}

// New creates a Poller.
func New(config Config) (*Poller, error) {
	return nil, errUnsupported
}

// Register attaches fd to h.
func (p *Poller) Register(fd int, h *Handle) error {
	return errUnsupported
}

// Deregister detaches h.
func (p *Poller) Deregister(h *Handle) {
}

// ArmRead arms the read interest.
func (p *Poller) ArmRead(h *Handle) {
}

// ArmWrite arms the write interest.
func (p *Poller) ArmWrite(h *Handle) {
}

// DisarmRead clears the read interest.
func (p *Poller) DisarmRead(h *Handle) {
}

// DisarmWrite clears the write interest.
func (p *Poller) DisarmWrite(h *Handle) {
}

// Wait blocks until timeout elapses.
func (p *Poller) Wait(timeout time.Duration) error {
	return errUnsupported
}

// Next returns the next event of the current batch.
func (p *Poller) Next() (Event, bool) {
	return Event{}, false
}

// Close releases the poller.
func (p *Poller) Close() error {
	return nil
}
