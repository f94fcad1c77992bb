// Package uring is a datagram substrate driven by an io_uring instance. A
// Substrate owns one ring and is meant to be driven by a single worker
// goroutine.
package uring

import "errors"

const (
	DefaultEntries  = 64
	DefaultSlotSize = 64 << 10
)

var errUnsupported = errors.New("uring substrate is only supported on Linux")

// Options sizes the ring and its registered buffer arena. Every outstanding
// operation holds one slot, so Entries also bounds the number of pending
// tokens.
type Options struct {
	Entries  int
	SlotSize int
}

func (o *Options) applyDefaults() {
	if o.Entries <= 0 {
		o.Entries = DefaultEntries
	}
	if o.SlotSize <= 0 {
		o.SlotSize = DefaultSlotSize
	}
}
