// Package iour is a substrate on the iceber io_uring bindings. Unlike the
// uring package it supports stream endpoints, and datagram sends carry
// their destination through sendmsg.
package iour

import "errors"

const (
	DefaultEntries = 256

	// MaxDatagram is the receive buffer size of datagram endpoints.
	MaxDatagram = 64 << 10
	// StreamChunk is the receive buffer size of stream endpoints.
	StreamChunk = 16 << 10
)

var errUnsupported = errors.New("iour substrate is only supported on Linux")

type Options struct {
	Entries int
}

func (o *Options) applyDefaults() {
	if o.Entries <= 0 {
		o.Entries = DefaultEntries
	}
}
