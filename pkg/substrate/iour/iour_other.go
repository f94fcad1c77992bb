//go:build !linux

package iour

import "github.com/runningwild/pingring/pkg/substrate"

type Substrate struct {
	substrate.Substrate
}

func New(opts Options) (*Substrate, error) {
	return nil, errUnsupported
}
