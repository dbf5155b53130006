// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tfg

import "errors"

var (
	// ErrDeviceFault is reported when the hardware returned an error,
	// an unparsable status or refused a command.
	// Device faults are not retried.
	ErrDeviceFault = errors.New("device fault")

	// ErrConfig is reported when a configuration can not be served
	// by the hardware. It is detected eagerly, at configuration time.
	ErrConfig = errors.New("configuration error")

	// ErrInterrupted is reported when a bounded wait was cancelled.
	ErrInterrupted = errors.New("interrupted wait")

	// ErrLengthMismatch is reported when dark-current or channel-count
	// bookkeeping is inconsistent.
	ErrLengthMismatch = errors.New("array length mismatch")
)

// Fault marks err as a device fault, unless it already is one.
func Fault(err error) error {
	if err == nil || errors.Is(err, ErrDeviceFault) {
		return err
	}
	return &faultError{err: err}
}

type faultError struct {
	err error
}

func (e *faultError) Error() string { return e.err.Error() }

func (e *faultError) Unwrap() []error { return []error{ErrDeviceFault, e.err} }
