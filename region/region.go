// Copyright 2024 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package region provides byte addressable access to fixed ranges of
// non-volatile storage, such as named areas of a SPI flash part or of an
// eMMC user partition.
package region

import (
	"errors"
	"fmt"
)

// Erased is the value of every byte of a freshly erased flash area.
const Erased = 0xff

// ErrOutOfBounds is returned for accesses which fall outside a region.
var ErrOutOfBounds = errors.New("access outside region bounds")

// Device is a readable, writable and erasable byte range.
//
// Offsets are relative to the start of the region. Implementations must
// report the number of bytes actually transferred, a short transfer with a
// nil error is treated by callers as a failure.
type Device interface {
	// ReadAt reads len(p) bytes at offset off.
	ReadAt(p []byte, off int64) (int, error)
	// WriteAt writes len(p) bytes at offset off, the target range is
	// expected to have been erased.
	WriteAt(p []byte, off int64) (int, error)
	// EraseAt erases n bytes at offset off, returning the number of bytes
	// erased.
	EraseAt(off int64, n int64) (int64, error)
	// Size returns the region length in bytes.
	Size() int64
}

// Window is a Device restricted to a sub-range of another Device.
type Window struct {
	dev  Device
	off  int64
	size int64
}

// Sub returns a Window onto size bytes of dev starting at off.
func Sub(dev Device, off int64, size int64) (*Window, error) {
	if off < 0 || size < 0 || off+size > dev.Size() {
		return nil, fmt.Errorf("window [%#x, %#x) exceeds device size %#x: %w", off, off+size, dev.Size(), ErrOutOfBounds)
	}

	return &Window{dev: dev, off: off, size: size}, nil
}

func (w *Window) check(off int64, n int64) error {
	if off < 0 || n < 0 || off+n > w.size {
		return fmt.Errorf("[%#x, %#x) in window of size %#x: %w", off, off+n, w.size, ErrOutOfBounds)
	}

	return nil
}

// ReadAt implements Device.
func (w *Window) ReadAt(p []byte, off int64) (int, error) {
	if err := w.check(off, int64(len(p))); err != nil {
		return 0, err
	}

	return w.dev.ReadAt(p, w.off+off)
}

// WriteAt implements Device.
func (w *Window) WriteAt(p []byte, off int64) (int, error) {
	if err := w.check(off, int64(len(p))); err != nil {
		return 0, err
	}

	return w.dev.WriteAt(p, w.off+off)
}

// EraseAt implements Device.
func (w *Window) EraseAt(off int64, n int64) (int64, error) {
	if err := w.check(off, n); err != nil {
		return 0, err
	}

	return w.dev.EraseAt(w.off+off, n)
}

// Size implements Device.
func (w *Window) Size() int64 {
	return w.size
}

// IsErased reports whether every byte of buf has the erased value.
func IsErased(buf []byte) bool {
	for _, b := range buf {
		if b != Erased {
			return false
		}
	}

	return true
}

// ReadFull reads exactly len(p) bytes at off, converting a short read into an
// error.
func ReadFull(dev Device, p []byte, off int64) error {
	n, err := dev.ReadAt(p, off)

	if err != nil {
		return err
	}

	if n != len(p) {
		return fmt.Errorf("short read at %#x (%d != %d)", off, n, len(p))
	}

	return nil
}

// WriteFull writes exactly len(p) bytes at off, converting a short write into
// an error.
func WriteFull(dev Device, p []byte, off int64) error {
	n, err := dev.WriteAt(p, off)

	if err != nil {
		return err
	}

	if n != len(p) {
		return fmt.Errorf("short write at %#x (%d != %d)", off, n, len(p))
	}

	return nil
}
