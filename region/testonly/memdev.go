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

// Package testonly provides support for region tests.
package testonly

import (
	"fmt"
	"testing"
)

// MemDevice is a simple in-memory flash region.
//
// It counts every access and can be told to fail or to short transfer
// operations.
type MemDevice struct {
	Storage []byte

	Reads  int
	Writes int
	Erases int

	// ReadErr, WriteErr and EraseErr are returned by the matching
	// operation when set.
	ReadErr  error
	WriteErr error
	EraseErr error

	// ShortRead and ShortWrite cause transfers to stop one byte early.
	ShortRead  bool
	ShortWrite bool

	// OnWrite is called just after bytes have been written.
	OnWrite func(off int64, n int)
}

func (md *MemDevice) check(off int64, n int) error {
	if off < 0 || off+int64(n) > int64(len(md.Storage)) {
		return fmt.Errorf("[%d, %d) outside device of size %d", off, off+int64(n), len(md.Storage))
	}

	return nil
}

// ReadAt reads len(p) bytes at offset off.
func (md *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	md.Reads++

	if md.ReadErr != nil {
		return 0, md.ReadErr
	}

	if err := md.check(off, len(p)); err != nil {
		return 0, err
	}

	n := copy(p, md.Storage[off:])

	if md.ShortRead && n > 0 {
		n--
	}

	return n, nil
}

// WriteAt writes len(p) bytes at offset off, emulating flash programming
// semantics by only clearing bits.
func (md *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	md.Writes++

	if md.WriteErr != nil {
		return 0, md.WriteErr
	}

	if err := md.check(off, len(p)); err != nil {
		return 0, err
	}

	n := len(p)

	if md.ShortWrite && n > 0 {
		n--
	}

	for i := 0; i < n; i++ {
		md.Storage[off+int64(i)] &= p[i]
	}

	if md.OnWrite != nil {
		md.OnWrite(off, n)
	}

	return n, nil
}

// EraseAt sets n bytes at offset off to the erased value.
func (md *MemDevice) EraseAt(off int64, n int64) (int64, error) {
	md.Erases++

	if md.EraseErr != nil {
		return 0, md.EraseErr
	}

	if err := md.check(off, int(n)); err != nil {
		return 0, err
	}

	for i := off; i < off+n; i++ {
		md.Storage[i] = 0xff
	}

	return n, nil
}

// Size returns the device length.
func (md *MemDevice) Size() int64 {
	return int64(len(md.Storage))
}

// ResetCounters zeroes the access counters.
func (md *MemDevice) ResetCounters() {
	md.Reads, md.Writes, md.Erases = 0, 0, 0
}

// NewMemDevice creates a new erased in-memory device.
func NewMemDevice(t *testing.T, size int) *MemDevice {
	t.Helper()

	md := &MemDevice{Storage: make([]byte, size)}

	for i := range md.Storage {
		md.Storage[i] = 0xff
	}

	return md
}

// NewMemDeviceWith creates a new in-memory device holding a copy of data.
func NewMemDeviceWith(t *testing.T, data []byte) *MemDevice {
	t.Helper()

	return &MemDevice{Storage: append([]byte(nil), data...)}
}

// MemCard is an in-memory block card.
type MemCard struct {
	BlockSize int
	Storage   []byte

	// OnBlockWritten is called just after a block has been written.
	OnBlockWritten func(lba int)
}

// Read reads size bytes at offset.
func (mc *MemCard) Read(offset int64, size int64) ([]byte, error) {
	if offset < 0 || offset+size > int64(len(mc.Storage)) {
		return nil, fmt.Errorf("read [%d, %d) outside card", offset, offset+size)
	}

	return append([]byte(nil), mc.Storage[offset:offset+size]...), nil
}

// WriteBlocks writes data at block lba onwards, data must be block aligned.
func (mc *MemCard) WriteBlocks(lba int, data []byte) error {
	if len(data)%mc.BlockSize != 0 {
		return fmt.Errorf("unaligned write of %d bytes", len(data))
	}

	off := lba * mc.BlockSize

	if off+len(data) > len(mc.Storage) {
		return fmt.Errorf("write at lba %d outside card", lba)
	}

	copy(mc.Storage[off:], data)

	if mc.OnBlockWritten != nil {
		for i := 0; i < len(data)/mc.BlockSize; i++ {
			mc.OnBlockWritten(lba + i)
		}
	}

	return nil
}

// NewMemCard creates a zeroed in-memory card of numBlocks blocks.
func NewMemCard(t *testing.T, blockSize int, numBlocks int) *MemCard {
	t.Helper()

	return &MemCard{
		BlockSize: blockSize,
		Storage:   make([]byte, blockSize*numBlocks),
	}
}
