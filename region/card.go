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

package region

import (
	"errors"
	"fmt"
)

// batchSize is the maximum number of blocks handed to a single WriteBlocks
// call.
const batchSize = 2048

// Card mostly mirrors the public API of the usdhc.Card struct, allowing
// substitutions for testing.
type Card interface {
	// Read reads size bytes at offset from the underlying storage.
	Read(offset int64, size int64) ([]byte, error)
	// WriteBlocks writes data at sector lba onwards on the underlying storage.
	WriteBlocks(lba int, data []byte) error
}

// CardDevice exposes a range of a block oriented card as a Device.
//
// Erasure is emulated by programming the erased value, partial block writes
// are performed with a read-modify-write cycle.
type CardDevice struct {
	Card Card
	// BlockSize is the card block size in bytes.
	BlockSize int64
	// Offset is the byte offset of the region on the card, it must be block
	// aligned.
	Offset int64
	// Length is the region size in bytes.
	Length int64
}

func (c *CardDevice) check(off int64, n int64) error {
	if c.BlockSize <= 0 || c.Offset%c.BlockSize != 0 {
		return errors.New("invalid card geometry")
	}

	if off < 0 || n < 0 || off+n > c.Length {
		return fmt.Errorf("[%#x, %#x) in card region of size %#x: %w", off, off+n, c.Length, ErrOutOfBounds)
	}

	return nil
}

// ReadAt implements Device.
func (c *CardDevice) ReadAt(p []byte, off int64) (int, error) {
	if err := c.check(off, int64(len(p))); err != nil {
		return 0, err
	}

	buf, err := c.Card.Read(c.Offset+off, int64(len(p)))

	if err != nil {
		return 0, err
	}

	return copy(p, buf), nil
}

// WriteAt implements Device.
func (c *CardDevice) WriteAt(p []byte, off int64) (int, error) {
	if err := c.check(off, int64(len(p))); err != nil {
		return 0, err
	}

	if err := c.program(c.Offset+off, p); err != nil {
		return 0, err
	}

	return len(p), nil
}

// EraseAt implements Device.
func (c *CardDevice) EraseAt(off int64, n int64) (int64, error) {
	if err := c.check(off, n); err != nil {
		return 0, err
	}

	blank := make([]byte, n)

	for i := range blank {
		blank[i] = Erased
	}

	if err := c.program(c.Offset+off, blank); err != nil {
		return 0, err
	}

	return n, nil
}

// Size implements Device.
func (c *CardDevice) Size() int64 {
	return c.Length
}

// program writes data at the absolute card offset, merging it with the
// existing content of partially covered blocks.
func (c *CardDevice) program(offset int64, data []byte) error {
	start := offset - offset%c.BlockSize
	end := offset + int64(len(data))

	if r := end % c.BlockSize; r != 0 {
		end += c.BlockSize - r
	}

	buf := make([]byte, end-start)

	if start != offset || end != offset+int64(len(data)) {
		old, err := c.Card.Read(start, end-start)

		if err != nil {
			return fmt.Errorf("could not read back blocks, %v", err)
		}

		copy(buf, old)
	}

	copy(buf[offset-start:], data)

	batch := batchSize * c.BlockSize

	for i := int64(0); i < int64(len(buf)); i += batch {
		j := i + batch

		if j > int64(len(buf)) {
			j = int64(len(buf))
		}

		lba := int((start + i) / c.BlockSize)

		if err := c.Card.WriteBlocks(lba, buf[i:j]); err != nil {
			return fmt.Errorf("failed to write blocks at lba %d, %v", lba, err)
		}
	}

	return nil
}
