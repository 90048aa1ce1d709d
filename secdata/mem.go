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

package secdata

import (
	"fmt"
	"sync"
)

// MemSpaces is a volatile Spaces implementation.
type MemSpaces struct {
	sync.Mutex

	Data   map[uint32][]byte
	Locked map[uint32]bool

	// Errors are returned by any operation on the matching space.
	Errors map[uint32]error
}

// NewMemSpaces returns MemSpaces holding default firmware and kernel
// spaces.
func NewMemSpaces() *MemSpaces {
	return &MemSpaces{
		Data: map[uint32][]byte{
			FirmwareIndex:     (&Firmware{}).Bytes(),
			KernelIndex:       (&Kernel{}).Bytes(),
			RecoveryHashIndex: make([]byte, RecoveryHashSize),
		},
		Locked: make(map[uint32]bool),
		Errors: make(map[uint32]error),
	}
}

// ReadSpace implements Spaces.
func (m *MemSpaces) ReadSpace(index uint32, buf []byte) error {
	m.Lock()
	defer m.Unlock()

	if err := m.Errors[index]; err != nil {
		return err
	}

	d, ok := m.Data[index]

	if !ok {
		return fmt.Errorf("space %#x not defined", index)
	}

	if len(buf) > len(d) {
		return fmt.Errorf("read of %d bytes from space %#x of size %d", len(buf), index, len(d))
	}

	copy(buf, d)

	return nil
}

// WriteSpace implements Spaces.
func (m *MemSpaces) WriteSpace(index uint32, data []byte) error {
	m.Lock()
	defer m.Unlock()

	if err := m.Errors[index]; err != nil {
		return err
	}

	if m.Locked[index] {
		return fmt.Errorf("space %#x: %w", index, ErrLocked)
	}

	m.Data[index] = append([]byte(nil), data...)

	return nil
}

// LockSpace implements Spaces.
func (m *MemSpaces) LockSpace(index uint32) error {
	m.Lock()
	defer m.Unlock()

	if err := m.Errors[index]; err != nil {
		return err
	}

	if _, ok := m.Data[index]; !ok {
		return fmt.Errorf("space %#x not defined", index)
	}

	m.Locked[index] = true

	return nil
}
