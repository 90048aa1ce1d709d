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
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/transparency-dev/armored-witness-verstage/rpmb"
)

// Partition is an authenticated sector store, such as an eMMC RPMB
// partition.
type Partition interface {
	Read(offset uint16, buf []byte) error
	Write(offset uint16, buf []byte) error
}

// DefaultSectors maps each space to its RPMB sector, sector 0 is reserved
// for CVE-2020-13799 mitigation.
var DefaultSectors = map[uint32]uint16{
	FirmwareIndex:     1,
	KernelIndex:       2,
	RecoveryHashIndex: 3,
}

// RPMBSpaces stores each space in a dedicated sector of an authenticated
// partition.
//
// RPMB has no write lock, locks are enforced by this instance and last
// until it is discarded at the end of the boot stage.
type RPMBSpaces struct {
	sync.Mutex

	Partition Partition
	Sectors   map[uint32]uint16

	locked map[uint32]bool
}

func (r *RPMBSpaces) sector(index uint32, n int) (uint16, error) {
	if r.Partition == nil {
		return 0, errors.New("RPMB has not been initialized")
	}

	s, ok := r.Sectors[index]

	if !ok {
		return 0, fmt.Errorf("space %#x not defined", index)
	}

	if n > rpmb.SectorSize {
		return 0, fmt.Errorf("space %#x access of %d bytes exceeds sector size", index, n)
	}

	return s, nil
}

// ReadSpace implements Spaces.
func (r *RPMBSpaces) ReadSpace(index uint32, buf []byte) error {
	r.Lock()
	defer r.Unlock()

	s, err := r.sector(index, len(buf))

	if err != nil {
		return err
	}

	return r.Partition.Read(s, buf)
}

// WriteSpace implements Spaces.
func (r *RPMBSpaces) WriteSpace(index uint32, data []byte) error {
	r.Lock()
	defer r.Unlock()

	s, err := r.sector(index, len(data))

	if err != nil {
		return err
	}

	if r.locked[index] {
		return fmt.Errorf("space %#x: %w", index, ErrLocked)
	}

	return r.Partition.Write(s, data)
}

// LockSpace implements Spaces.
func (r *RPMBSpaces) LockSpace(index uint32) error {
	r.Lock()
	defer r.Unlock()

	if _, err := r.sector(index, 0); err != nil {
		return err
	}

	if r.locked == nil {
		r.locked = make(map[uint32]bool)
	}

	r.locked[index] = true

	return nil
}

// Provision writes default content to spaces which have never been
// written, it is used on first boot after the RPMB key has been programmed.
// Spaces holding any data are left untouched.
func Provision(s Spaces) error {
	for _, sp := range []struct {
		index   uint32
		content []byte
	}{
		{FirmwareIndex, (&Firmware{}).Bytes()},
		{KernelIndex, (&Kernel{}).Bytes()},
	} {
		buf := make([]byte, len(sp.content))

		if err := s.ReadSpace(sp.index, buf); err != nil {
			return fmt.Errorf("could not read space %#x, %w", sp.index, err)
		}

		if !bytes.Equal(buf, make([]byte, len(buf))) {
			continue
		}

		if err := s.WriteSpace(sp.index, sp.content); err != nil {
			return fmt.Errorf("could not create space %#x, %w", sp.index, err)
		}
	}

	return nil
}
