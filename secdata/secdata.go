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

// Package secdata defines the rollback protection spaces held in secured
// storage and the formats of their content.
package secdata

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-witness-verstage/nvtrust"
)

// Secured storage space indices.
const (
	FirmwareIndex     = 0x1007
	KernelIndex       = 0x1008
	RecoveryHashIndex = 0x100b
)

const (
	// FirmwareSize is the size of the firmware space.
	FirmwareSize    = 10
	firmwareVersion = 2

	// KernelSize is the size of the kernel space.
	KernelSize    = 13
	kernelVersion = 2
	// KernelUID identifies a valid kernel space.
	KernelUID = 0x4752574c

	// RecoveryHashSize is the size of the recovery hash space.
	RecoveryHashSize = 32
)

// Firmware space flags.
const (
	FlagLastBootDeveloper = 0x01
	FlagDevMode           = 0x02
)

var (
	// ErrLocked is returned for writes to a space locked during this boot.
	ErrLocked = errors.New("space is locked")
	// ErrCorrupted is returned for spaces failing their integrity check.
	ErrCorrupted = errors.New("space content corrupted")
)

// Spaces gives access to secured storage spaces.
type Spaces interface {
	// ReadSpace fills buf with the content of space index.
	ReadSpace(index uint32, buf []byte) error
	// WriteSpace replaces the content of space index.
	WriteSpace(index uint32, data []byte) error
	// LockSpace prevents further writes to space index until the next
	// platform reset.
	LockSpace(index uint32) error
}

// Firmware is the firmware rollback space.
type Firmware struct {
	Flags uint8
	// Versions holds the minimum key version in the upper 16 bits and the
	// minimum firmware version in the lower 16 bits.
	Versions uint32
}

// ParseFirmware decodes a firmware space.
func ParseFirmware(b []byte) (*Firmware, error) {
	if len(b) < FirmwareSize {
		return nil, fmt.Errorf("firmware space too short (%d bytes)", len(b))
	}

	if b[0] != firmwareVersion {
		return nil, fmt.Errorf("unsupported firmware space version %d", b[0])
	}

	if nvtrust.CRC8(b[:FirmwareSize-1]) != b[FirmwareSize-1] {
		return nil, fmt.Errorf("firmware space: %w", ErrCorrupted)
	}

	return &Firmware{
		Flags:    b[1],
		Versions: binary.LittleEndian.Uint32(b[2:]),
	}, nil
}

// Bytes encodes the firmware space.
func (f *Firmware) Bytes() []byte {
	b := make([]byte, FirmwareSize)
	b[0] = firmwareVersion
	b[1] = f.Flags
	binary.LittleEndian.PutUint32(b[2:], f.Versions)
	b[FirmwareSize-1] = nvtrust.CRC8(b[:FirmwareSize-1])
	return b
}

// Kernel is the kernel rollback space.
type Kernel struct {
	Versions uint32
}

// ParseKernel decodes a kernel space.
func ParseKernel(b []byte) (*Kernel, error) {
	if len(b) < KernelSize {
		return nil, fmt.Errorf("kernel space too short (%d bytes)", len(b))
	}

	if b[0] != kernelVersion {
		return nil, fmt.Errorf("unsupported kernel space version %d", b[0])
	}

	if binary.LittleEndian.Uint32(b[1:]) != KernelUID {
		return nil, fmt.Errorf("kernel space: bad uid: %w", ErrCorrupted)
	}

	if nvtrust.CRC8(b[:KernelSize-1]) != b[KernelSize-1] {
		return nil, fmt.Errorf("kernel space: %w", ErrCorrupted)
	}

	return &Kernel{Versions: binary.LittleEndian.Uint32(b[5:])}, nil
}

// Bytes encodes the kernel space.
func (k *Kernel) Bytes() []byte {
	b := make([]byte, KernelSize)
	b[0] = kernelVersion
	binary.LittleEndian.PutUint32(b[1:], KernelUID)
	binary.LittleEndian.PutUint32(b[5:], k.Versions)
	b[KernelSize-1] = nvtrust.CRC8(b[:KernelSize-1])
	return b
}

// ReadFirmware reads and decodes the firmware space.
func ReadFirmware(s Spaces) (*Firmware, error) {
	buf := make([]byte, FirmwareSize)

	if err := s.ReadSpace(FirmwareIndex, buf); err != nil {
		return nil, err
	}

	return ParseFirmware(buf)
}

// ReadKernel reads and decodes the kernel space.
func ReadKernel(s Spaces) (*Kernel, error) {
	buf := make([]byte, KernelSize)

	if err := s.ReadSpace(KernelIndex, buf); err != nil {
		return nil, err
	}

	return ParseKernel(buf)
}
