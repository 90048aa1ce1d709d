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

// Package rpmc probes the Replay Protected Monotonic Counter (RPMC) of SPI
// flash parts to find out whether a root key has been programmed.
package rpmc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// SPI opcodes.
const (
	OP1 = 0x9b
	OP2 = 0x96
)

// OP1 command types.
const (
	WriteRootKeyRegister = iota
	UpdateHMACKeyRegister
	IncrementMonotonicCounter
	RequestMonotonicCounter
)

// Extended status bits.
const (
	StatusBusy              = 1 << 0
	StatusRootKeyOverwrite  = 1 << 1
	StatusSignatureMismatch = 1 << 2
	StatusHMACUninitialized = 1 << 3
	StatusCounterMismatch   = 1 << 4
	StatusFatal             = 1 << 5
	StatusSuccess           = 1 << 7

	errorMask = StatusRootKeyOverwrite | StatusSignatureMismatch |
		StatusHMACUninitialized | StatusCounterMismatch | StatusFatal
)

// maxPolls bounds the number of extended status reads while busy.
const maxPolls = 1000

// ErrBusy is returned when the part stays busy for too long.
var ErrBusy = errors.New("RPMC busy")

// Flash is an SPI flash part accepting raw commands.
type Flash interface {
	// Command sends opcode followed by out and then reads len(in) bytes.
	Command(opcode byte, out []byte, in []byte) error
}

// IncrementRequest is the OP1 increment counter frame following the opcode.
type IncrementRequest struct {
	CmdType     byte
	CounterAddr byte
	KeyIndex    byte
	CounterData [4]byte
	Signature   [32]byte
}

// Bytes converts the request to its wire format.
func (r *IncrementRequest) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, r)
	return buf.Bytes()
}

// StatusError reports an unexpected extended status.
type StatusError struct {
	Status byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected RPMC extended status (%#02x)", e.Status)
}

// ExtendedStatus reads the extended status register.
func ExtendedStatus(f Flash) (byte, error) {
	// OP2 is followed by a dummy byte before the status is clocked out.
	in := make([]byte, 1)

	if err := f.Command(OP2, []byte{0}, in); err != nil {
		return 0, err
	}

	return in[0], nil
}

func wait(f Flash) (status byte, err error) {
	for i := 0; i < maxPolls; i++ {
		if status, err = ExtendedStatus(f); err != nil {
			return
		}

		if status&StatusBusy == 0 {
			return
		}
	}

	return status, ErrBusy
}

// Provisioned reports whether the counter at address has a root key.
//
// An increment request signed with an all zero signature is sent: a part
// holding a root key rejects the signature, a part without one reports a
// different error class.
func Provisioned(f Flash, counter uint8) (bool, error) {
	req := &IncrementRequest{
		CmdType:     IncrementMonotonicCounter,
		CounterAddr: counter,
	}

	if err := f.Command(OP1, req.Bytes(), nil); err != nil {
		return false, fmt.Errorf("could not send increment request, %w", err)
	}

	status, err := wait(f)

	if err != nil {
		return false, err
	}

	switch {
	case status&StatusSignatureMismatch != 0:
		return true, nil
	case status&errorMask != 0:
		return false, nil
	}

	return false, &StatusError{Status: status}
}
