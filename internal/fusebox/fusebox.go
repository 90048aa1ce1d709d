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

// Package fusebox serves co-processor mailbox commands from on-chip
// one-time programmable fuses, for SoCs without a platform security
// co-processor.
//
// *WARNING*: fusing commands blow OTP fuses, which is irreversible.
package fusebox

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-verstage/mailbox"
	"github.com/transparency-dev/armored-witness-verstage/provision"
)

// Fuse locations, as OCOTP bank and word with a bit offset.
var (
	// SecConfig is set once HAB secure boot is closed.
	SecConfig = Location{Bank: 0, Word: 6, Off: 1, Size: 1}
	// SRKHash holds the first word of the secure boot key hash.
	SRKHash = Location{Bank: 3, Word: 0, Off: 0, Size: 32}
	// NoBoot forbids booting when set.
	NoBoot = Location{Bank: 4, Word: 6, Off: 1, Size: 1}
	// SPL is a thermometer code of the security patch level.
	SPL = Location{Bank: 4, Word: 7, Off: 0, Size: 32}
)

// Location addresses a fuse field.
type Location struct {
	Bank int
	Word int
	Off  int
	Size int
}

func (l Location) String() string {
	return fmt.Sprintf("OCOTP bank %d word %d [%d:%d]", l.Bank, l.Word, l.Off+l.Size-1, l.Off)
}

// Fuses reads and blows OTP fuses, github.com/usbarmory/crucible/otp
// provides them on i.MX SoCs.
type Fuses interface {
	ReadOCOTP(bank int, word int, off int, size int) ([]byte, error)
	BlowOCOTP(bank int, word int, off int, size int, val []byte) error
}

// Box answers mailbox commands from fuses.
type Box struct {
	Fuses Fuses
	// TargetSPL is the security patch level of the running firmware.
	TargetSPL int
}

func (b *Box) read(l Location) (uint32, error) {
	res, err := b.Fuses.ReadOCOTP(l.Bank, l.Word, l.Off, l.Size)

	if err != nil {
		return 0, fmt.Errorf("could not read %s, %v", l, err)
	}

	var v uint32

	for i := len(res) - 1; i >= 0; i-- {
		v = v<<8 | uint32(res[i])
	}

	return v, nil
}

func (b *Box) blow(l Location, v uint32) error {
	val := make([]byte, (l.Size+7)/8)

	for i := range val {
		val[i] = byte(v >> (8 * i))
	}

	klog.Warningf("fusebox: blowing %s (%#x)", l, v)

	if err := b.Fuses.BlowOCOTP(l.Bank, l.Word, l.Off, l.Size, val); err != nil {
		return fmt.Errorf("could not blow %s, %v", l, err)
	}

	return nil
}

// Level returns the fused security patch level.
func (b *Box) Level() (int, error) {
	v, err := b.read(SPL)

	if err != nil {
		return 0, err
	}

	// thermometer codes are contiguous from bit 0
	if v&(v+1) != 0 {
		return 0, fmt.Errorf("malformed SPL fuse %#08x", v)
	}

	return bits.OnesCount32(v), nil
}

func (b *Box) status(cmd mailbox.Command) (uint32, mailbox.Status, error) {
	switch cmd {
	case mailbox.CmdQueryPSBStatus:
		v, err := b.read(SecConfig)

		if err != nil || v == 0 {
			return 0, mailbox.StatusSuccess, err
		}

		return provision.PSBEnabled, mailbox.StatusSuccess, nil
	case mailbox.CmdQueryHSTI:
		v, err := b.read(SRKHash)

		if err != nil || v == 0 {
			return 0, mailbox.StatusSuccess, err
		}

		return provision.HSTIFusingReady, mailbox.StatusSuccess, nil
	case mailbox.CmdPSBAutoFusing:
		v, err := b.read(SecConfig)

		if err != nil {
			return 0, mailbox.StatusSuccess, err
		}

		if v != 0 {
			return 0, mailbox.Status(provision.FuseNotAllowed), nil
		}

		if err = b.blow(SecConfig, 1); err != nil {
			klog.Errorf("fusebox: %v", err)
			return 0, mailbox.Status(provision.FuseError), nil
		}

		return 0, mailbox.StatusSuccess, nil
	case mailbox.CmdQuerySPLFuse:
		level, err := b.Level()

		switch {
		case err != nil:
			klog.Errorf("fusebox: %v", err)
			return provision.SPLFuseError, mailbox.StatusSuccess, nil
		case level < b.TargetSPL:
			return provision.SPLUpdateRequired, mailbox.StatusSuccess, nil
		}

		return 0, mailbox.StatusSuccess, nil
	case mailbox.CmdSetSPLFuse:
		level, err := b.Level()

		switch {
		case err != nil:
			return 0, mailbox.StatusSuccess, err
		case level >= b.TargetSPL:
			return 0, mailbox.Status(provision.FuseNotAllowed), nil
		case b.TargetSPL > SPL.Size:
			return 0, mailbox.StatusInvalidParameter, nil
		}

		if err = b.blow(SPL, uint32(1<<b.TargetSPL-1)); err != nil {
			klog.Errorf("fusebox: %v", err)
			return 0, mailbox.Status(provision.FuseError), nil
		}

		return 0, mailbox.StatusSuccess, nil
	case mailbox.CmdQueryBootMode:
		v, err := b.read(NoBoot)

		if err != nil || v == 0 {
			return uint32(provision.BootModeNormal), mailbox.StatusSuccess, err
		}

		return uint32(provision.BootModeNoBoot), mailbox.StatusSuccess, nil
	}

	return 0, mailbox.StatusUnsupported, nil
}

// Send implements mailbox.Transport, the response replaces the command
// buffer content.
func (b *Box) Send(cmd mailbox.Command, buf []byte) error {
	if len(buf) < mailbox.HeaderSize {
		return fmt.Errorf("buffer too short (%d bytes)", len(buf))
	}

	v, status, err := b.status(cmd)

	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(buf[4:], uint32(status))

	if len(buf) >= mailbox.HeaderSize+4 && status == mailbox.StatusSuccess {
		binary.LittleEndian.PutUint32(buf[mailbox.HeaderSize:], v)
	}

	klog.V(1).Infof("fusebox: %s -> %#x (status %#x)", cmd, v, uint32(status))

	return nil
}
