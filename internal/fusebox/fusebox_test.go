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

package fusebox

import (
	"context"
	"errors"
	"testing"

	"github.com/transparency-dev/armored-witness-verstage/mailbox"
	"github.com/transparency-dev/armored-witness-verstage/provision"
)

// memFuses is an OTP bank where bits can only be set.
type memFuses struct {
	words map[[2]int]uint32
	blown int
}

func (m *memFuses) set(l Location, v uint32) {
	if m.words == nil {
		m.words = make(map[[2]int]uint32)
	}

	m.words[[2]int{l.Bank, l.Word}] |= v << l.Off
}

func (m *memFuses) ReadOCOTP(bank int, word int, off int, size int) ([]byte, error) {
	v := m.words[[2]int{bank, word}] >> off

	if size < 32 {
		v &= 1<<size - 1
	}

	res := make([]byte, (size+7)/8)

	for i := range res {
		res[i] = byte(v >> (8 * i))
	}

	return res, nil
}

func (m *memFuses) BlowOCOTP(bank int, word int, off int, size int, val []byte) error {
	var v uint32

	for i := len(val) - 1; i >= 0; i-- {
		v = v<<8 | uint32(val[i])
	}

	m.set(Location{Bank: bank, Word: word, Off: off, Size: size}, v)
	m.blown++

	return nil
}

func provisioner(f *memFuses, spl int) *provision.Provisioner {
	return &provision.Provisioner{
		Mailbox: &mailbox.Client{
			Transport: &Box{Fuses: f, TargetSPL: spl},
		},
	}
}

func TestSecureBoot(t *testing.T) {
	f := &memFuses{}
	ctx := context.Background()

	if err := provisioner(f, 0).EnableSecureBoot(ctx); !errors.Is(err, provision.ErrFusingNotReady) {
		t.Fatalf("Got %v, want ErrFusingNotReady without SRK hash", err)
	}

	f.set(SRKHash, 0xdeadbeef)

	if err := provisioner(f, 0).EnableSecureBoot(ctx); err != nil {
		t.Fatalf("EnableSecureBoot: %v", err)
	}

	if f.blown != 1 {
		t.Fatalf("Got %d fuse operations, want 1", f.blown)
	}

	p := provisioner(f, 0)

	if enabled, err := p.SecureBootEnabled(); err != nil || !enabled {
		t.Fatalf("SecureBootEnabled = %t, %v", enabled, err)
	}

	if err := p.EnableSecureBoot(ctx); err != nil {
		t.Fatalf("EnableSecureBoot: %v", err)
	}

	if f.blown != 1 {
		t.Fatal("Secure boot fused twice")
	}
}

func TestRollbackFuse(t *testing.T) {
	f := &memFuses{}
	f.set(SPL, 0b1)
	ctx := context.Background()

	if err := provisioner(f, 3).UpdateRollbackFuse(ctx); err != nil {
		t.Fatalf("UpdateRollbackFuse: %v", err)
	}

	b := &Box{Fuses: f}

	if level, err := b.Level(); err != nil || level != 3 {
		t.Fatalf("Level = %d, %v, want 3", level, err)
	}

	for _, spl := range []int{3, 2} {
		if err := provisioner(f, spl).UpdateRollbackFuse(ctx); err != nil {
			t.Fatalf("UpdateRollbackFuse(%d): %v", spl, err)
		}
	}

	if f.blown != 1 {
		t.Fatalf("Got %d fuse operations, want 1", f.blown)
	}

	f.set(SPL, 0b10000)

	if err := provisioner(f, 6).UpdateRollbackFuse(ctx); !errors.Is(err, provision.ErrSPLStatus) {
		t.Fatalf("Got %v, want ErrSPLStatus for malformed fuse", err)
	}
}

func TestBootMode(t *testing.T) {
	f := &memFuses{}

	if noBoot, err := provisioner(f, 0).NoBoot(); err != nil || noBoot {
		t.Fatalf("NoBoot = %t, %v", noBoot, err)
	}

	f.set(NoBoot, 1)

	if noBoot, err := provisioner(f, 0).NoBoot(); err != nil || !noBoot {
		t.Fatalf("NoBoot = %t, %v", noBoot, err)
	}
}

func TestUnsupported(t *testing.T) {
	if _, err := provisioner(&memFuses{}, 0).RPMCProvisioned(); !errors.Is(err, mailbox.ErrUnsupported) {
		t.Fatalf("Got %v, want ErrUnsupported", err)
	}

	if err := (&Box{}).Send(mailbox.CmdQueryCaps, make([]byte, 4)); err == nil {
		t.Fatal("Send: expected error for short buffer")
	}
}
