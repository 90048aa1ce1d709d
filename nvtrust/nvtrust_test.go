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

package nvtrust

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-verstage/region/testonly"
)

func TestCRC8(t *testing.T) {
	for _, test := range []struct {
		name string
		data []byte
		want uint8
	}{
		{name: "empty", data: nil, want: 0x00},
		{name: "check string", data: []byte("123456789"), want: 0xf4},
		{name: "single one", data: []byte{0x01}, want: 0x07},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := CRC8(test.data); got != test.want {
				t.Fatalf("Got %#02x, want %#02x", got, test.want)
			}
		})
	}
}

func TestErase(t *testing.T) {
	b := Blob{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	b.Erase()

	if !b.Valid() {
		t.Fatalf("Erased blob %s is not valid", b)
	}
	if !b.Flag(FirmwareSettingsReset) || !b.Flag(KernelSettingsReset) {
		t.Fatalf("Erased blob %s lacks reset flags", b)
	}
	for i := 1; i < BlobSize-1; i++ {
		if b[i] != 0 {
			t.Fatalf("Payload byte %d = %#x, want 0", i, b[i])
		}
	}
}

func TestFields(t *testing.T) {
	var b Blob
	b.Erase()

	for _, test := range []struct {
		field Field
		val   uint8
		want  uint8
	}{
		{field: TryCount, val: 7, want: 7},
		{field: TryCount, val: 0x1f, want: 0x0f},
		{field: FWResult, val: ResultFailure, want: ResultFailure},
		{field: FWPrevResult, val: ResultSuccess, want: ResultSuccess},
		{field: TryNext, val: 1, want: 1},
		{field: RecoveryRequest, val: 0x2b, want: 0x2b},
		{field: UDCEnable, val: 1, want: 1},
	} {
		t.Run(test.field.String(), func(t *testing.T) {
			b.Set(test.field, test.val)
			if got := b.Get(test.field); got != test.want {
				t.Fatalf("Got %d, want %d", got, test.want)
			}
		})
	}

	// fields sharing a byte must not clobber each other
	if got := b.Get(FWResult); got != ResultFailure {
		t.Errorf("FWResult = %d after setting neighbours, want %d", got, ResultFailure)
	}
	if changed := b.Set(TryNext, 1); changed {
		t.Error("Set reported a change for an unchanged value")
	}
	if changed := b.SetKernelField(0xdeadbeef); !changed || b.KernelField() != 0xdeadbeef {
		t.Errorf("KernelField = %#x, want 0xdeadbeef", b.KernelField())
	}
}

type failingBackend struct{}

func (failingBackend) Name() string { return "failing" }
func (failingBackend) ReadBlob(*Blob) error { return errors.New("bus error") }
func (failingBackend) WriteBlob(*Blob) error { return errors.New("bus error") }

func TestStoreRoundTrip(t *testing.T) {
	regs := &MemRegisters{}
	s := NewStore(&RegisterBank{Registers: regs, Offset: 14})

	var b Blob
	if err := s.Reset(&b); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	b.Set(TryCount, 3)
	b.Seal()
	if err := s.Write(b); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := s.Read()
	if diff := cmp.Diff(got, b); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestStoreCorruption(t *testing.T) {
	var valid Blob
	valid.Erase()
	valid.Set(TryCount, 5)
	valid.SetFlag(UDCEnable, true)
	valid.Seal()

	var reset Blob
	reset.Erase()

	for i := 0; i < BlobSize; i++ {
		regs := &MemRegisters{}
		s := NewStore(&RegisterBank{Registers: regs})
		if err := s.Write(valid); err != nil {
			t.Fatalf("Write: %v", err)
		}

		regs[i] ^= 0x01

		if diff := cmp.Diff(s.Read(), reset); diff != "" {
			t.Fatalf("Byte %d corrupted: got diff: %s", i, diff)
		}
	}
}

func TestStoreBackendFailure(t *testing.T) {
	s := NewStore(failingBackend{})

	var reset Blob
	reset.Erase()

	if diff := cmp.Diff(s.Read(), reset); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
	if err := s.Write(reset); err == nil {
		t.Fatal("Write: expected error")
	}
}

func TestStoreRejectsUnsealed(t *testing.T) {
	s := NewStore(&RegisterBank{Registers: &MemRegisters{}})

	var b Blob
	b.Erase()
	b.Set(TryCount, 2)

	if err := s.Write(b); err == nil {
		t.Fatal("Write: expected error for stale CRC")
	}
}

func TestStoreCache(t *testing.T) {
	regs := &MemRegisters{}
	s := NewStore(&RegisterBank{Registers: regs})

	first := s.Read()

	// out of band change is not observed until invalidated
	var b Blob
	b.Erase()
	b.Set(TryCount, 9)
	b.Seal()
	copy(regs[:], b[:])

	if diff := cmp.Diff(s.Read(), first); diff != "" {
		t.Fatalf("Cached read got diff: %s", diff)
	}

	s.Invalidate()

	if diff := cmp.Diff(s.Read(), b); diff != "" {
		t.Fatalf("Got diff after Invalidate: %s", diff)
	}
}

func TestFlashLog(t *testing.T) {
	dev := testonly.NewMemDevice(t, 4*BlobSize)
	f := &Flash{Region: dev}
	s := NewStore(f)

	var reset Blob
	reset.Erase()

	if diff := cmp.Diff(s.Read(), reset); diff != "" {
		t.Fatalf("Blank flash got diff: %s", diff)
	}

	var b Blob
	b.Erase()

	for i := uint8(1); i <= 6; i++ {
		b.Set(TryCount, i)
		b.Seal()
		if err := s.Write(b); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
		if diff := cmp.Diff(NewStore(&Flash{Region: dev}).Read(), b); diff != "" {
			t.Fatalf("Write %d: got diff: %s", i, diff)
		}
	}

	// six writes into four entries wrap once
	if got, want := dev.Erases, 1; got != want {
		t.Fatalf("Got %d erases, want %d", got, want)
	}

	dev.ResetCounters()
	if err := s.Write(b); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if dev.Writes != 0 {
		t.Fatalf("Identical write programmed flash %d times", dev.Writes)
	}
}

func TestWithBackup(t *testing.T) {
	primary := &MemRegisters{}
	backupDev := testonly.NewMemDevice(t, 8*BlobSize)

	backend := &WithBackup{
		Primary: &RegisterBank{Registers: primary},
		Backup:  &Flash{Region: backupDev},
	}
	s := NewStore(backend)

	var b Blob
	b.Erase()
	b.Set(RecoveryRequest, 0x42)
	b.Seal()

	if err := s.Write(b); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// battery loss
	*primary = MemRegisters{}
	s.Invalidate()

	if diff := cmp.Diff(s.Read(), b); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
	if diff := cmp.Diff(primary[:BlobSize], b[:]); diff != "" {
		t.Fatalf("Primary not restored, diff: %s", diff)
	}
}

func TestFlashFirstWrite(t *testing.T) {
	dev := testonly.NewMemDevice(t, 64)
	f := &Flash{Region: dev}

	var b Blob
	b.Erase()

	if err := f.WriteBlob(&b); err != nil {
		t.Fatalf("WriteBlob on blank region: %v", err)
	}
	if diff := cmp.Diff(dev.Storage[:BlobSize], b[:]); diff != "" {
		t.Fatalf("First entry got diff: %s", diff)
	}

	var got Blob
	if err := (&Flash{Region: dev}).ReadBlob(&got); err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if diff := cmp.Diff(got, b); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestStoreReinitialized(t *testing.T) {
	regs := &MemRegisters{}
	s := NewStore(&RegisterBank{Registers: regs})

	b := s.Read()
	if !s.Reinitialized() {
		t.Fatal("Blank registers not reported as reinitialized")
	}

	b.Seal()
	if err := s.Write(b); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if s.Reinitialized() {
		t.Fatal("Reinitialized after write back")
	}

	s.Read()
	if s.Reinitialized() {
		t.Fatal("Valid content reported as reinitialized")
	}
}
