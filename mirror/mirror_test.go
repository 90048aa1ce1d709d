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

package mirror

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-verstage/platform"
	"github.com/transparency-dev/armored-witness-verstage/region"
	"github.com/transparency-dev/armored-witness-verstage/region/testonly"
)

type fakeCS struct {
	sel Part
}

func (f *fakeCS) Selected() Part { return f.sel }
func (f *fakeCS) Select(p Part) { f.sel = p }

type flashPair struct {
	cs    *fakeCS
	parts map[Part]*testonly.MemDevice
	fail  map[Part]bool
}

func (f *flashPair) Locate(name string) (region.Device, error) {
	if f.fail[f.cs.sel] {
		return nil, fmt.Errorf("%s not found", name)
	}
	return f.parts[f.cs.sel], nil
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func TestCopy(t *testing.T) {
	for _, test := range []struct {
		name    string
		srcSize int
		dstSize int
		wantErr error
	}{
		{name: "equal sizes", srcSize: 2 * CopyBlockSize, dstSize: 2 * CopyBlockSize},
		{name: "larger destination", srcSize: CopyBlockSize, dstSize: 3 * CopyBlockSize},
		{name: "destination too small", srcSize: 2 * CopyBlockSize, dstSize: CopyBlockSize, wantErr: ErrTooSmall},
		{name: "unaligned source", srcSize: CopyBlockSize + 1, dstSize: 2 * CopyBlockSize, wantErr: ErrUnaligned},
		{name: "source below one block", srcSize: CopyBlockSize / 2, dstSize: CopyBlockSize, wantErr: ErrUnaligned},
		{name: "empty source", srcSize: 0, dstSize: CopyBlockSize, wantErr: ErrUnaligned},
	} {
		t.Run(test.name, func(t *testing.T) {
			src := testonly.NewMemDeviceWith(t, pattern(test.srcSize, 1))
			dst := testonly.NewMemDeviceWith(t, pattern(test.dstSize, 9))
			orig := append([]byte(nil), dst.Storage...)

			s := &Synchronizer{}
			err := s.Copy(dst, src)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Got %v, want %v", err, test.wantErr)
			}
			if test.wantErr != nil {
				if diff := cmp.Diff(dst.Storage, orig); diff != "" {
					t.Fatalf("Destination modified on failure: %s", diff)
				}
				return
			}
			if diff := cmp.Diff(dst.Storage[:test.srcSize], src.Storage); diff != "" {
				t.Fatalf("Got diff: %s", diff)
			}
			if !region.IsErased(dst.Storage[test.srcSize:]) {
				t.Fatal("Destination tail not erased")
			}
		})
	}
}

func TestCopyShortTransfer(t *testing.T) {
	src := testonly.NewMemDeviceWith(t, pattern(2*CopyBlockSize, 1))
	dst := testonly.NewMemDevice(t, 2*CopyBlockSize)
	dst.ShortWrite = true

	s := &Synchronizer{}
	if err := s.Copy(dst, src); err == nil {
		t.Fatal("Copy: expected error on short write")
	}
	if dst.Writes != 1 {
		t.Fatalf("Copy continued after short write (%d writes)", dst.Writes)
	}
}

func TestCompare(t *testing.T) {
	const size = 4 * CopyBlockSize

	for _, test := range []struct {
		name      string
		flip      int
		wantEqual bool
		wantReads int
	}{
		{name: "equal", flip: -1, wantEqual: true, wantReads: 2 * size / CompareBlockSize},
		{name: "first half block", flip: 10, wantReads: 2},
		{name: "last byte", flip: size - 1, wantReads: 2 * size / CompareBlockSize},
		{name: "second block", flip: CompareBlockSize, wantReads: 4},
	} {
		t.Run(test.name, func(t *testing.T) {
			a := testonly.NewMemDeviceWith(t, pattern(size, 3))
			b := testonly.NewMemDeviceWith(t, pattern(size, 3))
			if test.flip >= 0 {
				b.Storage[test.flip] ^= 0x80
			}

			s := &Synchronizer{}
			equal, err := s.Compare(a, b)
			if err != nil {
				t.Fatalf("Compare: %v", err)
			}
			if equal != test.wantEqual {
				t.Fatalf("Got equal %t, want %t", equal, test.wantEqual)
			}
			if got := a.Reads + b.Reads; got != test.wantReads {
				t.Fatalf("Got %d reads, want %d", got, test.wantReads)
			}
		})
	}
}

func TestCompareErrors(t *testing.T) {
	s := &Synchronizer{}

	a := testonly.NewMemDevice(t, CopyBlockSize)
	b := testonly.NewMemDevice(t, 2*CopyBlockSize)
	if _, err := s.Compare(a, b); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("Got %v, want ErrSizeMismatch", err)
	}

	b = testonly.NewMemDevice(t, CopyBlockSize)
	b.ReadErr = errors.New("spi timeout")
	if _, err := s.Compare(a, b); err == nil {
		t.Fatal("Compare: expected read error")
	}
}

func TestSynchronize(t *testing.T) {
	const size = 2 * CopyBlockSize

	for _, test := range []struct {
		name        string
		primary     []byte
		alternate   []byte
		initial     Part
		failLocate  Part
		eraseErr    error
		wantOutcome Outcome
		wantErr     bool
	}{
		{
			name:        "in sync",
			primary:     pattern(size, 5),
			alternate:   pattern(size, 5),
			initial:     Primary,
			failLocate:  -1,
			wantOutcome: Unchanged,
		}, {
			name:        "diverged",
			primary:     pattern(size, 5),
			alternate:   pattern(size, 6),
			initial:     Alternate,
			failLocate:  -1,
			wantOutcome: Restored,
		}, {
			name:       "alternate missing",
			primary:    pattern(size, 5),
			alternate:  pattern(size, 6),
			initial:    Primary,
			failLocate: Alternate,
			wantErr:    true,
		}, {
			name:       "erase failure",
			primary:    pattern(size, 5),
			alternate:  pattern(size, 6),
			initial:    Alternate,
			failLocate: -1,
			eraseErr:   errors.New("write protected"),
			wantErr:    true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			cs := &fakeCS{sel: test.initial}
			primary := testonly.NewMemDeviceWith(t, test.primary)
			alt := testonly.NewMemDeviceWith(t, test.alternate)
			alt.EraseErr = test.eraseErr
			pair := &flashPair{
				cs:    cs,
				parts: map[Part]*testonly.MemDevice{Primary: primary, Alternate: alt},
				fail:  map[Part]bool{test.failLocate: true},
			}
			debug := testonly.NewMemDevice(t, size)

			s := &Synchronizer{
				ChipSelect:  cs,
				Locator:     pair,
				Snapshotter: &RegionSnapshotter{Debug: debug},
			}

			outcome, err := s.Synchronize("PSP_NV")
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
			if cs.sel != test.initial {
				t.Fatalf("Chip-select %s after Synchronize, want %s", cs.sel, test.initial)
			}
			if test.wantErr {
				return
			}
			if outcome != test.wantOutcome {
				t.Fatalf("Got outcome %s, want %s", outcome, test.wantOutcome)
			}

			equal, err := s.Compare(alt, primary)
			if err != nil || !equal {
				t.Fatalf("Regions differ after Synchronize (%v)", err)
			}
			if outcome == Restored && !bytes.Equal(debug.Storage, primary.Storage) {
				t.Fatal("Primary not snapshotted before restore")
			}
		})
	}
}

func TestRecoverCorruption(t *testing.T) {
	const size = CopyBlockSize

	for _, test := range []struct {
		name        string
		primary     []byte
		backup      []byte
		backupErr   error
		wantOutcome Outcome
		wantPrimary []byte
		wantResets  []platform.ResetKind
	}{
		{
			name:        "backup matches",
			primary:     pattern(size, 1),
			backup:      pattern(size, 1),
			wantOutcome: BackupConsumed,
			wantPrimary: pattern(size, 1),
		}, {
			name:        "restore from backup",
			primary:     pattern(size, 1),
			backup:      pattern(size, 2),
			wantOutcome: RestoredFromBackup,
			wantPrimary: pattern(size, 2),
			wantResets:  []platform.ResetKind{platform.WarmReset},
		}, {
			name:        "blank backup",
			primary:     pattern(size, 1),
			backup:      bytes.Repeat([]byte{0xff}, size),
			wantOutcome: PrimaryErased,
			wantPrimary: bytes.Repeat([]byte{0xff}, size),
			wantResets:  []platform.ResetKind{platform.WarmReset},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			cs := &fakeCS{sel: Alternate}
			primary := testonly.NewMemDeviceWith(t, test.primary)
			backup := testonly.NewMemDeviceWith(t, test.backup)
			pair := &flashPair{
				cs:    cs,
				parts: map[Part]*testonly.MemDevice{Primary: primary},
			}
			rec := &platform.Recorder{}

			s := &Synchronizer{
				ChipSelect: cs,
				Locator:    pair,
				Resetter:   rec,
			}

			outcome, err := s.RecoverCorruption("PSP_NV", backup)
			if err != nil {
				t.Fatalf("RecoverCorruption: %v", err)
			}
			if outcome != test.wantOutcome {
				t.Fatalf("Got outcome %s, want %s", outcome, test.wantOutcome)
			}
			if cs.sel != Alternate {
				t.Fatalf("Chip-select %s after RecoverCorruption, want %s", cs.sel, Alternate)
			}
			if diff := cmp.Diff(primary.Storage, test.wantPrimary); diff != "" {
				t.Fatalf("Primary diff: %s", diff)
			}
			if diff := cmp.Diff(rec.Resets, test.wantResets); diff != "" {
				t.Fatalf("Resets diff: %s", diff)
			}
			if outcome == BackupConsumed && !region.IsErased(backup.Storage) {
				t.Fatal("Backup not consumed")
			}
		})
	}
}
