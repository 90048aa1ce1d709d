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

package region_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-verstage/region"
	"github.com/transparency-dev/armored-witness-verstage/region/testonly"
)

func TestSub(t *testing.T) {
	for _, test := range []struct {
		name    string
		off     int64
		size    int64
		wantErr bool
	}{
		{name: "whole device", off: 0, size: 64},
		{name: "tail", off: 32, size: 32},
		{name: "past end", off: 32, size: 33, wantErr: true},
		{name: "negative offset", off: -1, size: 4, wantErr: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			dev := testonly.NewMemDevice(t, 64)
			w, err := region.Sub(dev, test.off, test.size)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
			if test.wantErr {
				if !errors.Is(err, region.ErrOutOfBounds) {
					t.Fatalf("Got %v, want ErrOutOfBounds", err)
				}
				return
			}
			if got, want := w.Size(), test.size; got != want {
				t.Fatalf("Got size %d, want %d", got, want)
			}
		})
	}
}

func TestWindowAccess(t *testing.T) {
	dev := testonly.NewMemDevice(t, 64)
	w, err := region.Sub(dev, 16, 16)
	if err != nil {
		t.Fatalf("Sub: %v", err)
	}

	if err := region.WriteFull(w, []byte{1, 2, 3, 4}, 4); err != nil {
		t.Fatalf("WriteFull: %v", err)
	}
	if diff := cmp.Diff(dev.Storage[20:24], []byte{1, 2, 3, 4}); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	got := make([]byte, 4)
	if err := region.ReadFull(w, got, 4); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if diff := cmp.Diff(got, []byte{1, 2, 3, 4}); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	if _, err := w.EraseAt(0, 16); err != nil {
		t.Fatalf("EraseAt: %v", err)
	}
	if !region.IsErased(dev.Storage[16:32]) {
		t.Fatal("Window not erased")
	}

	if _, err := w.ReadAt(make([]byte, 2), 15); !errors.Is(err, region.ErrOutOfBounds) {
		t.Fatalf("Got %v, want ErrOutOfBounds", err)
	}
}

func TestShortTransfers(t *testing.T) {
	dev := testonly.NewMemDevice(t, 8)
	dev.ShortRead = true
	dev.ShortWrite = true

	if err := region.ReadFull(dev, make([]byte, 4), 0); err == nil {
		t.Error("ReadFull: expected error on short read")
	}
	if err := region.WriteFull(dev, make([]byte, 4), 0); err == nil {
		t.Error("WriteFull: expected error on short write")
	}
}

func TestCardDevice(t *testing.T) {
	const blockSize = 16

	card := testonly.NewMemCard(t, blockSize, 8)
	var written []int
	card.OnBlockWritten = func(lba int) {
		written = append(written, lba)
	}

	dev := &region.CardDevice{
		Card:      card,
		BlockSize: blockSize,
		Offset:    2 * blockSize,
		Length:    4 * blockSize,
	}

	// unaligned write spanning two blocks
	if err := region.WriteFull(dev, bytes.Repeat([]byte{0xaa}, 8), 12); err != nil {
		t.Fatalf("WriteFull: %v", err)
	}
	if diff := cmp.Diff(written, []int{2, 3}); diff != "" {
		t.Fatalf("Got diff in written blocks: %s", diff)
	}

	want := make([]byte, 4*blockSize)
	copy(want[12:], bytes.Repeat([]byte{0xaa}, 8))
	if diff := cmp.Diff(card.Storage[2*blockSize:6*blockSize], want); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	if _, err := dev.EraseAt(0, dev.Size()); err != nil {
		t.Fatalf("EraseAt: %v", err)
	}
	if !region.IsErased(card.Storage[2*blockSize : 6*blockSize]) {
		t.Fatal("Region not erased")
	}
	if region.IsErased(card.Storage[:2*blockSize]) {
		t.Fatal("Erase leaked outside region")
	}

	if _, err := dev.ReadAt(make([]byte, 1), dev.Size()); !errors.Is(err, region.ErrOutOfBounds) {
		t.Fatalf("Got %v, want ErrOutOfBounds", err)
	}
}
