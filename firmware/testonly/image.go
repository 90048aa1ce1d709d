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

// Package testonly builds signed firmware images for tests.
package testonly

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/transparency-dev/formats/log"
	"github.com/transparency-dev/merkle/rfc6962"
	"golang.org/x/mod/sumdb/note"

	"github.com/transparency-dev/armored-witness-verstage/firmware"
	"github.com/transparency-dev/armored-witness-verstage/region"
	rtestonly "github.com/transparency-dev/armored-witness-verstage/region/testonly"
)

// headerRegionSize is the size of the GBB and vblock regions.
const headerRegionSize = 8192

// Image is a flash image holding a GBB and two firmware slots.
type Image struct {
	GBB     *firmware.GBB
	Root    note.Signer
	Data    note.Signer
	DataKey string

	// Log signs checkpoints when a transparency log is configured.
	Log note.Signer

	Regions map[string]*rtestonly.MemDevice
}

// Slot describes the content of a firmware slot.
type Slot struct {
	KeyVersion      uint16
	FirmwareVersion uint16
	Release         string
	Body            []byte
}

func keys(t *testing.T, name string) (note.Signer, string) {
	t.Helper()

	skey, vkey, err := note.GenerateKey(rand.Reader, name)

	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	s, err := note.NewSigner(skey)

	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	return s, vkey
}

// NewImage returns an image with freshly generated root and data keys and
// empty slots.
func NewImage(t *testing.T, hwid string) *Image {
	t.Helper()

	root, rootKey := keys(t, "root")
	data, dataKey := keys(t, "data")

	img := &Image{
		GBB:     &firmware.GBB{HWID: hwid, RootKey: rootKey},
		Root:    root,
		Data:    data,
		DataKey: dataKey,
		Regions: make(map[string]*rtestonly.MemDevice),
	}

	img.WriteGBB(t)

	return img
}

// EnableLog configures a transparency log in the GBB, slots set afterwards
// carry inclusion proofs.
func (img *Image) EnableLog(t *testing.T, origin string) {
	t.Helper()

	s, vkey := keys(t, origin)

	img.Log = s
	img.GBB.Log = &firmware.LogConfig{Origin: origin, Key: vkey}

	img.WriteGBB(t)
}

// WriteGBB rewrites the GBB region.
func (img *Image) WriteGBB(t *testing.T) {
	t.Helper()
	img.write(t, firmware.GBBName, img.GBB.Bytes(), headerRegionSize)
}

func (img *Image) write(t *testing.T, name string, data []byte, size int) {
	t.Helper()

	if len(data) > size {
		t.Fatalf("%s content exceeds region size", name)
	}

	dev := rtestonly.NewMemDevice(t, size)
	copy(dev.Storage, data)

	img.Regions[name] = dev
}

// proof returns an inclusion proof of leaf in a two leaf log.
func (img *Image) proof(t *testing.T, leaf []byte) *firmware.InclusionProof {
	t.Helper()

	h := rfc6962.DefaultHasher
	sibling := h.HashLeaf([]byte("other release"))
	root := h.HashChildren(h.HashLeaf(leaf), sibling)

	cp := log.Checkpoint{
		Origin: img.GBB.Log.Origin,
		Size:   2,
		Hash:   root,
	}.Marshal()

	signed, err := note.Sign(&note.Note{Text: string(cp)}, img.Log)

	if err != nil {
		t.Fatalf("Sign checkpoint: %v", err)
	}

	return &firmware.InclusionProof{
		Checkpoint: signed,
		Index:      0,
		Hashes:     [][]byte{sibling},
	}
}

// SetSlot writes the vblock and body regions of a slot.
func (img *Image) SetSlot(t *testing.T, slot firmware.Slot, s Slot) *firmware.Vblock {
	t.Helper()

	if s.Release == "" {
		s.Release = fmt.Sprintf("0.%d.%d", s.KeyVersion, s.FirmwareVersion)
	}

	kb, err := firmware.SignKeyblock(&firmware.Keyblock{
		DataKey:    img.DataKey,
		KeyVersion: s.KeyVersion,
	}, img.Root)

	if err != nil {
		t.Fatalf("SignKeyblock: %v", err)
	}

	p, err := firmware.NewPreamble(s.Body, s.FirmwareVersion, s.Release)

	if err != nil {
		t.Fatalf("NewPreamble: %v", err)
	}

	pb, err := firmware.SignPreamble(p, img.Data)

	if err != nil {
		t.Fatalf("SignPreamble: %v", err)
	}

	vb := &firmware.Vblock{Keyblock: kb, Preamble: pb}

	if img.Log != nil {
		vb.Proof = img.proof(t, pb)
	}

	img.WriteVblock(t, slot, vb)
	img.write(t, slot.BodyName(), s.Body, len(s.Body))

	return vb
}

// WriteVblock rewrites the vblock region of a slot.
func (img *Image) WriteVblock(t *testing.T, slot firmware.Slot, vb *firmware.Vblock) {
	t.Helper()
	img.write(t, slot.VblockName(), vb.Bytes(), headerRegionSize)
}

// Locate implements firmware.Regions.
func (img *Image) Locate(name string) (region.Device, error) {
	dev, ok := img.Regions[name]

	if !ok {
		return nil, fmt.Errorf("region %s not found", name)
	}

	return dev, nil
}
