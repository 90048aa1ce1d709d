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

//go:build tamago && arm
// +build tamago,arm

package main

import (
	"fmt"
	"log"

	"github.com/usbarmory/tamago/soc/nxp/usdhc"

	"github.com/transparency-dev/armored-witness-verstage/firmware"
	"github.com/transparency-dev/armored-witness-verstage/internal/keys"
	"github.com/transparency-dev/armored-witness-verstage/mirror"
	"github.com/transparency-dev/armored-witness-verstage/region"
)

const (
	expectedBlockSize = 512 // Expected size of MMC block in bytes

	nvName    = "NV"
	debugName = "DEBUG"
)

// area is a named range of an MMC user partition.
type area struct {
	block int64
	size  int64
}

var areas = map[string]area{
	nvName:                      {0x4000, 4096},
	debugName:                   {0x4008, 64 * 1024},
	firmware.GBBName:            {0x4100, 8192},
	firmware.SlotA.VblockName(): {0x4200, 8192},
	firmware.SlotB.VblockName(): {0x4300, 8192},
	firmware.SlotA.BodyName():   {0x5000, 16 << 20},
	firmware.SlotB.BodyName():   {0xd000, 16 << 20},
}

// mirrored lists the areas copied to the backup card.
var mirrored = []string{
	firmware.GBBName,
	firmware.SlotA.VblockName(),
	firmware.SlotB.VblockName(),
}

// layout locates areas on a card.
type layout struct {
	card *usdhc.USDHC
}

func newLayout(card *usdhc.USDHC) (*layout, error) {
	if blockSize := card.Info().BlockSize; blockSize != expectedBlockSize {
		return nil, fmt.Errorf("h/w invariant error - expected MMC blocksize %d, found %d", expectedBlockSize, blockSize)
	}

	return &layout{card: card}, nil
}

// Locate implements firmware.Regions.
func (l *layout) Locate(name string) (region.Device, error) {
	a, ok := areas[name]

	if !ok {
		return nil, fmt.Errorf("no %s area", name)
	}

	return &region.CardDevice{
		Card:      l.card,
		BlockSize: expectedBlockSize,
		Offset:    a.block * expectedBlockSize,
		Length:    a.size,
	}, nil
}

// LocateAndLoad implements verstage.Loader, bodies are hashed in place.
func (l *layout) LocateAndLoad(name string) (region.Device, error) {
	return l.Locate(name)
}

// checkGBB refuses a GBB which does not carry the compiled-in root key.
func checkGBB(l *layout) error {
	dev, err := l.Locate(firmware.GBBName)

	if err != nil {
		return err
	}

	buf := make([]byte, dev.Size())

	if err = region.ReadFull(dev, buf, 0); err != nil {
		return err
	}

	g, err := firmware.ParseGBB(buf)

	if err != nil {
		// verification enters recovery on its own
		log.Printf("verstage: %v", err)
		return nil
	}

	return keys.CheckRoot(g.RootKey)
}

// cardSelect picks the card addressed by a mirror.Synchronizer.
type cardSelect struct {
	part mirror.Part
}

func (c *cardSelect) Selected() mirror.Part {
	return c.part
}

func (c *cardSelect) Select(p mirror.Part) {
	c.part = p
}

// backup keeps the boot critical areas of the internal eMMC mirrored on the
// microSD card.
func backup(emmc *layout, sd *layout) {
	cs := &cardSelect{}
	debug, err := emmc.Locate(debugName)

	if err != nil {
		log.Printf("verstage: %v", err)
		return
	}

	s := &mirror.Synchronizer{
		ChipSelect: cs,
		Locator: mirror.LocatorFunc(func(name string) (region.Device, error) {
			if cs.part == mirror.Alternate {
				return sd.Locate(name)
			}

			return emmc.Locate(name)
		}),
		Snapshotter: &mirror.RegionSnapshotter{Debug: debug},
	}

	for _, name := range mirrored {
		outcome, err := s.Synchronize(name)

		if err != nil {
			log.Printf("verstage: could not mirror %s, %v", name, err)
			continue
		}

		log.Printf("verstage: %s backup %s", name, outcome)
	}
}
