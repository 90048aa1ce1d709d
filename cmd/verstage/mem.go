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
	_ "unsafe"

	"github.com/usbarmory/tamago/dma"

	"github.com/transparency-dev/armored-witness-verstage/firmware"
)

// The boot stage runs from the first 224MB of DDR, its heap also holds the
// stashed body, which is at most one FW_MAIN area. The verified ELF is
// loaded above the stage, in a region large enough for its segments at
// their link addresses, which must not overlap the stage.
const (
	stageStart = 0x80000000
	stageSize  = 0x0e000000

	stageDMAStart = stageStart + stageSize
	stageDMASize  = 0x02000000

	bodyStart = stageDMAStart + stageDMASize
	bodySize  = 0x10000000
)

//go:linkname ramStart runtime.ramStart
var ramStart uint32 = stageStart

//go:linkname ramSize runtime.ramSize
var ramSize uint32 = stageSize

// bodyRegion receives the segments of the verified ELF.
var bodyRegion *dma.Region

func init() {
	if n := areas[firmware.SlotA.BodyName()].size; n > stageSize/2 {
		panic("FW_MAIN area does not fit the stage heap")
	}

	r, err := dma.NewRegion(bodyStart, bodySize, false)

	if err != nil {
		panic(err)
	}

	// the whole region is claimed so that the DMA allocator never hands
	// out body memory
	r.Reserve(bodySize, 0)
	bodyRegion = r

	dma.Init(stageDMAStart, stageDMASize)
}
