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
	"errors"
	"log"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/usbarmory/armory-boot/exec"

	"github.com/transparency-dev/armored-witness-verstage/verstage"
)

// boot executes the verified body kept in memory during verification, it
// only returns on error.
func boot(res *verstage.Result) error {
	if len(res.Stash) == 0 {
		return errors.New("no verified body")
	}

	image := &exec.ELFImage{
		Region: bodyRegion,
		ELF:    res.Stash,
	}

	if err := image.Load(); err != nil {
		return err
	}

	log.Printf("verstage: booting slot %s release %s entry:%#x", res.Slot, res.Preamble.Release, image.Entry())

	return image.Boot(cleanup)
}

func cleanup() {
	usbarmory.LED("blue", false)
	usbarmory.LED("white", false)

	imx6ul.ARM.DisableInterrupts()
	imx6ul.ARM.FlushDataCache()
	imx6ul.ARM.DisableCache()
}
