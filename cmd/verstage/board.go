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
	"log"
	"time"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"

	"github.com/usbarmory/crucible/otp"

	"github.com/transparency-dev/armored-witness-verstage/platform"
)

// board binds platform collaborators to the USB armory.
type board struct{}

// Reset implements platform.Resetter, both reset kinds reset the SoC.
func (board) Reset(kind platform.ResetKind) {
	log.Printf("verstage: %s reset", kind)
	usbarmory.Reset()
}

// Halt implements platform.Halter, it never returns.
func (board) Halt(reason string) {
	log.Printf("verstage: halted, %s", reason)

	usbarmory.LED("blue", false)
	usbarmory.LED("white", true)

	for {
		time.Sleep(time.Hour)
	}
}

// ocotp gives access to the SoC fuses.
type ocotp struct{}

func (ocotp) ReadOCOTP(bank int, word int, off int, size int) ([]byte, error) {
	return otp.ReadOCOTP(bank, word, off, size)
}

func (ocotp) BlowOCOTP(bank int, word int, off int, size int, val []byte) error {
	return otp.BlowOCOTP(bank, word, off, size, val)
}
