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

//go:build tamago && arm && !fake_rpmb
// +build tamago,arm,!fake_rpmb

package main

import (
	"bytes"
	"crypto/aes"
	"fmt"
	"log"

	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
	"github.com/usbarmory/tamago/soc/nxp/usdhc"

	"github.com/usbarmory/crucible/otp"

	"github.com/transparency-dev/armored-witness-verstage/rpmb"
	"github.com/transparency-dev/armored-witness-verstage/secdata"
)

const (
	// RPMB sector for CVE-2020-13799 mitigation
	dummySector = 0
	// RPMB OTP flag bank
	rpmbFuseBank = 4
	// RPMB OTP flag word
	rpmbFuseWord = 6

	diversifierRPMB = "ArmoryVerstageMAC"
)

// initPartition returns the eMMC RPMB partition, programming its
// authentication key on first use.
func initPartition(card *usdhc.USDHC) (*rpmb.RPMB, error) {
	// derive key for RPBM MAC generation
	dk, err := imx6ul.DCP.DeriveKey([]byte(diversifierRPMB), make([]byte, aes.BlockSize), -1)

	if err != nil {
		return nil, fmt.Errorf("could not derive RPMB key (%v)", err)
	}

	uid := imx6ul.UniqueID()
	key := rpmb.DeriveKey(dk, uid[:])

	p, err := rpmb.Init(card, key, dummySector, false)

	if err != nil {
		return nil, err
	}

	programmed, err := p.KeyProgrammed()

	if err != nil {
		return nil, err
	}

	if programmed {
		// invalidate uncommitted writes
		return rpmb.Init(card, key, dummySector, true)
	}

	// Fuse a bit to indicate previous key programming to prevent malicious
	// eMMC replacement to intercept ProgramKey().
	//
	// If already fused refuse to do any programming and bail.
	if res, err := otp.ReadOCOTP(rpmbFuseBank, rpmbFuseWord, 0, 1); err != nil || bytes.Equal(res, []byte{1}) {
		return nil, fmt.Errorf("could not read RPMB program key flag (%x, %v)", res, err)
	}

	if err = otp.BlowOCOTP(rpmbFuseBank, rpmbFuseWord, 0, 1, []byte{1}); err != nil {
		return nil, fmt.Errorf("could not fuse RPMB program key flag (%v)", err)
	}

	log.Print("verstage: RPMB authentication key not yet programmed, programming")

	if err = p.ProgramKey(); err != nil {
		return nil, fmt.Errorf("could not program RPMB key, %v", err)
	}

	return p, nil
}

// initSpaces returns the secured storage spaces held in the RPMB partition,
// creating them on first boot.
func initSpaces(card *usdhc.USDHC) (secdata.Spaces, error) {
	p, err := initPartition(card)

	if err != nil {
		return nil, err
	}

	s := &secdata.RPMBSpaces{
		Partition: p,
		Sectors:   secdata.DefaultSectors,
	}

	if err = secdata.Provision(s); err != nil {
		return nil, err
	}

	return s, nil
}
