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

// The verstage program is the verified boot stage of the USB armory Mk II:
// it verifies one of two firmware slots held on the internal eMMC and
// boots it.
package main

import (
	"context"
	"log"
	"os"
	"runtime"
	"strconv"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-verstage/firmware"
	"github.com/transparency-dev/armored-witness-verstage/internal/fusebox"
	"github.com/transparency-dev/armored-witness-verstage/mailbox"
	"github.com/transparency-dev/armored-witness-verstage/nvtrust"
	"github.com/transparency-dev/armored-witness-verstage/provision"
	"github.com/transparency-dev/armored-witness-verstage/verstage"
)

// initialized at compile time (see Makefile)
var (
	Build    string
	Revision string
	Version  string

	// SPL is the security patch level of this build, the anti-rollback
	// fuse is raised to it.
	SPL string
	// FuseSecureBoot enables secure boot fusing when set to "1".
	FuseSecureBoot string
)

var (
	Storage = usbarmory.MMC
	Backup  = usbarmory.SD
)

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)

	// library logging goes through the standard logger
	klog.LogToStderr(false)
	klog.SetOutput(log.Writer())

	if imx6ul.Native {
		imx6ul.SetARMFreq(imx6ul.Freq792)
		imx6ul.DCP.Init()
	}

	log.Printf("%s/%s (%s) • verified boot stage %s • %s %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		Version, Revision, Build)
}

// provisionRoot performs the root of trust transitions enabled at build
// time, failures are logged and the boot continues.
func provisionRoot(ctx context.Context, p *provision.Provisioner) {
	if FuseSecureBoot == "1" {
		if err := p.EnableSecureBoot(ctx); err != nil {
			log.Printf("verstage: could not enable secure boot, %v", err)
		}
	}

	if len(SPL) > 0 {
		if err := p.UpdateRollbackFuse(ctx); err != nil {
			log.Printf("verstage: could not update anti-rollback fuse, %v", err)
		}
	}
}

func main() {
	ctx := context.Background()
	b := board{}

	usbarmory.LED("blue", false)
	usbarmory.LED("white", false)

	if err := Storage.Detect(); err != nil {
		log.Fatalf("verstage: could not detect storage, %v", err)
	}

	emmc, err := newLayout(Storage)

	if err != nil {
		log.Fatalf("verstage: %v", err)
	}

	spl, _ := strconv.Atoi(SPL)

	p := &provision.Provisioner{
		Mailbox: &mailbox.Client{
			Transport: &fusebox.Box{Fuses: ocotp{}, TargetSPL: spl},
		},
		Config:   provision.Config{FlashParts: 1},
		Resetter: b,
	}

	if imx6ul.Native {
		provisionRoot(ctx, p)
	}

	spaces, err := initSpaces(Storage)

	if err != nil {
		log.Fatalf("verstage: could not initialize secured storage, %v", err)
	}

	if err = checkGBB(emmc); err != nil {
		b.Halt(err.Error())
	}

	if err = Backup.Detect(); err != nil {
		log.Printf("verstage: no backup card, %v", err)
	} else if sd, err := newLayout(Backup); err == nil {
		backup(emmc, sd)
	}

	nv, err := emmc.Locate(nvName)

	if err != nil {
		log.Fatalf("verstage: %v", err)
	}

	pcrs := &verstage.SoftwarePCRs{}

	vs := &verstage.Verstage{
		Config: verstage.Config{
			HasRecoveryHashSpace: true,
			StashBody:            true,
		},
		Store:    nvtrust.NewStore(&nvtrust.Flash{Region: nv}),
		Spaces:   spaces,
		Regions:  emmc,
		Loader:   emmc,
		Measurer: pcrs,
		BootMode: p,
		Hooks:    &verstage.MemoryHooks{},
		Resetter: b,
		Halter:   b,
	}

	res, err := vs.Run(ctx)

	if err != nil {
		// reboots and halts do not return on hardware
		log.Fatalf("verstage: %v", err)
	}

	if res.Recovery {
		b.Halt("recovery mode (" + res.Reason.String() + "), no recovery image")
	}

	if res.Flags&firmware.FlagNoBoot != 0 {
		b.Halt("boot forbidden by fuses")
	}

	for pcr, v := range pcrs.PCRs {
		log.Printf("verstage: PCR %d %x", pcr, v)
	}

	usbarmory.LED("blue", true)

	if err = boot(res); err != nil {
		log.Fatalf("verstage: could not boot slot %s, %v", res.Slot, err)
	}
}
