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

// Package firmware implements verified boot of A/B firmware slots: secured
// storage and root of trust checks, slot selection, keyblock and preamble
// authentication, body hashing and measurement digests.
package firmware

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-verstage/nvtrust"
	"github.com/transparency-dev/armored-witness-verstage/region"
	"github.com/transparency-dev/armored-witness-verstage/secdata"
)

// PCR indices of the boot measurements.
const (
	BootModePCR = 0
	HWIDPCR     = 1
)

// ErrPhase1Recovery is returned by Phase1 when the boot must continue in
// recovery mode.
var ErrPhase1Recovery = errors.New("recovery mode requested")

// ErrPhaseOrder is returned when a phase is invoked before its predecessor
// succeeded.
var ErrPhaseOrder = errors.New("verification phase out of order")

// Regions locates named read-only flash regions.
type Regions interface {
	Locate(name string) (region.Device, error)
}

// Config holds verification policy.
type Config struct {
	// SlotAOnly restricts slot selection to slot A.
	SlotAOnly bool
}

type phase int

const (
	phaseNone phase = iota
	phase1
	phase2
	phase3
	phaseHash
	phaseChecked
)

// Verifier performs firmware verification over a Context.
type Verifier struct {
	Context *Context
	Regions Regions
	Config  Config

	phase    phase
	gbb      *GBB
	keyblock *Keyblock
	preamble *Preamble

	hash      hash.Hash
	remaining int64
}

// NewVerifier returns a Verifier for ctx.
func NewVerifier(ctx *Context, regions Regions, cfg Config) *Verifier {
	ctx.SlotAOnly = cfg.SlotAOnly

	return &Verifier{
		Context: ctx,
		Regions: regions,
		Config:  cfg,
	}
}

// GBB returns the GBB loaded by Phase1, if any.
func (v *Verifier) GBB() *GBB {
	return v.gbb
}

// Keyblock returns the keyblock verified by Phase3.
func (v *Verifier) Keyblock() *Keyblock {
	return v.keyblock
}

// Preamble returns the preamble verified by Phase3.
func (v *Verifier) Preamble() *Preamble {
	return v.preamble
}

func (v *Verifier) fail(reason Reason, subcode uint8, err error) error {
	klog.Errorf("verstage: %s failure, %v", reason, err)
	v.Context.Fail(reason, subcode)
	return &Error{Reason: reason, Subcode: subcode, Err: err}
}

func (v *Verifier) loadGBB() error {
	dev, err := v.Regions.Locate(GBBName)

	if err != nil {
		return err
	}

	b, err := readHeader(dev)

	if err != nil {
		return err
	}

	v.gbb, err = ParseGBB(b)

	return err
}

// checkDevSwitch derives developer mode from the firmware space, pending
// requests and the GBB.
func (v *Verifier) checkDevSwitch() {
	ctx := v.Context
	fw := ctx.Firmware
	flags := fw.Flags

	if ctx.NV.Flag(nvtrust.DisableDevRequest) {
		klog.Info("verstage: developer mode disable requested")
		flags &^= secdata.FlagDevMode
		ctx.SetNV(nvtrust.DisableDevRequest, 0)
	}

	dev := flags&secdata.FlagDevMode != 0

	if v.gbb.Flags&GBBFlagForceDevSwitchOn != 0 {
		dev = true
	}

	if ctx.Flags&FlagDisableDevMode != 0 {
		dev = false
	}

	if dev {
		ctx.Flags |= FlagDeveloperMode
		flags |= secdata.FlagDevMode | secdata.FlagLastBootDeveloper
	} else {
		ctx.Flags &^= FlagDeveloperMode
		flags &^= secdata.FlagDevMode | secdata.FlagLastBootDeveloper
	}

	// ownership is cleared on every developer mode transition
	if (fw.Flags&secdata.FlagLastBootDeveloper != 0) != dev {
		klog.Infof("verstage: developer mode transition (%t)", dev)
		ctx.SetNV(nvtrust.ClearOwnerRequest, 1)
	}

	if flags != fw.Flags {
		fw.Flags = flags
		ctx.Flags |= FlagSecdataFirmwareChanged
	}
}

// checkRecovery enters recovery mode on a pending or forced request. A
// pending request is cleared once consumed.
func (v *Verifier) checkRecovery() {
	ctx := v.Context
	reason := Reason(ctx.NV.Get(nvtrust.RecoveryRequest))
	subcode := ctx.NV.Get(nvtrust.RecoverySubcode)

	if reason != ReasonNotRequested {
		ctx.SetNV(nvtrust.RecoveryRequest, uint8(ReasonNotRequested))
	} else if ctx.Flags&FlagForceRecovery != 0 {
		reason = ReasonROManual
		subcode = 0
	}

	if reason == ReasonNotRequested {
		return
	}

	klog.Infof("verstage: recovery requested (%s, subcode %#x)", reason, subcode)

	ctx.Reason = reason
	ctx.Subcode = subcode
	ctx.Flags |= FlagRecoveryMode
}

// Phase1 checks the secured storage firmware space, loads the GBB and
// decides developer and recovery mode. ErrPhase1Recovery is returned when
// the boot must proceed in recovery mode.
func (v *Verifier) Phase1() error {
	ctx := v.Context

	if ctx.Firmware == nil {
		v.fail(ReasonSecdataFirmwareInit, 0, errors.New("firmware space unavailable"))
	} else if err := v.loadGBB(); err != nil {
		v.fail(ReasonGBBHeader, 0, err)
	} else {
		v.checkDevSwitch()
	}

	v.checkRecovery()

	if ctx.RecoveryMode() {
		return ErrPhase1Recovery
	}

	v.phase = phase1

	return nil
}

// Phase2 selects the slot to boot from the trust blob try state.
func (v *Verifier) Phase2() error {
	if v.phase != phase1 {
		return ErrPhaseOrder
	}

	ctx := v.Context

	ctx.SetNV(nvtrust.FWPrevTried, uint8(ctx.lastSlot))
	ctx.SetNV(nvtrust.FWPrevResult, ctx.lastResult)
	ctx.SetNV(nvtrust.FWResult, nvtrust.ResultUnknown)

	slot := Slot(ctx.NV.Get(nvtrust.TryNext))
	tries := ctx.NV.Get(nvtrust.TryCount)

	if (ctx.lastResult == nvtrust.ResultTrying || ctx.lastResult == nvtrust.ResultFailure) &&
		ctx.lastSlot == slot && tries == 0 {
		klog.Infof("verstage: slot %s exhausted its tries, falling back", slot)
		slot = slot.Other()
		ctx.SetNV(nvtrust.TryNext, uint8(slot))
	}

	if v.Config.SlotAOnly && slot != SlotA {
		klog.Warningf("verstage: slot %s requested, only slot A is enabled", slot)
		slot = SlotA
		ctx.SetNV(nvtrust.TryNext, uint8(slot))
	}

	ctx.Slot = slot
	ctx.SlotChosen = true

	if slot == SlotB {
		ctx.Flags |= FlagSlotB
	} else {
		ctx.Flags &^= FlagSlotB
	}

	if tries > 0 {
		ctx.SetNV(nvtrust.FWResult, nvtrust.ResultTrying)

		if ctx.Flags&FlagNoFailBoot == 0 {
			ctx.SetNV(nvtrust.TryCount, tries-1)
		}
	}

	ctx.SetNV(nvtrust.FWTried, uint8(slot))

	klog.Infof("verstage: selected slot %s (tries %d)", slot, tries)

	v.phase = phase2

	return nil
}

// Phase3 authenticates the selected slot keyblock and preamble and
// enforces rollback protection.
func (v *Verifier) Phase3() error {
	if v.phase != phase2 {
		return ErrPhaseOrder
	}

	ctx := v.Context
	fw := ctx.Firmware

	dev, err := v.Regions.Locate(ctx.Slot.VblockName())

	if err != nil {
		return v.fail(ReasonFWKeyblock, 0, err)
	}

	b, err := readHeader(dev)

	if err != nil {
		return v.fail(ReasonFWKeyblock, 0, err)
	}

	vb, err := ParseVblock(b)

	if err != nil {
		return v.fail(ReasonFWKeyblock, 0, err)
	}

	k, err := v.gbb.VerifyKeyblock(vb.Keyblock)

	if err != nil {
		return v.fail(ReasonFWKeyblock, 0, err)
	}

	rollbackCheck := v.gbb.Flags&GBBFlagDisableFWRollbackCheck == 0

	if rollbackCheck && uint32(k.KeyVersion) < fw.Versions>>16 {
		return v.fail(ReasonFWKeyRollback, 0, fmt.Errorf("key version %d below %d", k.KeyVersion, fw.Versions>>16))
	}

	p, err := k.VerifyPreamble(vb.Preamble)

	if err != nil {
		return v.fail(ReasonFWPreamble, 0, err)
	}

	if err = v.gbb.VerifyInclusion(vb.Preamble, vb.Proof); err != nil {
		return v.fail(ReasonFWPreamble, 1, err)
	}

	version := p.Versions(k)

	if rollbackCheck && version < fw.Versions {
		return v.fail(ReasonFWRollback, 0, fmt.Errorf("firmware version %#x below %#x", version, fw.Versions))
	}

	if version > fw.Versions && ctx.lastSlot == ctx.Slot && ctx.lastResult == nvtrust.ResultSuccess {
		klog.Infof("verstage: rolling forward firmware version %#x -> %#x", fw.Versions, version)
		fw.Versions = version
		ctx.Flags |= FlagSecdataFirmwareChanged
	}

	klog.Infof("verstage: slot %s release %s (version %#x) authenticated", ctx.Slot, p.Release, version)

	v.keyblock = k
	v.preamble = p
	v.phase = phase3

	return nil
}

// InitHash starts hashing the body of the authenticated slot, returning
// the expected body size.
func (v *Verifier) InitHash() (int64, error) {
	if v.phase != phase3 {
		return 0, ErrPhaseOrder
	}

	v.hash = sha256.New()
	v.remaining = v.preamble.BodySize
	v.phase = phaseHash

	return v.remaining, nil
}

// ExtendHash adds a block of body data to the hash.
func (v *Verifier) ExtendHash(buf []byte) error {
	if v.phase != phaseHash {
		return ErrPhaseOrder
	}

	if int64(len(buf)) > v.remaining {
		return v.fail(ReasonFWBody, 0, errors.New("body data exceeds preamble size"))
	}

	v.hash.Write(buf)
	v.remaining -= int64(len(buf))

	return nil
}

// CheckHash finalizes the body hash, compares it with the preamble digest
// and returns it.
func (v *Verifier) CheckHash() ([]byte, error) {
	if v.phase != phaseHash {
		return nil, ErrPhaseOrder
	}

	if v.remaining != 0 {
		return nil, v.fail(ReasonFWBody, 0, fmt.Errorf("%d body bytes missing", v.remaining))
	}

	digest := v.hash.Sum(nil)

	if !bytes.Equal(digest, v.preamble.BodyDigest) {
		return nil, v.fail(ReasonFWBody, 0, errors.New("body digest mismatch"))
	}

	v.phase = phaseChecked

	return digest, nil
}

// BootModeDigest returns the boot mode measurement.
func (v *Verifier) BootModeDigest() []byte {
	var mode [3]byte

	if v.Context.DeveloperMode() {
		mode[0] = 1
	}

	if v.Context.RecoveryMode() {
		mode[1] = 1
	}

	if v.keyblock != nil {
		mode[2] = 1
	}

	sum := sha256.Sum256(mode[:])

	return sum[:]
}

// HWIDDigest returns the firmware ID measurement.
func (v *Verifier) HWIDDigest() []byte {
	var hwid string

	if v.gbb != nil {
		hwid = v.gbb.HWID
	}

	sum := sha256.Sum256([]byte(hwid))

	return sum[:]
}
