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

// Package verstage drives verified boot: it runs the firmware verification
// phases in order, persists trust state and decides whether the boot
// continues, enters recovery, reboots or halts.
package verstage

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-verstage/firmware"
	"github.com/transparency-dev/armored-witness-verstage/mailbox"
	"github.com/transparency-dev/armored-witness-verstage/nvtrust"
	"github.com/transparency-dev/armored-witness-verstage/platform"
	"github.com/transparency-dev/armored-witness-verstage/region"
	"github.com/transparency-dev/armored-witness-verstage/secdata"
)

// BlockSize is the body hashing block size.
const BlockSize = 1024

// Loader locates a firmware body region, loading it if required.
type Loader interface {
	LocateAndLoad(name string) (region.Device, error)
}

// Measurer extends measurement registers.
type Measurer interface {
	Extend(pcr int, digest []byte) error
}

// BootModeSource reports whether the co-processor forbids booting.
//
// An error matching mailbox.ErrUnsupported means the co-processor does not
// implement the query and the boot mode gate is skipped.
type BootModeSource interface {
	NoBoot() (bool, error)
}

// Switches are the physical inputs sampled at boot.
type Switches struct {
	// Recovery is set when the recovery switch is held.
	Recovery bool
	// Wipeout is set when a user data wipe is requested.
	Wipeout bool
	// LidClosed is set when booting with the lid closed.
	LidClosed bool
	// DisplayRequired is set when the display must be brought up.
	DisplayRequired bool
	// Resuming is set when resuming from suspend.
	Resuming bool
}

// Config holds the verified boot configuration.
type Config struct {
	// ResumePathSameAsBoot is set when the resume path runs verification.
	ResumePathSameAsBoot bool
	// NoRecovery refuses recovery mode, erasing NV data and rebooting
	// instead.
	NoRecovery bool
	// DisableDevOnRecovery turns developer mode off when the recovery
	// switch is held.
	DisableDevOnRecovery bool
	// HasRecoveryHashSpace is set when the recovery hash space exists and
	// must be locked.
	HasRecoveryHashSpace bool
	// StashBody keeps a copy of the verified body in memory and checks
	// its digest on resume.
	StashBody bool
	// SlotAOnly restricts slot selection to slot A.
	SlotAOnly bool
}

// Result describes a completed verification.
type Result struct {
	Slot     firmware.Slot
	Recovery bool
	Reason   firmware.Reason
	Flags    firmware.Flags

	// Digest is the verified body digest, nil in recovery.
	Digest []byte
	// Stash holds the verified body when stashing is enabled.
	Stash []byte
	// Preamble describes the verified body, nil in recovery.
	Preamble *firmware.Preamble
}

// RebootError is returned after a reboot has been requested.
type RebootError struct {
	Reason firmware.Reason
	Err    error
}

func (e *RebootError) Error() string {
	return fmt.Sprintf("reboot (%s): %v", e.Reason, e.Err)
}

func (e *RebootError) Unwrap() error {
	return e.Err
}

// HaltError is returned after the platform has been halted.
type HaltError struct {
	Err error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("halt: %v", e.Err)
}

func (e *HaltError) Unwrap() error {
	return e.Err
}

// Verstage holds the collaborators of a verified boot.
type Verstage struct {
	Config   Config
	Switches Switches

	Store   *nvtrust.Store
	Spaces  secdata.Spaces
	Regions firmware.Regions
	Loader  Loader

	Measurer Measurer
	// BootMode is consulted when set.
	BootMode BootModeSource
	// Hooks default to NopHooks.
	Hooks Hooks

	Resetter platform.Resetter
	Halter   platform.Halter

	fc    *firmware.Context
	v     *firmware.Verifier
	stash []byte
}

func (vs *Verstage) init() {
	nv := vs.Store.Read()

	fw, err := secdata.ReadFirmware(vs.Spaces)

	if err != nil {
		klog.Errorf("verstage: could not read firmware space, %v", err)
		fw = nil
	}

	k, err := secdata.ReadKernel(vs.Spaces)

	if err != nil {
		klog.Errorf("verstage: could not read kernel space, %v", err)
		k = nil
	}

	vs.fc = firmware.NewContext(nv, fw, k)

	if vs.Store.Reinitialized() {
		vs.fc.Flags |= firmware.FlagNVChanged
	}
	vs.v = firmware.NewVerifier(vs.fc, vs.Regions, firmware.Config{SlotAOnly: vs.Config.SlotAOnly})
	vs.stash = nil

	if vs.Hooks == nil {
		vs.Hooks = NopHooks{}
	}

	if vs.Config.ResumePathSameAsBoot && vs.Switches.Resuming {
		klog.Info("verstage: resuming from suspend")
		vs.fc.Flags |= firmware.FlagS3Resume
	}
}

func (vs *Verstage) decideMode() {
	fc := vs.fc

	if vs.Switches.Recovery {
		fc.Flags |= firmware.FlagForceRecovery

		if vs.Config.DisableDevOnRecovery {
			fc.Flags |= firmware.FlagDisableDevMode
		}
	}

	if vs.Switches.Wipeout {
		fc.Flags |= firmware.FlagForceWipeout
	}

	if vs.Switches.LidClosed {
		fc.Flags |= firmware.FlagNoFailBoot
	}

	if vs.Switches.DisplayRequired || fc.NV.Flag(nvtrust.DisplayRequest) {
		fc.Flags |= firmware.FlagDisplayInit
	}
}

// persist writes back the trust blob and secured storage spaces changed
// during this boot. Failures are logged only.
func (vs *Verstage) persist() {
	fc := vs.fc

	if fc.Flags&firmware.FlagNVChanged != 0 {
		fc.NV.Seal()

		if err := vs.Store.Write(fc.NV); err != nil {
			klog.Errorf("verstage: could not save NV data, %v", err)
		} else {
			fc.Flags &^= firmware.FlagNVChanged
		}
	}

	if fc.Flags&firmware.FlagSecdataFirmwareChanged != 0 && fc.Firmware != nil {
		if err := vs.Spaces.WriteSpace(secdata.FirmwareIndex, fc.Firmware.Bytes()); err != nil {
			klog.Errorf("verstage: could not save firmware space, %v", err)
		} else {
			fc.Flags &^= firmware.FlagSecdataFirmwareChanged
		}
	}

	if fc.Flags&firmware.FlagSecdataKernelChanged != 0 && fc.Kernel != nil {
		if err := vs.Spaces.WriteSpace(secdata.KernelIndex, fc.Kernel.Bytes()); err != nil {
			klog.Errorf("verstage: could not save kernel space, %v", err)
		} else {
			fc.Flags &^= firmware.FlagSecdataKernelChanged
		}
	}
}

func (vs *Verstage) reboot(err error) error {
	vs.persist()

	klog.Infof("verstage: reboot requested (%v)", err)
	vs.Resetter.Reset(platform.ColdReset)

	return &RebootError{Reason: vs.fc.Reason, Err: err}
}

func (vs *Verstage) halt(err error) error {
	klog.Errorf("verstage: %v", err)
	vs.Halter.Halt(err.Error())

	return &HaltError{Err: err}
}

func (vs *Verstage) extendMeasurements() error {
	if err := vs.Measurer.Extend(firmware.BootModePCR, vs.v.BootModeDigest()); err != nil {
		return err
	}

	return vs.Measurer.Extend(firmware.HWIDPCR, vs.v.HWIDDigest())
}

func (vs *Verstage) result(digest []byte) *Result {
	return &Result{
		Slot:     vs.fc.Slot,
		Recovery: vs.fc.RecoveryMode(),
		Reason:   vs.fc.Reason,
		Flags:    vs.fc.Flags,
		Digest:   digest,
		Stash:    vs.stash,
		Preamble: vs.v.Preamble(),
	}
}

// hashBody streams the body through the verifier and checks the digest
// against the one saved before suspend.
func (vs *Verstage) hashBody(body region.Device) ([]byte, error) {
	fc := vs.fc

	size, err := vs.v.InitHash()

	if err != nil {
		return nil, err
	}

	if body.Size() < size {
		fc.Fail(firmware.ReasonFWBody, 0)
		return nil, fmt.Errorf("body region of %d bytes smaller than preamble size %d", body.Size(), size)
	}

	if vs.Config.StashBody {
		vs.stash = make([]byte, 0, size)
	}

	buf := make([]byte, BlockSize)

	for off := int64(0); off < size; off += BlockSize {
		n := min(int64(BlockSize), size-off)

		if err = region.ReadFull(body, buf[:n], off); err != nil {
			fc.Fail(firmware.ReasonFWBody, 0)
			return nil, fmt.Errorf("could not read body, %w", err)
		}

		if err = vs.v.ExtendHash(buf[:n]); err != nil {
			return nil, err
		}

		if vs.Config.StashBody {
			vs.stash = append(vs.stash, buf[:n]...)
		}
	}

	digest, err := vs.v.CheckHash()

	if err != nil {
		return nil, err
	}

	if !vs.Config.StashBody {
		return digest, nil
	}

	if fc.Flags&firmware.FlagS3Resume != 0 {
		saved, err := vs.Hooks.RetrieveHash()

		switch {
		case err != nil:
			klog.Warningf("verstage: could not retrieve saved hash, %v", err)
		case saved == nil:
			klog.Warning("verstage: no saved hash to check on resume")
		case !bytes.Equal(saved, digest):
			fc.Fail(firmware.ReasonFWBody, 2)
			return nil, errors.New("body digest differs from the one saved before suspend")
		}
	}

	if err := vs.Hooks.SaveHash(digest); err != nil {
		klog.Errorf("verstage: could not save hash, %v", err)
	}

	return digest, nil
}

// Run performs verified boot. A nil error with Result.Recovery set means
// the boot continues in recovery mode.
//
// A *RebootError is returned once a reset has been requested, after the
// trust state has been persisted, and a *HaltError once the platform has
// been halted.
func (vs *Verstage) Run(ctx context.Context) (*Result, error) {
	vs.init()
	vs.decideMode()

	fc := vs.fc

	klog.Infof("verstage: starting (flags %s)", fc.Flags)

	switch err := vs.v.Phase1(); {
	case errors.Is(err, firmware.ErrPhase1Recovery):
		vs.persist()

		if vs.Config.NoRecovery {
			klog.Warningf("verstage: recovery (%s) refused, resetting NV data", fc.Reason)
			fc.EraseNV()
			return nil, vs.reboot(err)
		}

		klog.Infof("verstage: entering recovery (%s)", fc.Reason)

		if fc.Flags&firmware.FlagS3Resume == 0 {
			if err := vs.extendMeasurements(); err != nil {
				klog.Warningf("verstage: ignoring measurement failure in recovery, %v", err)
			}
		}

		return vs.result(nil), nil
	case err != nil:
		return nil, vs.reboot(fmt.Errorf("phase 1, %w", err))
	}

	if err := ctx.Err(); err != nil {
		vs.persist()
		return nil, err
	}

	if err := vs.v.Phase2(); err != nil {
		return nil, vs.reboot(fmt.Errorf("phase 2, %w", err))
	}

	if err := vs.v.Phase3(); err != nil {
		return nil, vs.reboot(fmt.Errorf("phase 3, %w", err))
	}

	if err := ctx.Err(); err != nil {
		vs.persist()
		return nil, err
	}

	body, err := vs.Loader.LocateAndLoad(fc.Slot.BodyName())

	if err != nil {
		return nil, vs.halt(fmt.Errorf("could not locate %s, %w", fc.Slot.BodyName(), err))
	}

	digest, err := vs.hashBody(body)

	if err != nil {
		return nil, vs.reboot(fmt.Errorf("phase 4, %w", err))
	}

	if fc.Flags&firmware.FlagS3Resume == 0 {
		if err := vs.extendMeasurements(); err != nil {
			fc.Fail(firmware.ReasonROTPMUError, 0)
			return nil, vs.reboot(fmt.Errorf("could not extend measurements, %w", err))
		}
	}

	if vs.BootMode != nil {
		noBoot, err := vs.BootMode.NoBoot()

		switch {
		case errors.Is(err, mailbox.ErrUnsupported):
			klog.Infof("verstage: boot mode query not supported, %v", err)
		case err != nil:
			fc.Fail(firmware.ReasonROUnspecified, 0)
			return nil, vs.reboot(fmt.Errorf("could not query boot mode, %w", err))
		case noBoot:
			klog.Warning("verstage: co-processor requested no-boot")
			fc.Flags |= firmware.FlagNoBoot
		}
	}

	// changed spaces must be written before they are locked
	vs.persist()

	if err := vs.Spaces.LockSpace(secdata.FirmwareIndex); err != nil {
		fc.Fail(firmware.ReasonROTPMLError, 0)
		return nil, vs.reboot(fmt.Errorf("could not lock firmware space, %w", err))
	}

	if vs.Config.HasRecoveryHashSpace {
		if err := vs.Spaces.LockSpace(secdata.RecoveryHashIndex); err != nil {
			fc.Fail(firmware.ReasonROTPMRecHashLError, 0)
			return nil, vs.reboot(fmt.Errorf("could not lock recovery hash space, %w", err))
		}
	}

	klog.Infof("verstage: slot %s verified (%x)", fc.Slot, digest)

	return vs.result(digest), nil
}
