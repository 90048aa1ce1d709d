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

package firmware

import (
	"strings"

	"github.com/transparency-dev/armored-witness-verstage/nvtrust"
	"github.com/transparency-dev/armored-witness-verstage/secdata"
)

// Flags holds the verification context flags.
type Flags uint32

const (
	// FlagForceRecovery is set when recovery was requested by a physical
	// switch.
	FlagForceRecovery Flags = 1 << iota
	// FlagDisableDevMode turns developer mode off for this boot.
	FlagDisableDevMode
	// FlagS3Resume is set when resuming from suspend.
	FlagS3Resume
	// FlagNoBoot is set when the co-processor forbids booting.
	FlagNoBoot
	// FlagDisplayInit is set when the display must be initialized.
	FlagDisplayInit
	// FlagNoFailBoot prevents try counts from being consumed.
	FlagNoFailBoot
	// FlagForceWipeout requests a wipe of user data.
	FlagForceWipeout
	// FlagRecoveryMode is set once recovery has been entered.
	FlagRecoveryMode
	// FlagDeveloperMode is set when booting in developer mode.
	FlagDeveloperMode
	// FlagSlotB is set when slot B has been selected.
	FlagSlotB
	// FlagNVChanged is set when the trust blob must be written back.
	FlagNVChanged
	// FlagSecdataFirmwareChanged is set when the firmware space must be
	// written back.
	FlagSecdataFirmwareChanged
	// FlagSecdataKernelChanged is set when the kernel space must be
	// written back.
	FlagSecdataKernelChanged
)

var flagNames = []string{
	"force_recovery",
	"disable_dev_mode",
	"s3_resume",
	"no_boot",
	"display_init",
	"no_fail_boot",
	"force_wipeout",
	"recovery_mode",
	"developer_mode",
	"slot_b",
	"nv_changed",
	"secdata_firmware_changed",
	"secdata_kernel_changed",
}

func (f Flags) String() string {
	var s []string

	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			s = append(s, name)
		}
	}

	return strings.Join(s, "|")
}

// Slot identifies a firmware slot.
type Slot uint8

const (
	SlotA Slot = iota
	SlotB
)

func (s Slot) String() string {
	if s == SlotB {
		return "B"
	}
	return "A"
}

// Other returns the alternate slot.
func (s Slot) Other() Slot {
	return 1 - s
}

// VblockName returns the name of the region holding the slot keyblock and
// preamble.
func (s Slot) VblockName() string {
	return "VBLOCK_" + s.String()
}

// BodyName returns the name of the region holding the slot body.
func (s Slot) BodyName() string {
	return "FW_MAIN_" + s.String()
}

// Context is the state carried across verification phases.
type Context struct {
	Flags Flags

	// NV is the working copy of the trust blob.
	NV nvtrust.Blob

	// Firmware and Kernel are the secured storage spaces, nil when they
	// could not be read.
	Firmware *secdata.Firmware
	Kernel   *secdata.Kernel

	// Slot is the selected slot, valid once SlotChosen is set.
	Slot       Slot
	SlotChosen bool

	// SlotAOnly is set when slot B is never booted, a slot A failure then
	// requests recovery directly.
	SlotAOnly bool

	// Reason and Subcode record the first failure of this boot, or the
	// recovery reason once in recovery mode.
	Reason  Reason
	Subcode uint8

	lastSlot   Slot
	lastResult uint8
}

// NewContext returns a context over a trust blob and the secured storage
// spaces read at boot, either may be nil when unavailable.
func NewContext(nv nvtrust.Blob, fw *secdata.Firmware, k *secdata.Kernel) *Context {
	return &Context{
		NV:         nv,
		Firmware:   fw,
		Kernel:     k,
		lastSlot:   Slot(nv.Get(nvtrust.FWTried)),
		lastResult: nv.Get(nvtrust.FWResult),
	}
}

// SetNV updates a trust blob field, marking the blob dirty on change.
func (c *Context) SetNV(f nvtrust.Field, v uint8) {
	if c.NV.Set(f, v) {
		c.Flags |= FlagNVChanged
	}
}

// EraseNV replaces the trust blob with an erased one.
func (c *Context) EraseNV() {
	c.NV.Erase()
	c.Flags |= FlagNVChanged
}

// RequestRecovery records a recovery request in the trust blob unless one
// is already pending.
func (c *Context) RequestRecovery(reason Reason, subcode uint8) {
	if c.NV.Get(nvtrust.RecoveryRequest) != uint8(ReasonNotRequested) {
		return
	}

	c.SetNV(nvtrust.RecoveryRequest, uint8(reason))
	c.SetNV(nvtrust.RecoverySubcode, subcode)
}

// Fail records a failure of the current boot attempt.
//
// Once a slot has been chosen the slot is marked as failed and the other
// slot is tried next, recovery is requested only when the other slot also
// failed on the previous boot or when only slot A may boot. Before slot
// selection recovery is requested directly.
func (c *Context) Fail(reason Reason, subcode uint8) {
	if c.Reason == ReasonNotRequested {
		c.Reason = reason
		c.Subcode = subcode
	}

	if !c.SlotChosen {
		c.RequestRecovery(reason, subcode)
		return
	}

	c.SetNV(nvtrust.FWResult, nvtrust.ResultFailure)
	c.SetNV(nvtrust.TryCount, 0)

	if c.SlotAOnly {
		c.RequestRecovery(reason, subcode)
		return
	}

	other := c.Slot.Other()

	if c.NV.Get(nvtrust.FWPrevTried) == uint8(other) && c.NV.Get(nvtrust.FWPrevResult) == nvtrust.ResultFailure {
		c.RequestRecovery(reason, subcode)
		return
	}

	c.SetNV(nvtrust.TryNext, uint8(other))
}

// DeveloperMode reports whether the boot is in developer mode.
func (c *Context) DeveloperMode() bool {
	return c.Flags&FlagDeveloperMode != 0
}

// RecoveryMode reports whether the boot is in recovery mode.
func (c *Context) RecoveryMode() bool {
	return c.Flags&FlagRecoveryMode != 0
}
