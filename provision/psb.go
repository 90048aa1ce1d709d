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

package provision

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-verstage/mailbox"
)

const (
	// PSBEnabled is set in the PSB status word once secure boot is fused.
	PSBEnabled = 1 << 24

	// hstiTestStatusMask selects the self-test status code of the HSTI
	// state word.
	hstiTestStatusMask = 0xff
	// HSTIFusingReady is set when the platform is ready for fusing.
	HSTIFusingReady = 1 << 8
)

// ErrFusingNotReady is returned when the co-processor does not report
// readiness for fusing.
var ErrFusingNotReady = errors.New("platform not ready for secure boot fusing")

// SelfTestCode is the co-processor secure boot self-test status.
type SelfTestCode uint8

// Self-test failures.
const (
	SelfTestFuseReadError      SelfTestCode = 0x3e
	SelfTestBIOSKeyBadUsage    SelfTestCode = 0x81
	SelfTestBIOSRTMSigNoent    SelfTestCode = 0x82
	SelfTestBIOSRTMCopyError   SelfTestCode = 0x83
	SelfTestBIOSRTMBadSig      SelfTestCode = 0x84
	SelfTestBIOSKeyBadSig      SelfTestCode = 0x85
	SelfTestPlatformBadID      SelfTestCode = 0x86
	SelfTestBIOSCopyBitUnset   SelfTestCode = 0x87
	SelfTestBIOSCABadSig       SelfTestCode = 0x8a
	SelfTestBIOSCABadUsage     SelfTestCode = 0x8b
	SelfTestBIOSKeyBadRevision SelfTestCode = 0x8c
)

var selfTestConditions = map[SelfTestCode]string{
	SelfTestFuseReadError:      "error reading fuse info",
	SelfTestBIOSKeyBadUsage:    "OEM BIOS signing key usage flag violation",
	SelfTestBIOSRTMSigNoent:    "BIOS RTM signature entry not found",
	SelfTestBIOSRTMCopyError:   "BIOS copy to DRAM failed",
	SelfTestBIOSRTMBadSig:      "BIOS RTM signature verification failed",
	SelfTestBIOSKeyBadSig:      "OEM BIOS signing key failed signature verification",
	SelfTestPlatformBadID:      "platform vendor ID and/or model ID binding violation",
	SelfTestBIOSCopyBitUnset:   "BIOS copy bit is unset for reset image",
	SelfTestBIOSCABadSig:       "OEM BIOS signing CA key failed signature verification",
	SelfTestBIOSCABadUsage:     "OEM BIOS signing CA key usage flag violation",
	SelfTestBIOSKeyBadRevision: "OEM BIOS signing key revision violation",
}

func (c SelfTestCode) String() string {
	if s, ok := selfTestConditions[c]; ok {
		return s
	}
	return "unknown failure"
}

// SelfTestError reports a failed secure boot self-test.
type SelfTestError struct {
	Code SelfTestCode
}

func (e *SelfTestError) Error() string {
	return fmt.Sprintf("PSB self-test failed: %s (%#02x)", e.Code, uint8(e.Code))
}

type statusMsg struct {
	mailbox.Header
	Status uint32
}

// SecureBootEnabled reports whether secure boot has been fused.
func (p *Provisioner) SecureBootEnabled() (bool, error) {
	if p.fused {
		return true, nil
	}

	msg := &statusMsg{}

	if err := p.Mailbox.Send(mailbox.CmdQueryPSBStatus, msg); err != nil {
		return false, err
	}

	p.fused = msg.Status&PSBEnabled != 0

	return p.fused, nil
}

// hsti returns the HSTI state word.
func (p *Provisioner) hsti() (uint32, error) {
	msg := &statusMsg{}

	if err := p.Mailbox.Send(mailbox.CmdQueryHSTI, msg); err != nil {
		return 0, fmt.Errorf("could not read HSTI state, %w", err)
	}

	return msg.Status, nil
}

// EnableSecureBoot fuses the platform secure boot enable bit.
//
// It is a no-op when secure boot is already enabled, once that has been
// observed no further co-processor commands are issued.
func (p *Provisioner) EnableSecureBoot(ctx context.Context) error {
	enabled, err := p.SecureBootEnabled()

	if err != nil {
		return fmt.Errorf("could not read PSB status, %w", err)
	}

	if enabled {
		klog.V(1).Info("PSB: secure boot already enabled")
		return nil
	}

	state, err := p.hsti()

	if err != nil {
		return err
	}

	if code := SelfTestCode(state & hstiTestStatusMask); code != 0 {
		err := &SelfTestError{Code: code}
		klog.Errorf("PSB: %v", err)
		return err
	}

	if state&HSTIFusingReady == 0 {
		klog.Errorf("PSB: %v", ErrFusingNotReady)
		return ErrFusingNotReady
	}

	if err = ctx.Err(); err != nil {
		return err
	}

	klog.Warning("PSB: fusing platform secure boot")

	if err = p.fuse(mailbox.CmdPSBAutoFusing); err != nil {
		klog.Errorf("PSB: %v", err)
		return err
	}

	p.fused = true

	klog.Info("PSB: platform secure boot enabled")

	return nil
}
