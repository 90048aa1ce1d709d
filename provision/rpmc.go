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
	"github.com/transparency-dev/armored-witness-verstage/mirror"
	"github.com/transparency-dev/armored-witness-verstage/platform"
	"github.com/transparency-dev/armored-witness-verstage/rpmc"
)

// RPMC status bits.
const (
	RPMCFlashCapable     = 1 << 0
	RPMCProcessorCapable = 1 << 1
	RPMCAlreadyEnabled   = 1 << 2
	RPMCProvisionSuccess = 1 << 3
)

// Support is the RPMC support state of the platform.
type Support int

const (
	RPMCUnsupported Support = iota
	RPMCSupported
	RPMCError
)

func (s Support) String() string {
	switch s {
	case RPMCUnsupported:
		return "unsupported"
	case RPMCSupported:
		return "supported"
	}
	return "error"
}

var (
	// ErrRPMCUnsupported is returned when provisioning is requested on a
	// platform without RPMC support.
	ErrRPMCUnsupported = errors.New("RPMC not supported")
	// ErrUnsupportedTopology is returned for platforms which do not have
	// exactly two flash parts.
	ErrUnsupportedTopology = errors.New("RPMC provisioning requires exactly two flash parts")
)

type rpmcAddressMsg struct {
	mailbox.Header
	Counter uint32
	Lock    uint32
}

func (p *Provisioner) rpmcStatus() (uint32, error) {
	msg := &statusMsg{}

	if err := p.Mailbox.Send(mailbox.CmdQueryRPMCStatus, msg); err != nil {
		return 0, fmt.Errorf("could not read RPMC status, %w", err)
	}

	return msg.Status, nil
}

// RPMCSupport reports whether the flash and the co-processor both support
// RPMC.
func (p *Provisioner) RPMCSupport() Support {
	status, err := p.rpmcStatus()

	if err != nil {
		klog.Errorf("RPMC: %v", err)
		return RPMCError
	}

	if status&RPMCFlashCapable == 0 || status&RPMCProcessorCapable == 0 {
		return RPMCUnsupported
	}

	return RPMCSupported
}

// RPMCProvisioned reports whether RPMC has been provisioned, either on a
// previous boot or by the last provisioning command.
func (p *Provisioner) RPMCProvisioned() (bool, error) {
	status, err := p.rpmcStatus()

	if err != nil {
		return false, err
	}

	return status&(RPMCAlreadyEnabled|RPMCProvisionSuccess) != 0, nil
}

func (p *Provisioner) probe(part mirror.Part) (bool, error) {
	p.ChipSelect.Select(part)

	provisioned, err := rpmc.Provisioned(p.Flash, p.Config.RPMCCounter)

	if err != nil {
		return false, fmt.Errorf("could not probe %s flash, %w", part, err)
	}

	klog.Infof("RPMC: %s flash root key present: %t", part, provisioned)

	return provisioned, nil
}

// lockState probes the flash parts, returning whether the provisioning
// command must lock the counter.
func (p *Provisioner) lockState() (bool, error) {
	defer mirror.Hold(p.ChipSelect).Release()

	primary, err := p.probe(mirror.Primary)

	if err != nil {
		return false, err
	}

	if primary {
		return true, nil
	}

	return p.probe(mirror.Alternate)
}

// ProvisionRPMC provisions the flash monotonic counter root key through the
// co-processor.
//
// The counter is left unlocked only when neither flash part holds a root
// key. A successful command always ends with a warm reset, on hardware
// ProvisionRPMC does not return in that case.
func (p *Provisioner) ProvisionRPMC(ctx context.Context) error {
	if p.Config.FlashParts != 2 {
		return fmt.Errorf("%w (%d)", ErrUnsupportedTopology, p.Config.FlashParts)
	}

	switch p.RPMCSupport() {
	case RPMCSupported:
	case RPMCUnsupported:
		return ErrRPMCUnsupported
	default:
		return errors.New("could not determine RPMC support")
	}

	provisioned, err := p.RPMCProvisioned()

	if err != nil {
		return err
	}

	if provisioned {
		klog.V(1).Info("RPMC: already provisioned")
		return nil
	}

	lock, err := p.lockState()

	if err != nil {
		return err
	}

	if err = ctx.Err(); err != nil {
		return err
	}

	klog.Warningf("RPMC: provisioning counter %d (lock: %t)", p.Config.RPMCCounter, lock)

	msg := &rpmcAddressMsg{
		Counter: uint32(p.Config.RPMCCounter),
	}

	if lock {
		msg.Lock = 1
	}

	if err = p.Mailbox.Send(mailbox.CmdSetRPMCAddress, msg); err != nil {
		klog.Errorf("RPMC: provisioning failed, %v", err)
		return err
	}

	klog.Info("RPMC: provisioned, resetting")

	p.Resetter.Reset(platform.WarmReset)

	return nil
}
