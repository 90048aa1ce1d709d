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

// Package provision drives the one-time hardware root of trust transitions
// of the platform security co-processor: secure boot fusing, the
// anti-rollback version fuse and replay protected monotonic counter
// provisioning.
//
// *WARNING*: fusing operations are irreversible.
package provision

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-witness-verstage/mailbox"
	"github.com/transparency-dev/armored-witness-verstage/mirror"
	"github.com/transparency-dev/armored-witness-verstage/platform"
	"github.com/transparency-dev/armored-witness-verstage/rpmc"
)

// Mailbox sends commands to the co-processor.
type Mailbox interface {
	Send(cmd mailbox.Command, msg any) error
}

// Config describes the platform.
type Config struct {
	// FlashParts is the number of physical SPI flash parts.
	FlashParts int
	// RPMCCounter is the flash monotonic counter address reserved for the
	// co-processor.
	RPMCCounter uint8
}

// Provisioner performs root of trust provisioning.
type Provisioner struct {
	Mailbox Mailbox
	Config  Config

	// ChipSelect and Flash give direct access to the flash parts for RPMC
	// probing.
	ChipSelect mirror.ChipSelect
	Flash      rpmc.Flash
	// Resetter is invoked after successful RPMC provisioning.
	Resetter platform.Resetter

	fused bool
}

// FuseResult is the completion code of a fusing command.
type FuseResult uint32

const (
	FuseSuccess       FuseResult = 0x00
	FuseNotAllowed    FuseResult = 0x09
	FuseError         FuseResult = 0x0a
	FuseAfterBootDone FuseResult = 0x0b
)

func (r FuseResult) String() string {
	switch r {
	case FuseSuccess:
		return "success"
	case FuseNotAllowed:
		return "fusing not allowed or already done"
	case FuseError:
		return "fuse programming error"
	case FuseAfterBootDone:
		return "fusing requested after boot done"
	}
	return fmt.Sprintf("unknown result %#x", uint32(r))
}

// FuseFailure reports a rejected fusing command.
type FuseFailure struct {
	Cmd    mailbox.Command
	Result FuseResult
}

func (e *FuseFailure) Error() string {
	return fmt.Sprintf("%s failed, %s", e.Cmd, e.Result)
}

type fuseMsg struct {
	mailbox.Header
}

// fuse sends a fusing command with an empty payload, decoding its result.
func (p *Provisioner) fuse(cmd mailbox.Command) error {
	msg := &fuseMsg{}

	err := p.Mailbox.Send(cmd, msg)

	var ce *mailbox.CommandError

	if errors.As(err, &ce) {
		return &FuseFailure{Cmd: cmd, Result: FuseResult(ce.Status)}
	}

	return err
}
