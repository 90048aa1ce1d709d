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
	"fmt"

	"github.com/transparency-dev/armored-witness-verstage/mailbox"
)

// BootMode is the vendor boot mode held by the co-processor.
type BootMode uint32

const (
	BootModeNormal BootMode = iota
	BootModeNoBoot
)

// BootMode queries the vendor boot mode, an unsupported command is matched
// by mailbox.ErrUnsupported.
func (p *Provisioner) BootMode() (BootMode, error) {
	msg := &statusMsg{}

	if err := p.Mailbox.Send(mailbox.CmdQueryBootMode, msg); err != nil {
		return BootModeNormal, err
	}

	switch m := BootMode(msg.Status); m {
	case BootModeNormal, BootModeNoBoot:
		return m, nil
	default:
		return BootModeNormal, fmt.Errorf("unknown boot mode %d", uint32(m))
	}
}

// NoBoot reports whether the co-processor forbids booting the OS.
func (p *Provisioner) NoBoot() (bool, error) {
	m, err := p.BootMode()

	if err != nil {
		return false, err
	}

	return m == BootModeNoBoot, nil
}
