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

// Security patch level (SPL) fuse status bits.
const (
	SPLUpdateRequired = 1 << 12
	SPLFuseError      = 1 << 13
	SPLEntryError     = 1 << 14
	SPLTableMissing   = 1 << 15
)

var splErrors = []struct {
	bit uint32
	msg string
}{
	{SPLFuseError, "SPL fusing error"},
	{SPLEntryError, "SPL entry is not valid"},
	{SPLTableMissing, "SPL table is missing"},
}

// ErrSPLStatus is returned when the co-processor reports an SPL fuse error.
var ErrSPLStatus = errors.New("SPL fuse status reports errors")

// UpdateRollbackFuse raises the anti-rollback fuse to the security patch
// level of the running firmware, when the co-processor requests it.
func (p *Provisioner) UpdateRollbackFuse(ctx context.Context) error {
	msg := &statusMsg{}

	if err := p.Mailbox.Send(mailbox.CmdQuerySPLFuse, msg); err != nil {
		return fmt.Errorf("could not read SPL fuse status, %w", err)
	}

	failed := false

	for _, e := range splErrors {
		if msg.Status&e.bit != 0 {
			klog.Errorf("SPL: %s", e.msg)
			failed = true
		}
	}

	if failed {
		return fmt.Errorf("%w (%#x)", ErrSPLStatus, msg.Status)
	}

	if msg.Status&SPLUpdateRequired == 0 {
		klog.V(1).Info("SPL: fuse update not required")
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	klog.Warning("SPL: updating anti-rollback fuse")

	if err := p.fuse(mailbox.CmdSetSPLFuse); err != nil {
		klog.Errorf("SPL: %v", err)
		return err
	}

	klog.Info("SPL: anti-rollback fuse updated")

	return nil
}
