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

package mailbox

import (
	"k8s.io/klog/v2"
)

const (
	// CStateConfigMSR holds the per core C-state entry configuration.
	CStateConfigMSR = 0xc0010296
	// DeepIdleEnable are the CC6 enable bits of the three C-state
	// configuration slots.
	DeepIdleEnable = 1<<6 | 1<<14 | 1<<22
)

// CPURegisters reads and writes model specific registers.
type CPURegisters interface {
	ReadMSR(reg uint32) (uint64, error)
	WriteMSR(reg uint32, val uint64) error
}

// Parker keeps cores out of deep idle states while the co-processor
// accesses shared resources.
type Parker struct {
	MSR CPURegisters
}

// Park limits cores to shallow idle states, the returned function restores
// the previous configuration.
func (p *Parker) Park() (restore func(), err error) {
	saved, err := p.MSR.ReadMSR(CStateConfigMSR)

	if err != nil {
		return nil, err
	}

	if err = p.MSR.WriteMSR(CStateConfigMSR, saved&^DeepIdleEnable); err != nil {
		return nil, err
	}

	restore = func() {
		if err := p.MSR.WriteMSR(CStateConfigMSR, saved); err != nil {
			klog.Errorf("PSP: could not restore C-state configuration, %v", err)
		}
	}

	return
}
