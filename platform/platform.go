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

// Package platform defines the board level services which terminate a boot
// stage: resets and halts.
package platform

import (
	"fmt"

	"k8s.io/klog/v2"
)

// ResetKind selects the kind of platform reset.
type ResetKind int

const (
	// WarmReset restarts the CPU complex, preserving volatile platform
	// state such as battery backed registers.
	WarmReset ResetKind = iota
	// ColdReset power cycles the platform.
	ColdReset
)

func (k ResetKind) String() string {
	switch k {
	case WarmReset:
		return "warm"
	case ColdReset:
		return "cold"
	}
	return fmt.Sprintf("ResetKind(%d)", int(k))
}

// Resetter resets the platform.
//
// On hardware Reset does not return. Simulated implementations return so
// that callers can observe the request.
type Resetter interface {
	Reset(kind ResetKind)
}

// Halter stops the platform without rebooting.
type Halter interface {
	Halt(reason string)
}

// Recorder is a Resetter and Halter which records requests, it is used
// for host side simulation.
type Recorder struct {
	Resets []ResetKind
	Halts  []string
}

// Reset implements Resetter.
func (r *Recorder) Reset(kind ResetKind) {
	klog.Warningf("platform: %s reset requested", kind)
	r.Resets = append(r.Resets, kind)
}

// Halt implements Halter.
func (r *Recorder) Halt(reason string) {
	klog.Errorf("platform: halted, %s", reason)
	r.Halts = append(r.Halts, reason)
}

// ResetFunc adapts a function to the Resetter interface.
type ResetFunc func(kind ResetKind)

// Reset implements Resetter.
func (f ResetFunc) Reset(kind ResetKind) {
	f(kind)
}
