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

package verstage

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Hooks are board specific persistence of the body digest across suspend.
type Hooks interface {
	// SaveHash stores the digest of the verified body.
	SaveHash(digest []byte) error
	// RetrieveHash returns the digest stored on a previous boot, or nil if
	// there is none.
	RetrieveHash() ([]byte, error)
}

// NopHooks stores nothing.
type NopHooks struct{}

// SaveHash implements Hooks.
func (NopHooks) SaveHash([]byte) error {
	return nil
}

// RetrieveHash implements Hooks.
func (NopHooks) RetrieveHash() ([]byte, error) {
	return nil, nil
}

// MemoryHooks keeps the digest in memory which survives suspend.
type MemoryHooks struct {
	sync.Mutex

	Digest []byte
}

// SaveHash implements Hooks.
func (m *MemoryHooks) SaveHash(digest []byte) error {
	m.Lock()
	defer m.Unlock()

	m.Digest = append([]byte(nil), digest...)

	return nil
}

// RetrieveHash implements Hooks.
func (m *MemoryHooks) RetrieveHash() ([]byte, error) {
	m.Lock()
	defer m.Unlock()

	return m.Digest, nil
}

// SoftwarePCRs is a Measurer for platforms without a measurement
// co-processor, it keeps SHA-256 extend chains in memory.
type SoftwarePCRs struct {
	sync.Mutex

	PCRs map[int][]byte
}

// Extend implements Measurer.
func (s *SoftwarePCRs) Extend(pcr int, digest []byte) error {
	s.Lock()
	defer s.Unlock()

	if len(digest) != sha256.Size {
		return fmt.Errorf("invalid digest size %d", len(digest))
	}

	if s.PCRs == nil {
		s.PCRs = make(map[int][]byte)
	}

	old, ok := s.PCRs[pcr]

	if !ok {
		old = make([]byte, sha256.Size)
	}

	sum := sha256.Sum256(append(append([]byte(nil), old...), digest...))
	s.PCRs[pcr] = sum[:]

	klog.V(1).Infof("verstage: PCR %d extended to %x", pcr, sum)

	return nil
}
