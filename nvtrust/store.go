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

// Package nvtrust implements the non-volatile trust blob: a small checksummed
// record of boot flags and firmware slot try counters which survives
// reboots.
//
// A corrupted or missing blob is never an error, it is replaced with an
// erased blob carrying the settings reset flags.
package nvtrust

import (
	"errors"
	"sync"

	"k8s.io/klog/v2"
)

// Backend persists a trust blob.
type Backend interface {
	// Name identifies the backend in log messages.
	Name() string
	// ReadBlob fills b with the stored content.
	ReadBlob(b *Blob) error
	// WriteBlob stores b.
	WriteBlob(b *Blob) error
}

// Store reads and writes the trust blob through a single backend, caching
// the last value read.
type Store struct {
	mu      sync.Mutex
	backend Backend
	cache   *Blob
	reinit  bool
}

// NewStore returns a Store using backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Read returns the trust blob.
//
// A blob failing the signature or CRC check, as well as any backend error,
// results in an erased blob.
func (s *Store) Read() Blob {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache != nil {
		return *s.cache
	}

	b := &Blob{}
	s.reinit = true

	switch err := s.backend.ReadBlob(b); {
	case err != nil:
		klog.Warningf("VBNV: %s read failed, %v", s.backend.Name(), err)
		b.Erase()
	case !b.Valid():
		klog.Warningf("VBNV: %s content invalid (%s), resetting", s.backend.Name(), b)
		b.Erase()
	default:
		s.reinit = false
	}

	s.cache = b

	return *b
}

// Write stores b, which must already carry a valid CRC, and drops the cache.
func (s *Store) Write(b Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = nil

	if !b.Valid() {
		return errors.New("refusing to write blob with invalid signature or CRC")
	}

	if err := s.backend.WriteBlob(&b); err != nil {
		return err
	}

	s.reinit = false

	return nil
}

// Reinitialized reports whether the last Read replaced missing or invalid
// content with an erased blob which has not been written back since.
func (s *Store) Reinitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reinit
}

// Reset erases b and writes it.
func (s *Store) Reset(b *Blob) error {
	b.Erase()
	return s.Write(*b)
}

// Invalidate drops the cached blob, it must be called when the backend has
// been changed by another agent.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = nil
}
