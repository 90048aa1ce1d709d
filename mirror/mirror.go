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

// Package mirror keeps a flash region consistent across the primary and
// alternate flash parts, and recovers it from a backup copy when it has been
// reported corrupted.
package mirror

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-verstage/platform"
	"github.com/transparency-dev/armored-witness-verstage/region"
)

const (
	// CopyBlockSize is the transfer unit of Copy.
	CopyBlockSize = 4096
	// CompareBlockSize is the transfer unit of Compare, two blocks share
	// the scratch buffer.
	CompareBlockSize = CopyBlockSize / 2
)

var (
	// ErrUnaligned is returned when a copy source is empty or not a whole
	// number of blocks.
	ErrUnaligned = errors.New("source size is not a non-zero multiple of the block size")
	// ErrTooSmall is returned when a copy destination cannot hold the
	// source.
	ErrTooSmall = errors.New("destination smaller than source")
	// ErrSizeMismatch is returned when comparing regions of different size.
	ErrSizeMismatch = errors.New("region sizes differ")
)

// Outcome describes what an operation did to the flash content.
type Outcome int

const (
	// Unchanged means the regions already matched.
	Unchanged Outcome = iota
	// Restored means the alternate region was rewritten from the primary.
	Restored
	// BackupConsumed means the primary matched the backup, which was erased.
	BackupConsumed
	// RestoredFromBackup means the primary was rewritten from the backup.
	RestoredFromBackup
	// PrimaryErased means no usable copy existed and the primary was erased.
	PrimaryErased
)

func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case Restored:
		return "restored"
	case BackupConsumed:
		return "backup consumed"
	case RestoredFromBackup:
		return "restored from backup"
	case PrimaryErased:
		return "primary erased"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Locator finds a named flash region. The returned device addresses the part
// selected when Locate was called.
type Locator interface {
	Locate(name string) (region.Device, error)
}

// LocatorFunc adapts a function to the Locator interface.
type LocatorFunc func(name string) (region.Device, error)

// Locate implements Locator.
func (f LocatorFunc) Locate(name string) (region.Device, error) {
	return f(name)
}

// Synchronizer operates on regions mirrored across two flash parts.
//
// Copy and Compare share a scratch buffer, a Synchronizer must not be used
// concurrently.
type Synchronizer struct {
	ChipSelect ChipSelect
	Locator    Locator
	// Snapshotter receives a copy of regions about to be overwritten, no
	// snapshots are taken when nil.
	Snapshotter Snapshotter
	// Resetter is invoked when corruption recovery rewrote the primary
	// region, no reset is requested when nil.
	Resetter platform.Resetter

	scratch [CopyBlockSize]byte
}

// Erase erases the whole of dev. Failures are reported, not retried.
func Erase(dev region.Device) error {
	n, err := dev.EraseAt(0, dev.Size())

	if err != nil {
		return fmt.Errorf("erase failed, %w", err)
	}

	if n != dev.Size() {
		return fmt.Errorf("short erase (%d != %d)", n, dev.Size())
	}

	return nil
}

func copyRegion(dst region.Device, src region.Device, buf []byte) error {
	size := src.Size()
	bs := int64(len(buf))

	if size == 0 || size%bs != 0 {
		return fmt.Errorf("%w (%d)", ErrUnaligned, size)
	}

	if dst.Size() < size {
		return fmt.Errorf("%w (%d < %d)", ErrTooSmall, dst.Size(), size)
	}

	if err := Erase(dst); err != nil {
		return err
	}

	for off := int64(0); off < size; off += bs {
		if err := region.ReadFull(src, buf, off); err != nil {
			return err
		}

		if err := region.WriteFull(dst, buf, off); err != nil {
			return err
		}
	}

	return nil
}

// Copy erases dst and copies src into it.
//
// The size of src must be a non-zero multiple of CopyBlockSize and dst must
// be at least as large.
func (s *Synchronizer) Copy(dst region.Device, src region.Device) error {
	return copyRegion(dst, src, s.scratch[:])
}

// Compare reports whether dst and src hold the same bytes, stopping at the
// first differing block.
func (s *Synchronizer) Compare(dst region.Device, src region.Device) (bool, error) {
	if dst.Size() != src.Size() {
		return false, fmt.Errorf("%w (%d != %d)", ErrSizeMismatch, dst.Size(), src.Size())
	}

	a := s.scratch[:CompareBlockSize]
	b := s.scratch[CompareBlockSize:]

	for off := int64(0); off < src.Size(); off += CompareBlockSize {
		n := src.Size() - off

		if n > CompareBlockSize {
			n = CompareBlockSize
		}

		if err := region.ReadFull(dst, a[:n], off); err != nil {
			return false, err
		}

		if err := region.ReadFull(src, b[:n], off); err != nil {
			return false, err
		}

		for i := int64(0); i < n; i++ {
			if a[i] != b[i] {
				return false, nil
			}
		}
	}

	return true, nil
}

func (s *Synchronizer) snapshot(name string, dev region.Device) {
	if s.Snapshotter == nil {
		return
	}

	if err := s.Snapshotter.Snapshot(name, dev); err != nil {
		klog.Warningf("mirror: could not snapshot %s, %v", name, err)
	}
}

func (s *Synchronizer) locate(p Part, name string) (region.Device, error) {
	s.ChipSelect.Select(p)

	dev, err := s.Locator.Locate(name)

	if err != nil {
		return nil, fmt.Errorf("could not locate %s on %s flash, %w", name, p, err)
	}

	return dev, nil
}

// Synchronize makes the alternate copy of the named region identical to the
// primary one.
//
// The chip-select is saved once on entry and restored on every return.
func (s *Synchronizer) Synchronize(name string) (Outcome, error) {
	defer Hold(s.ChipSelect).Release()

	primary, err := s.locate(Primary, name)

	if err != nil {
		return Unchanged, err
	}

	alt, err := s.locate(Alternate, name)

	if err != nil {
		return Unchanged, err
	}

	equal, err := s.Compare(alt, primary)

	if err != nil {
		return Unchanged, fmt.Errorf("could not compare %s, %w", name, err)
	}

	if equal {
		klog.V(1).Infof("mirror: %s in sync", name)
		return Unchanged, nil
	}

	klog.Warningf("mirror: %s differs between flash parts, restoring alternate", name)

	s.snapshot(name, primary)

	if err = s.Copy(alt, primary); err != nil {
		return Unchanged, fmt.Errorf("could not restore %s, %w", name, err)
	}

	klog.Infof("mirror: %s restored", name)

	return Restored, nil
}

// healthy reports whether dev is readable and holds any programmed byte.
func (s *Synchronizer) healthy(dev region.Device) bool {
	buf := s.scratch[:]

	for off := int64(0); off < dev.Size(); off += int64(len(buf)) {
		n := dev.Size() - off

		if n > int64(len(buf)) {
			n = int64(len(buf))
		}

		if err := region.ReadFull(dev, buf[:n], off); err != nil {
			klog.Warningf("mirror: backup unreadable, %v", err)
			return false
		}

		if !region.IsErased(buf[:n]) {
			return true
		}
	}

	return false
}

func (s *Synchronizer) recover(name string, backup region.Device) (Outcome, error) {
	defer Hold(s.ChipSelect).Release()

	primary, err := s.locate(Primary, name)

	if err != nil {
		return Unchanged, err
	}

	equal, err := s.Compare(primary, backup)

	if err != nil {
		return Unchanged, fmt.Errorf("could not compare %s with backup, %w", name, err)
	}

	if equal {
		klog.Infof("mirror: %s matches backup, consuming backup", name)

		s.snapshot(name+".backup", backup)

		if err = Erase(backup); err != nil {
			return Unchanged, fmt.Errorf("could not erase backup, %w", err)
		}

		return BackupConsumed, nil
	}

	s.snapshot(name, primary)

	if s.healthy(backup) {
		klog.Warningf("mirror: %s corrupted, restoring from backup", name)

		if err = s.Copy(primary, backup); err != nil {
			return Unchanged, fmt.Errorf("could not restore %s from backup, %w", name, err)
		}

		return RestoredFromBackup, nil
	}

	klog.Errorf("mirror: %s corrupted and no usable backup, erasing", name)

	if err = Erase(primary); err != nil {
		return Unchanged, err
	}

	return PrimaryErased, nil
}

// RecoverCorruption handles a report that the primary copy of the named
// region is corrupted, using backup as the known good copy.
//
// When the primary region is rewritten or erased a warm reset is requested
// after the chip-select has been restored.
func (s *Synchronizer) RecoverCorruption(name string, backup region.Device) (Outcome, error) {
	outcome, err := s.recover(name, backup)

	if err != nil {
		return outcome, err
	}

	switch outcome {
	case RestoredFromBackup, PrimaryErased:
		if s.Resetter != nil {
			s.Resetter.Reset(platform.WarmReset)
		}
	}

	return outcome, nil
}
