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

package nvtrust

import (
	"bytes"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-verstage/region"
)

// Registers is a bank of battery backed byte registers.
type Registers interface {
	ReadRegister(index int) byte
	WriteRegister(index int, v byte)
}

// RegisterBank stores the blob in consecutive registers starting at Offset.
type RegisterBank struct {
	Registers Registers
	Offset    int
}

// Name implements Backend.
func (r *RegisterBank) Name() string {
	return "registers"
}

// ReadBlob implements Backend.
func (r *RegisterBank) ReadBlob(b *Blob) error {
	if r.Registers == nil {
		return errors.New("no register bank")
	}

	for i := range b {
		b[i] = r.Registers.ReadRegister(r.Offset + i)
	}

	return nil
}

// WriteBlob implements Backend.
func (r *RegisterBank) WriteBlob(b *Blob) error {
	if r.Registers == nil {
		return errors.New("no register bank")
	}

	for i := range b {
		r.Registers.WriteRegister(r.Offset+i, b[i])
	}

	return nil
}

// MemRegisters is a volatile register bank.
type MemRegisters [256]byte

// ReadRegister implements Registers.
func (m *MemRegisters) ReadRegister(index int) byte {
	return m[index%len(m)]
}

// WriteRegister implements Registers.
func (m *MemRegisters) WriteRegister(index int, v byte) {
	m[index%len(m)] = v
}

// Controller is an embedded controller exposing a non-volatile area.
type Controller interface {
	ReadNV(buf []byte) error
	WriteNV(buf []byte) error
}

// ECChannel stores the blob through an embedded controller.
type ECChannel struct {
	EC Controller
}

// Name implements Backend.
func (e *ECChannel) Name() string {
	return "ec"
}

// ReadBlob implements Backend.
func (e *ECChannel) ReadBlob(b *Blob) error {
	return e.EC.ReadNV(b[:])
}

// WriteBlob implements Backend.
func (e *ECChannel) WriteBlob(b *Blob) error {
	return e.EC.WriteNV(b[:])
}

// Flash stores the blob in a flash region as a log of BlobSize entries.
//
// The last programmed entry is current. A write appends the next entry,
// erasing the whole region once it is full, so that the region is erased
// once every Size()/BlobSize writes.
type Flash struct {
	Region region.Device

	// next is the offset of the first blank entry, valid once scanned.
	next    int64
	scanned bool
}

// Name implements Backend.
func (f *Flash) Name() string {
	return "flash"
}

// scan locates the current entry, returning its offset or -1 when the
// region is blank.
func (f *Flash) scan() (int64, error) {
	if f.Region.Size() < BlobSize {
		return -1, fmt.Errorf("region too small (%d bytes)", f.Region.Size())
	}

	entry := make([]byte, BlobSize)
	last := int64(-1)

	for off := int64(0); off+BlobSize <= f.Region.Size(); off += BlobSize {
		if err := region.ReadFull(f.Region, entry, off); err != nil {
			return -1, err
		}

		if region.IsErased(entry) {
			break
		}

		last = off
	}

	f.next = 0

	if last >= 0 {
		f.next = last + BlobSize
	}

	f.scanned = true

	return last, nil
}

// ReadBlob implements Backend.
func (f *Flash) ReadBlob(b *Blob) error {
	cur, err := f.scan()

	if err != nil {
		return err
	}

	if cur < 0 {
		return errors.New("no entry programmed")
	}

	return region.ReadFull(f.Region, b[:], cur)
}

// WriteBlob implements Backend.
func (f *Flash) WriteBlob(b *Blob) error {
	if !f.scanned {
		if _, err := f.scan(); err != nil {
			return err
		}
	}

	if f.next > 0 {
		cur := make([]byte, BlobSize)

		if err := region.ReadFull(f.Region, cur, f.next-BlobSize); err != nil {
			return err
		}

		if bytes.Equal(cur, b[:]) {
			return nil
		}
	}

	if f.next+BlobSize > f.Region.Size() {
		klog.V(1).Infof("VBNV: flash log full, erasing")

		if _, err := f.Region.EraseAt(0, f.Region.Size()); err != nil {
			f.scanned = false
			return fmt.Errorf("could not erase flash log, %w", err)
		}

		f.next = 0
	}

	if err := region.WriteFull(f.Region, b[:], f.next); err != nil {
		f.scanned = false
		return err
	}

	f.next += BlobSize

	return nil
}

// WithBackup stores the blob in Primary, keeping a copy in Backup.
//
// When the primary content does not validate the backup copy is used and
// written back to the primary.
type WithBackup struct {
	Primary Backend
	Backup  Backend
}

// Name implements Backend.
func (w *WithBackup) Name() string {
	return fmt.Sprintf("%s+%s", w.Primary.Name(), w.Backup.Name())
}

// ReadBlob implements Backend.
func (w *WithBackup) ReadBlob(b *Blob) error {
	err := w.Primary.ReadBlob(b)

	if err == nil && b.Valid() {
		return nil
	}

	klog.Warningf("VBNV: %s invalid, restoring from %s", w.Primary.Name(), w.Backup.Name())

	if err := w.Backup.ReadBlob(b); err != nil {
		return fmt.Errorf("backup read failed, %w", err)
	}

	if !b.Valid() {
		return errors.New("backup content invalid")
	}

	if err := w.Primary.WriteBlob(b); err != nil {
		klog.Warningf("VBNV: could not restore %s, %v", w.Primary.Name(), err)
	}

	return nil
}

// WriteBlob implements Backend.
func (w *WithBackup) WriteBlob(b *Blob) error {
	if err := w.Primary.WriteBlob(b); err != nil {
		return err
	}

	return w.Backup.WriteBlob(b)
}
