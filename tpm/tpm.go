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

// Package tpm stores rollback protection spaces in TPM2 NV indices and
// records boot measurements in TPM2 PCRs.
package tpm

import (
	"errors"
	"fmt"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/linux"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-verstage/secdata"
)

const nvIndexBase = 0x01000000

// ErrNoDevice is returned by Open when the host has no TPM2 device.
var ErrNoDevice = errors.New("no TPM2 device available")

// NVHandle returns the TPM2 handle of a secured storage space.
func NVHandle(index uint32) tpm2.Handle {
	return tpm2.Handle(nvIndexBase | index)
}

// TPM accesses spaces and PCRs through a TPM2 connection.
type TPM struct {
	ctx *tpm2.TPMContext
}

// New returns a TPM using an existing connection.
func New(ctx *tpm2.TPMContext) *TPM {
	return &TPM{ctx: ctx}
}

// Open connects to the default TPM2 device of a Linux host, preferring the
// in-kernel resource manager when present.
func Open() (*TPM, error) {
	raw, err := linux.DefaultTPM2Device()

	switch {
	case errors.Is(err, linux.ErrDefaultNotTPM2Device) || errors.Is(err, linux.ErrNoTPMDevices):
		return nil, ErrNoDevice
	case err != nil:
		return nil, err
	}

	var dev tpm2.TPMDevice = raw

	if rm, err := raw.ResourceManagedDevice(); err == nil {
		dev = rm
	} else if !errors.Is(err, linux.ErrNoResourceManagedDevice) {
		return nil, err
	}

	ctx, err := tpm2.OpenTPMDevice(dev)

	if err != nil {
		return nil, fmt.Errorf("could not open TPM, %w", err)
	}

	return New(ctx), nil
}

// Close closes the TPM connection.
func (t *TPM) Close() error {
	return t.ctx.Close()
}

func (t *TPM) index(index uint32) (tpm2.ResourceContext, error) {
	h := NVHandle(index)
	rc, err := t.ctx.CreateResourceContextFromTPM(h)

	if tpm2.IsResourceUnavailableError(err, h) {
		return nil, fmt.Errorf("space %#x not defined", index)
	}

	return rc, err
}

// ReadSpace implements secdata.Spaces.
func (t *TPM) ReadSpace(index uint32, buf []byte) error {
	rc, err := t.index(index)

	if err != nil {
		return err
	}

	data, err := t.ctx.NVRead(rc, rc, uint16(len(buf)), 0, nil)

	if err != nil {
		return fmt.Errorf("could not read space %#x, %w", index, err)
	}

	copy(buf, data)

	return nil
}

// WriteSpace implements secdata.Spaces.
func (t *TPM) WriteSpace(index uint32, data []byte) error {
	rc, err := t.index(index)

	if err != nil {
		return err
	}

	return mapError(index, t.ctx.NVWrite(rc, rc, data, 0, nil))
}

// LockSpace implements secdata.Spaces.
func (t *TPM) LockSpace(index uint32) error {
	rc, err := t.index(index)

	if err != nil {
		return err
	}

	if err = t.ctx.NVWriteLock(rc, rc, nil); err != nil {
		return fmt.Errorf("could not lock space %#x, %w", index, err)
	}

	return nil
}

func mapError(index uint32, err error) error {
	switch {
	case err == nil:
		return nil
	case tpm2.IsTPMError(err, tpm2.ErrorNVLocked, tpm2.AnyCommandCode):
		return fmt.Errorf("space %#x: %w", index, secdata.ErrLocked)
	}

	return fmt.Errorf("could not write space %#x, %w", index, err)
}

// Extend extends a SHA-256 PCR bank with digest.
func (t *TPM) Extend(pcr int, digest []byte) error {
	klog.V(1).Infof("TPM: extending PCR %d with %x", pcr, digest)

	digests := tpm2.TaggedHashList{
		tpm2.MakeTaggedHash(tpm2.HashAlgorithmSHA256, tpm2.Digest(digest)),
	}

	if err := t.ctx.PCRExtend(t.ctx.PCRHandleContext(pcr), digests, nil); err != nil {
		return fmt.Errorf("could not extend PCR %d, %w", pcr, err)
	}

	return nil
}
