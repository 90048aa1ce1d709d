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

//go:build !tamago
// +build !tamago

package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/transparency-dev/armored-witness-verstage/region"
)

// fileDevice exposes a flash dump as a region.Device, erasure writes the
// erased value.
type fileDevice struct {
	f    *os.File
	size int64
}

func openDevice(path string) (*fileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)

	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()

	if err != nil {
		f.Close()
		return nil, err
	}

	return &fileDevice{f: f, size: fi.Size()}, nil
}

// openRegion returns a window onto the dump at path, a zero size selects
// everything past off.
func openRegion(path string, off int64, size int64) (*fileDevice, region.Device, error) {
	dev, err := openDevice(path)

	if err != nil {
		return nil, nil, err
	}

	if size == 0 {
		size = dev.size - off
	}

	w, err := region.Sub(dev, off, size)

	if err != nil {
		dev.Close()
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	return dev, w, nil
}

func (d *fileDevice) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

func (d *fileDevice) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > d.size {
		return 0, region.ErrOutOfBounds
	}

	return d.f.WriteAt(p, off)
}

func (d *fileDevice) EraseAt(off int64, n int64) (int64, error) {
	written, err := d.WriteAt(bytes.Repeat([]byte{region.Erased}, int(n)), off)
	return int64(written), err
}

func (d *fileDevice) Size() int64 {
	return d.size
}

func (d *fileDevice) Close() error {
	return d.f.Close()
}
