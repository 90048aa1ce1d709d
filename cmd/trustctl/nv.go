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
	"fmt"
	"io"
	"os"

	"github.com/transparency-dev/armored-witness-verstage/nvtrust"
)

var out io.Writer = os.Stdout

// openStore returns the NV store held in the flash log at -offset of the
// dump.
func openStore(path string) (*nvtrust.Store, *nvtrust.Flash, func() error, error) {
	dev, w, err := openRegion(path, conf.offset, conf.nvSize)

	if err != nil {
		return nil, nil, nil, err
	}

	backend := &nvtrust.Flash{Region: w}

	return nvtrust.NewStore(backend), backend, dev.Close, nil
}

func printBlob(b *nvtrust.Blob) {
	fmt.Fprintf(out, "raw: %s\n", b)
	fmt.Fprintf(out, "valid: %t\n", b.Valid())

	for _, f := range nvtrust.Fields {
		fmt.Fprintf(out, "%-24s %d\n", f.String()+":", b.Get(f))
	}

	fmt.Fprintf(out, "%-24s %#08x\n", "kernel_field:", b.KernelField())
}

func nvShow(args []string) error {
	if err := wantArgs(args, 1, "<file>"); err != nil {
		return err
	}

	_, backend, closer, err := openStore(args[0])

	if err != nil {
		return err
	}

	defer closer()

	b := &nvtrust.Blob{}

	if err = backend.ReadBlob(b); err != nil {
		return fmt.Errorf("could not read NV blob, %w", err)
	}

	printBlob(b)

	return nil
}

// update applies fn to the current blob and writes it back.
func update(path string, fn func(b *nvtrust.Blob)) error {
	store, _, closer, err := openStore(path)

	if err != nil {
		return err
	}

	defer closer()

	b := store.Read()
	fn(&b)
	b.Seal()

	if err = store.Write(b); err != nil {
		return fmt.Errorf("could not write NV blob, %w", err)
	}

	printBlob(&b)

	return nil
}

func nvReset(args []string) error {
	if err := wantArgs(args, 1, "<file>"); err != nil {
		return err
	}

	return update(args[0], func(b *nvtrust.Blob) {
		b.Erase()
	})
}

func nvMarkSuccess(args []string) error {
	if err := wantArgs(args, 1, "<file>"); err != nil {
		return err
	}

	return update(args[0], func(b *nvtrust.Blob) {
		b.Set(nvtrust.FWResult, nvtrust.ResultSuccess)
	})
}
