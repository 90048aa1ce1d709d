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

//go:build linux && !tamago
// +build linux,!tamago

package main

import (
	"fmt"

	"github.com/transparency-dev/armored-witness-verstage/secdata"
	"github.com/transparency-dev/armored-witness-verstage/tpm"
)

func secdataShow(args []string) error {
	if err := wantArgs(args, 0, "no arguments"); err != nil {
		return err
	}

	t, err := tpm.Open()

	if err != nil {
		return err
	}

	defer t.Close()

	return printSpaces(t)
}

func printSpaces(s secdata.Spaces) error {
	fw, err := secdata.ReadFirmware(s)

	if err != nil {
		return fmt.Errorf("firmware space, %w", err)
	}

	fmt.Fprintf(out, "firmware flags: %#02x\n", fw.Flags)
	fmt.Fprintf(out, "firmware versions: %#08x\n", fw.Versions)

	k, err := secdata.ReadKernel(s)

	if err != nil {
		return fmt.Errorf("kernel space, %w", err)
	}

	fmt.Fprintf(out, "kernel versions: %#08x\n", k.Versions)

	return nil
}
