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

	"github.com/cheggaaa/pb/v3"

	"github.com/transparency-dev/armored-witness-verstage/mirror"
	"github.com/transparency-dev/armored-witness-verstage/region"
)

// dumpName identifies the mirrored region in log messages.
const dumpName = "dump"

// dumpSelect models the chip-select across two flash dump files.
type dumpSelect struct {
	part mirror.Part
}

func (d *dumpSelect) Selected() mirror.Part {
	return d.part
}

func (d *dumpSelect) Select(p mirror.Part) {
	d.part = p
}

// progressDevice advances a progress bar on every transfer.
type progressDevice struct {
	region.Device

	bar *pb.ProgressBar
}

func (p *progressDevice) ReadAt(b []byte, off int64) (n int, err error) {
	n, err = p.Device.ReadAt(b, off)
	p.bar.Add(n)
	return
}

func (p *progressDevice) WriteAt(b []byte, off int64) (n int, err error) {
	n, err = p.Device.WriteAt(b, off)
	p.bar.Add(n)
	return
}

func newBar(total int64) *pb.ProgressBar {
	bar := pb.New64(total).SetTemplate(pb.Full)

	if conf.quiet {
		bar.SetWriter(io.Discard)
	}

	return bar.Start()
}

// openMirror returns a synchronizer over the same region of both dumps,
// the progress bar tracks bytes read and written over the given number of
// passes on the region.
func openMirror(primary string, alternate string, passes int64) (*mirror.Synchronizer, *pb.ProgressBar, func(), error) {
	var devs [2]region.Device
	var closers []func() error

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for i, path := range []string{primary, alternate} {
		f, w, err := openRegion(path, conf.regionOffset, conf.regionSize)

		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}

		closers = append(closers, f.Close)
		devs[i] = w
	}

	if devs[0].Size() != devs[1].Size() {
		closeAll()
		return nil, nil, nil, fmt.Errorf("regions differ in size (%d != %d)", devs[0].Size(), devs[1].Size())
	}

	bar := newBar(passes * devs[0].Size())
	cs := &dumpSelect{}

	s := &mirror.Synchronizer{
		ChipSelect: cs,
		Locator: mirror.LocatorFunc(func(name string) (region.Device, error) {
			return &progressDevice{Device: devs[cs.part], bar: bar}, nil
		}),
	}

	return s, bar, closeAll, nil
}

func mirrorCompare(args []string) error {
	if err := wantArgs(args, 2, "<primary> <alternate>"); err != nil {
		return err
	}

	s, bar, closer, err := openMirror(args[0], args[1], 2)

	if err != nil {
		return err
	}

	defer closer()

	cs := s.ChipSelect

	cs.Select(mirror.Primary)
	primary, _ := s.Locator.Locate(dumpName)

	cs.Select(mirror.Alternate)
	alt, _ := s.Locator.Locate(dumpName)

	equal, err := s.Compare(alt, primary)
	bar.Finish()

	if err != nil {
		return err
	}

	fmt.Fprintf(out, "in sync: %t\n", equal)

	return nil
}

func mirrorSync(args []string) error {
	if err := wantArgs(args, 2, "<primary> <alternate>"); err != nil {
		return err
	}

	// compare, then copy on mismatch
	s, bar, closer, err := openMirror(args[0], args[1], 4)

	if err != nil {
		return err
	}

	defer closer()

	outcome, err := s.Synchronize(dumpName)
	bar.Finish()

	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s: %s\n", dumpName, outcome)

	return nil
}
