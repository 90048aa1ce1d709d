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

package verstage_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-verstage/firmware"
	"github.com/transparency-dev/armored-witness-verstage/firmware/testonly"
	"github.com/transparency-dev/armored-witness-verstage/mailbox"
	"github.com/transparency-dev/armored-witness-verstage/nvtrust"
	"github.com/transparency-dev/armored-witness-verstage/platform"
	"github.com/transparency-dev/armored-witness-verstage/region"
	rtestonly "github.com/transparency-dev/armored-witness-verstage/region/testonly"
	"github.com/transparency-dev/armored-witness-verstage/secdata"
	"github.com/transparency-dev/armored-witness-verstage/verstage"
)

var (
	bodyA = bytes.Repeat([]byte{0xa5}, 5000)
	bodyB = bytes.Repeat([]byte{0x5a}, 3000)
)

// harness records the externally visible actions of a boot.
type harness struct {
	img    *testonly.Image
	regs   *nvtrust.MemRegisters
	spaces *secdata.MemSpaces
	rec    *platform.Recorder
	pcrs   *verstage.SoftwarePCRs
	hooks  *verstage.MemoryHooks
	events []string

	extendErr   error
	lockErr     error
	bootModeErr error
	noBoot      bool
	missingBody bool

	vs *verstage.Verstage
}

func (h *harness) LocateAndLoad(name string) (region.Device, error) {
	h.events = append(h.events, "locate "+name)
	if h.missingBody {
		return nil, errors.New("no such region")
	}
	return h.img.Locate(name)
}

func (h *harness) Extend(pcr int, digest []byte) error {
	h.events = append(h.events, fmt.Sprintf("extend %d", pcr))
	if h.extendErr != nil {
		return h.extendErr
	}
	return h.pcrs.Extend(pcr, digest)
}

func (h *harness) NoBoot() (bool, error) {
	h.events = append(h.events, "bootmode")
	return h.noBoot, h.bootModeErr
}

func (h *harness) ReadSpace(index uint32, buf []byte) error {
	return h.spaces.ReadSpace(index, buf)
}

func (h *harness) WriteSpace(index uint32, data []byte) error {
	h.events = append(h.events, fmt.Sprintf("write %#x", index))
	return h.spaces.WriteSpace(index, data)
}

func (h *harness) LockSpace(index uint32) error {
	h.events = append(h.events, fmt.Sprintf("lock %#x", index))
	if h.lockErr != nil {
		return h.lockErr
	}
	return h.spaces.LockSpace(index)
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	img := testonly.NewImage(t, "ARMORED WITNESS TEST")
	img.SetSlot(t, firmware.SlotA, testonly.Slot{KeyVersion: 1, FirmwareVersion: 2, Body: bodyA})
	img.SetSlot(t, firmware.SlotB, testonly.Slot{KeyVersion: 1, FirmwareVersion: 2, Body: bodyB})

	h := &harness{
		img:    img,
		regs:   &nvtrust.MemRegisters{},
		spaces: secdata.NewMemSpaces(),
		rec:    &platform.Recorder{},
		pcrs:   &verstage.SoftwarePCRs{},
		hooks:  &verstage.MemoryHooks{},
	}

	h.vs = &verstage.Verstage{
		Config: verstage.Config{
			HasRecoveryHashSpace: true,
		},
		Store:    nvtrust.NewStore(&nvtrust.RegisterBank{Registers: h.regs}),
		Spaces:   h,
		Regions:  img,
		Loader:   h,
		Measurer: h,
		BootMode: h,
		Hooks:    h.hooks,
		Resetter: h.rec,
		Halter:   h.rec,
	}

	return h
}

// setNV stores a blob holding fields in the registers.
func (h *harness) setNV(fields map[nvtrust.Field]uint8) {
	var b nvtrust.Blob
	b.Erase()
	for f, v := range fields {
		b.Set(f, v)
	}
	b.Seal()
	copy(h.regs[:], b[:])
}

// nv returns the blob persisted in the registers.
func (h *harness) nv(t *testing.T) *nvtrust.Blob {
	t.Helper()

	b := &nvtrust.Blob{}
	copy(b[:], h.regs[:nvtrust.BlobSize])
	if !b.Valid() {
		t.Fatalf("Persisted NV blob is invalid: %s", b)
	}
	return b
}

func (h *harness) run(t *testing.T) (*verstage.Result, error) {
	t.Helper()
	h.events = nil
	return h.vs.Run(context.Background())
}

func TestFreshBoot(t *testing.T) {
	h := newHarness(t)

	res, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Slot != firmware.SlotA || res.Recovery {
		t.Errorf("Got slot %s recovery %t, want slot A", res.Slot, res.Recovery)
	}
	want := sha256.Sum256(bodyA)
	if diff := cmp.Diff(res.Digest, want[:]); diff != "" {
		t.Errorf("Digest diff: %s", diff)
	}
	if len(h.rec.Resets) != 0 || len(h.rec.Halts) != 0 {
		t.Errorf("Unexpected exits: %+v", h.rec)
	}

	nv := h.nv(t)
	if got := nv.Get(nvtrust.FWTried); got != uint8(firmware.SlotA) {
		t.Errorf("Persisted fw_tried %d", got)
	}
	if got := res.Preamble.Release.String(); got != "0.1.2" {
		t.Errorf("Got release %s", got)
	}
}

func TestPhaseOrdering(t *testing.T) {
	h := newHarness(t)

	if _, err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"locate FW_MAIN_A",
		"extend 0",
		"extend 1",
		"bootmode",
		"lock 0x1007",
		"lock 0x100b",
	}
	if diff := cmp.Diff(h.events, want); diff != "" {
		t.Fatalf("Events diff: %s", diff)
	}
}

func TestExhaustedSlotB(t *testing.T) {
	h := newHarness(t)
	h.setNV(map[nvtrust.Field]uint8{
		nvtrust.TryNext:  uint8(firmware.SlotB),
		nvtrust.FWTried:  uint8(firmware.SlotB),
		nvtrust.FWResult: nvtrust.ResultTrying,
		nvtrust.TryCount: 0,
	})

	res, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Slot != firmware.SlotA {
		t.Fatalf("Got slot %s, want A", res.Slot)
	}
	if res.Flags&firmware.FlagSlotB != 0 {
		t.Error("Slot B flag set")
	}
}

func TestTryingSlotB(t *testing.T) {
	h := newHarness(t)
	h.setNV(map[nvtrust.Field]uint8{
		nvtrust.TryNext:  uint8(firmware.SlotB),
		nvtrust.TryCount: 2,
	})

	res, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Slot != firmware.SlotB {
		t.Fatalf("Got slot %s, want B", res.Slot)
	}
	if got := h.nv(t).Get(nvtrust.TryCount); got != 1 {
		t.Errorf("Persisted try count %d, want 1", got)
	}
}

func TestS3Resume(t *testing.T) {
	h := newHarness(t)
	h.vs.Config.ResumePathSameAsBoot = true
	h.vs.Switches.Resuming = true

	res, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Flags&firmware.FlagS3Resume == 0 {
		t.Error("S3 resume flag not set")
	}
	for _, e := range h.events {
		if e == "extend 0" || e == "extend 1" {
			t.Fatalf("Measurements extended on resume: %v", h.events)
		}
	}

	// resume without re-verification is a normal boot
	h = newHarness(t)
	h.vs.Switches.Resuming = true
	if _, err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.pcrs.PCRs) != 2 {
		t.Fatalf("Got %d extended PCRs, want 2", len(h.pcrs.PCRs))
	}
}

func TestResumeHash(t *testing.T) {
	h := newHarness(t)
	h.vs.Config.StashBody = true

	res, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !bytes.Equal(res.Stash, bodyA) {
		t.Fatal("Stash does not hold the body")
	}
	if !bytes.Equal(h.hooks.Digest, res.Digest) {
		t.Fatal("Digest not saved")
	}

	h.vs.Config.ResumePathSameAsBoot = true
	h.vs.Switches.Resuming = true

	if _, err := h.run(t); err != nil {
		t.Fatalf("Resume with matching digest: %v", err)
	}

	h.hooks.Digest = bytes.Repeat([]byte{1}, sha256.Size)

	_, err = h.run(t)
	var rebootErr *verstage.RebootError
	if !errors.As(err, &rebootErr) {
		t.Fatalf("Got %v, want RebootError", err)
	}
	if rebootErr.Reason != firmware.ReasonFWBody {
		t.Errorf("Got reason %s", rebootErr.Reason)
	}
	if got := h.nv(t).Get(nvtrust.FWResult); got != nvtrust.ResultFailure {
		t.Errorf("Failure not persisted before reboot (result %d)", got)
	}
	if diff := cmp.Diff(h.rec.Resets, []platform.ResetKind{platform.ColdReset}); diff != "" {
		t.Errorf("Resets diff: %s", diff)
	}
}

func TestMissingSavedHash(t *testing.T) {
	h := newHarness(t)
	h.vs.Config.StashBody = true
	h.vs.Config.ResumePathSameAsBoot = true
	h.vs.Switches.Resuming = true

	if _, err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.hooks.Digest == nil {
		t.Fatal("Digest not saved")
	}
}

func TestRollbackReboot(t *testing.T) {
	h := newHarness(t)
	if err := h.spaces.WriteSpace(secdata.FirmwareIndex, (&secdata.Firmware{Versions: 0x00010003}).Bytes()); err != nil {
		t.Fatalf("WriteSpace: %v", err)
	}

	_, err := h.run(t)
	var rebootErr *verstage.RebootError
	if !errors.As(err, &rebootErr) || rebootErr.Reason != firmware.ReasonFWRollback {
		t.Fatalf("Got %v, want FW_ROLLBACK reboot", err)
	}

	nv := h.nv(t)
	if got := nv.Get(nvtrust.TryNext); got != uint8(firmware.SlotB) {
		t.Errorf("Persisted try_next %d, want slot B", got)
	}
	if got := nv.Get(nvtrust.FWResult); got != nvtrust.ResultFailure {
		t.Errorf("Persisted fw_result %d", got)
	}

	// slot B carries the same versions, so both slots fail and recovery
	// is requested
	h.rec.Resets = nil
	if _, err := h.run(t); !errors.As(err, &rebootErr) {
		t.Fatalf("Got %v, want reboot", err)
	}
	if got := h.nv(t).Get(nvtrust.RecoveryRequest); got != uint8(firmware.ReasonFWRollback) {
		t.Fatalf("Got recovery request %#x", got)
	}

	h.rec.Resets = nil
	res, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Recovery || res.Reason != firmware.ReasonFWRollback {
		t.Fatalf("Got %+v, want recovery", res)
	}
}

func TestRollForward(t *testing.T) {
	h := newHarness(t)
	if err := h.spaces.WriteSpace(secdata.FirmwareIndex, (&secdata.Firmware{Versions: 0x00010001}).Bytes()); err != nil {
		t.Fatalf("WriteSpace: %v", err)
	}
	h.setNV(map[nvtrust.Field]uint8{
		nvtrust.FWTried:  uint8(firmware.SlotA),
		nvtrust.FWResult: nvtrust.ResultSuccess,
	})

	if _, err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	fw, err := secdata.ReadFirmware(h.spaces)
	if err != nil {
		t.Fatalf("ReadFirmware: %v", err)
	}
	if fw.Versions != 0x00010002 {
		t.Fatalf("Got versions %#x, want rolled forward", fw.Versions)
	}

	var write, lock int
	for i, e := range h.events {
		switch e {
		case "write 0x1007":
			write = i
		case "lock 0x1007":
			lock = i
		}
	}
	if write >= lock {
		t.Fatalf("Firmware space written after lock: %v", h.events)
	}
}

func TestLocateFailureHalts(t *testing.T) {
	h := newHarness(t)
	h.missingBody = true

	_, err := h.run(t)
	var haltErr *verstage.HaltError
	if !errors.As(err, &haltErr) {
		t.Fatalf("Got %v, want HaltError", err)
	}
	if len(h.rec.Halts) != 1 || len(h.rec.Resets) != 0 {
		t.Fatalf("Got %+v, want a single halt", h.rec)
	}
}

func TestRecovery(t *testing.T) {
	h := newHarness(t)
	h.vs.Switches.Recovery = true

	res, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Recovery || res.Reason != firmware.ReasonROManual {
		t.Fatalf("Got %+v, want RO_MANUAL recovery", res)
	}
	if diff := cmp.Diff(h.events, []string{"extend 0", "extend 1"}); diff != "" {
		t.Fatalf("Events diff: %s", diff)
	}

	// recovery mode is measured
	want := sha256.Sum256([]byte{0, 1, 0})
	first := make([]byte, sha256.Size)
	chain := sha256.Sum256(append(first, want[:]...))
	if diff := cmp.Diff(h.pcrs.PCRs[firmware.BootModePCR], chain[:]); diff != "" {
		t.Errorf("Boot mode PCR diff: %s", diff)
	}
}

func TestRecoveryMeasurementFailureIgnored(t *testing.T) {
	h := newHarness(t)
	h.vs.Switches.Recovery = true
	h.extendErr = errors.New("TPM failure")

	res, err := h.run(t)
	if err != nil || !res.Recovery {
		t.Fatalf("Run = %+v, %v, want recovery", res, err)
	}
}

func TestRecoveryRefused(t *testing.T) {
	h := newHarness(t)
	h.vs.Switches.Recovery = true
	h.vs.Config.NoRecovery = true
	h.setNV(map[nvtrust.Field]uint8{nvtrust.TryCount: 5, nvtrust.TryNext: 1})

	_, err := h.run(t)
	if !errors.Is(err, firmware.ErrPhase1Recovery) {
		t.Fatalf("Got %v, want reboot after refused recovery", err)
	}

	var erased nvtrust.Blob
	erased.Erase()
	if diff := cmp.Diff(*h.nv(t), erased); diff != "" {
		t.Fatalf("NV not erased: %s", diff)
	}
}

func TestSecdataFailure(t *testing.T) {
	h := newHarness(t)
	h.spaces.Errors[secdata.FirmwareIndex] = errors.New("bus error")

	res, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Recovery || res.Reason != firmware.ReasonSecdataFirmwareInit {
		t.Fatalf("Got %+v, want SECDATA_FIRMWARE_INIT recovery", res)
	}
}

func TestExitFailures(t *testing.T) {
	for _, test := range []struct {
		name       string
		setup      func(*harness)
		wantReason firmware.Reason
	}{
		{
			name:       "measurement",
			setup:      func(h *harness) { h.extendErr = errors.New("TPM failure") },
			wantReason: firmware.ReasonROTPMUError,
		},
		{
			name:       "boot mode",
			setup:      func(h *harness) { h.bootModeErr = errors.New("mailbox timeout") },
			wantReason: firmware.ReasonROUnspecified,
		},
		{
			name:       "lock",
			setup:      func(h *harness) { h.lockErr = errors.New("locked") },
			wantReason: firmware.ReasonROTPMLError,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t)
			test.setup(h)

			_, err := h.run(t)
			var rebootErr *verstage.RebootError
			if !errors.As(err, &rebootErr) {
				t.Fatalf("Got %v, want RebootError", err)
			}
			if rebootErr.Reason != test.wantReason {
				t.Errorf("Got reason %s, want %s", rebootErr.Reason, test.wantReason)
			}
			if len(h.rec.Resets) != 1 {
				t.Errorf("Got %d resets, want 1", len(h.rec.Resets))
			}
			if got := h.nv(t).Get(nvtrust.TryNext); got != uint8(firmware.SlotB) {
				t.Errorf("Persisted try_next %d, want slot B", got)
			}
		})
	}
}

func TestNoBoot(t *testing.T) {
	h := newHarness(t)
	h.noBoot = true

	res, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Flags&firmware.FlagNoBoot == 0 {
		t.Fatal("No-boot flag not set")
	}
}

func TestBootModeUnsupported(t *testing.T) {
	h := newHarness(t)
	h.bootModeErr = &mailbox.CommandError{Cmd: mailbox.CmdQueryBootMode, Status: mailbox.StatusUnsupported}

	res, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Flags&firmware.FlagNoBoot != 0 || res.Recovery {
		t.Errorf("Got flags %s recovery %t", res.Flags, res.Recovery)
	}
	if len(h.rec.Resets) != 0 {
		t.Errorf("Got resets %v, want none", h.rec.Resets)
	}
}

func TestBlankFlashNV(t *testing.T) {
	h := newHarness(t)
	dev := rtestonly.NewMemDevice(t, 4096)
	h.vs.Store = nvtrust.NewStore(&nvtrust.Flash{Region: dev})
	h.extendErr = errors.New("TPM failure")

	// the failure of the first boot is recorded on blank flash
	var rebootErr *verstage.RebootError
	if _, err := h.run(t); !errors.As(err, &rebootErr) {
		t.Fatalf("Got %v, want RebootError", err)
	}

	var b nvtrust.Blob
	if err := (&nvtrust.Flash{Region: dev}).ReadBlob(&b); err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if !b.Valid() {
		t.Fatalf("Persisted NV blob is invalid: %s", b)
	}
	if got := b.Get(nvtrust.TryNext); got != uint8(firmware.SlotB) {
		t.Errorf("Persisted try_next %d, want slot B", got)
	}

	// a fresh boot on blank flash writes the reset blob
	h = newHarness(t)
	dev = rtestonly.NewMemDevice(t, 4096)
	h.vs.Store = nvtrust.NewStore(&nvtrust.Flash{Region: dev})

	if _, err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := (&nvtrust.Flash{Region: dev}).ReadBlob(&b); err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if !b.Valid() {
		t.Fatalf("Persisted NV blob is invalid: %s", b)
	}
}

func TestCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.vs.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Got %v, want context.Canceled", err)
	}
	if len(h.rec.Resets) != 0 {
		t.Fatal("Cancelled boot requested a reset")
	}
}

func TestSoftwarePCRs(t *testing.T) {
	p := &verstage.SoftwarePCRs{}

	if err := p.Extend(0, []byte{1}); err == nil {
		t.Fatal("Extend: expected error for short digest")
	}

	d := sha256.Sum256([]byte("measurement"))
	if err := p.Extend(3, d[:]); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	want := sha256.Sum256(append(make([]byte, sha256.Size), d[:]...))
	if diff := cmp.Diff(p.PCRs[3], want[:]); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}
