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
	"encoding/binary"
	"fmt"
	"math/bits"
)

// BlobSize is the size of the persisted trust blob.
const BlobSize = 16

const (
	headerOffset   = 0
	bootOffset     = 1
	recoveryOffset = 2
	localeOffset   = 3
	devOffset      = 4
	tpmOffset      = 5
	subcodeOffset  = 6
	boot2Offset    = 7
	kernelOffset   = 8
	crcOffset      = BlobSize - 1
)

const (
	// HeaderSignatureMask selects the signature bits of the header byte.
	HeaderSignatureMask = 0xc0
	// HeaderSignature is the expected value of the signature bits.
	HeaderSignature = 0x40
	// HeaderFirmwareSettingsReset requests firmware settings to be reset.
	HeaderFirmwareSettingsReset = 0x20
	// HeaderKernelSettingsReset requests kernel settings to be reset.
	HeaderKernelSettingsReset = 0x10
)

// Firmware slot try results, as stored in FWResult and FWPrevResult.
const (
	ResultUnknown = iota
	ResultTrying
	ResultSuccess
	ResultFailure
)

// Field identifies a bit field of the trust blob.
type Field struct {
	name   string
	offset int
	mask   byte
}

func (f Field) String() string {
	return f.name
}

// Fields of the trust blob payload.
var (
	FirmwareSettingsReset = Field{"firmware_settings_reset", headerOffset, HeaderFirmwareSettingsReset}
	KernelSettingsReset   = Field{"kernel_settings_reset", headerOffset, HeaderKernelSettingsReset}

	TryCount       = Field{"try_count", bootOffset, 0x0f}
	BackupRequest  = Field{"backup_request", bootOffset, 0x10}
	DisplayRequest = Field{"display_request", bootOffset, 0x40}
	DebugReset     = Field{"debug_reset", bootOffset, 0x80}

	RecoveryRequest = Field{"recovery_request", recoveryOffset, 0xff}
	Localization    = Field{"localization", localeOffset, 0xff}

	DevBootExternal   = Field{"dev_boot_external", devOffset, 0x01}
	DevBootAltFW      = Field{"dev_boot_altfw", devOffset, 0x02}
	DevBootSignedOnly = Field{"dev_boot_signed_only", devOffset, 0x04}
	DisableDevRequest = Field{"disable_dev_request", devOffset, 0x08}
	UDCEnable         = Field{"udc_enable", devOffset, 0x40}

	ClearOwnerRequest = Field{"clear_owner_request", tpmOffset, 0x01}
	ClearOwnerDone    = Field{"clear_owner_done", tpmOffset, 0x02}

	RecoverySubcode = Field{"recovery_subcode", subcodeOffset, 0xff}

	FWResult     = Field{"fw_result", boot2Offset, 0x03}
	FWTried      = Field{"fw_tried", boot2Offset, 0x04}
	TryNext      = Field{"try_next", boot2Offset, 0x08}
	FWPrevResult = Field{"fw_prev_result", boot2Offset, 0x30}
	FWPrevTried  = Field{"fw_prev_tried", boot2Offset, 0x40}
	ReqWipeout   = Field{"req_wipeout", boot2Offset, 0x80}
)

// Fields lists every blob field, in layout order.
var Fields = []Field{
	FirmwareSettingsReset, KernelSettingsReset,
	TryCount, BackupRequest, DisplayRequest, DebugReset,
	RecoveryRequest, Localization,
	DevBootExternal, DevBootAltFW, DevBootSignedOnly, DisableDevRequest, UDCEnable,
	ClearOwnerRequest, ClearOwnerDone,
	RecoverySubcode,
	FWResult, FWTried, TryNext, FWPrevResult, FWPrevTried, ReqWipeout,
}

// Blob is the non-volatile trust blob.
//
// Byte 0 is the header, bytes 1 to 14 the payload and byte 15 a CRC-8 over
// the preceding bytes.
type Blob [BlobSize]byte

// CRC8 computes the CRC-8 of data using polynomial x^8+x^2+x+1, MSB first,
// with no initial or final XOR.
func CRC8(data []byte) uint8 {
	var crc uint16

	for _, b := range data {
		crc ^= uint16(b) << 8

		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc ^= 0x1070 << 3
			}
			crc <<= 1
		}
	}

	return uint8(crc >> 8)
}

// Valid reports whether the blob carries the expected signature and a
// matching CRC.
func (b *Blob) Valid() bool {
	return b[headerOffset]&HeaderSignatureMask == HeaderSignature &&
		CRC8(b[:crcOffset]) == b[crcOffset]
}

// Seal recomputes the trailing CRC.
func (b *Blob) Seal() {
	b[crcOffset] = CRC8(b[:crcOffset])
}

// Erase zeroes the blob, sets the signature and both settings reset flags
// and recomputes the CRC. The blob is not written.
func (b *Blob) Erase() {
	*b = Blob{}
	b[headerOffset] = HeaderSignature | HeaderFirmwareSettingsReset | HeaderKernelSettingsReset
	b.Seal()
}

// Get returns the value of field f.
func (b *Blob) Get(f Field) uint8 {
	return (b[f.offset] & f.mask) >> bits.TrailingZeros8(f.mask)
}

// Set updates field f, returning whether the stored value changed. Values
// wider than the field are truncated. The CRC is not updated.
func (b *Blob) Set(f Field, v uint8) bool {
	old := b[f.offset]
	b[f.offset] = old&^f.mask | (v<<bits.TrailingZeros8(f.mask))&f.mask
	return old != b[f.offset]
}

// Flag returns whether the single bit field f is set.
func (b *Blob) Flag(f Field) bool {
	return b.Get(f) != 0
}

// SetFlag sets or clears the single bit field f.
func (b *Blob) SetFlag(f Field, v bool) bool {
	if v {
		return b.Set(f, 1)
	}
	return b.Set(f, 0)
}

// KernelField returns the 32-bit field reserved for the kernel stage.
func (b *Blob) KernelField() uint32 {
	return binary.LittleEndian.Uint32(b[kernelOffset:])
}

// SetKernelField updates the 32-bit field reserved for the kernel stage.
func (b *Blob) SetKernelField(v uint32) bool {
	old := b.KernelField()
	binary.LittleEndian.PutUint32(b[kernelOffset:], v)
	return old != v
}

func (b Blob) String() string {
	return fmt.Sprintf("%x", b[:])
}
