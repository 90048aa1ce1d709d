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

package firmware

import (
	"fmt"
)

// Reason is a recovery reason, as persisted in the trust blob recovery
// request field.
type Reason uint8

// Recovery reasons.
const (
	ReasonNotRequested Reason = 0x00
	ReasonLegacy       Reason = 0x01
	ReasonROManual     Reason = 0x02
	ReasonROInvalidRW  Reason = 0x03

	ReasonFWKeyblock    Reason = 0x13
	ReasonFWKeyRollback Reason = 0x14
	ReasonFWPreamble    Reason = 0x16
	ReasonFWRollback    Reason = 0x17
	ReasonFWBody        Reason = 0x1b

	ReasonROFirmware          Reason = 0x20
	ReasonSecdataFirmwareInit Reason = 0x2b
	ReasonGBBHeader           Reason = 0x2c
	ReasonDevSwitch           Reason = 0x2e
	ReasonFWSlot              Reason = 0x2f
	ReasonROUnspecified       Reason = 0x3f

	ReasonROTPMLError        Reason = 0x52
	ReasonROTPMUError        Reason = 0x53
	ReasonROTPMRecHashLError Reason = 0x61
	ReasonRWUnspecified      Reason = 0x7f
)

var reasonNames = map[Reason]string{
	ReasonNotRequested:        "NOT_REQUESTED",
	ReasonLegacy:              "LEGACY",
	ReasonROManual:            "RO_MANUAL",
	ReasonROInvalidRW:         "RO_INVALID_RW",
	ReasonFWKeyblock:          "FW_KEYBLOCK",
	ReasonFWKeyRollback:       "FW_KEY_ROLLBACK",
	ReasonFWPreamble:          "FW_PREAMBLE",
	ReasonFWRollback:          "FW_ROLLBACK",
	ReasonFWBody:              "FW_BODY",
	ReasonROFirmware:          "RO_FIRMWARE",
	ReasonSecdataFirmwareInit: "SECDATA_FIRMWARE_INIT",
	ReasonGBBHeader:           "GBB_HEADER",
	ReasonDevSwitch:           "DEV_SWITCH",
	ReasonFWSlot:              "FW_SLOT",
	ReasonROUnspecified:       "RO_UNSPECIFIED",
	ReasonROTPMLError:         "RO_TPM_L_ERROR",
	ReasonROTPMUError:         "RO_TPM_U_ERROR",
	ReasonROTPMRecHashLError:  "RO_TPM_REC_HASH_L_ERROR",
	ReasonRWUnspecified:       "RW_UNSPECIFIED",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}

	return fmt.Sprintf("UNKNOWN(%#02x)", uint8(r))
}

// Error is a verification failure, carrying the recovery reason recorded
// for it.
type Error struct {
	Reason  Reason
	Subcode uint8
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (subcode %#x)", e.Reason, e.Subcode)
	}

	return fmt.Sprintf("%s (subcode %#x): %v", e.Reason, e.Subcode, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
