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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/mod/sumdb/note"

	"github.com/transparency-dev/armored-witness-verstage/region"
)

// GBBName is the name of the region holding the GBB.
const GBBName = "GBB"

// maxHeaderSize bounds the GBB and vblock regions read into memory.
const maxHeaderSize = 64 * 1024

// GBB flags.
const (
	GBBFlagForceDevSwitchOn       = 0x08
	GBBFlagDisableFWRollbackCheck = 0x20
)

// LogConfig identifies a firmware transparency log.
type LogConfig struct {
	// Origin is the checkpoint origin line.
	Origin string `json:"origin"`
	// Key is the log note verifier key.
	Key string `json:"key"`
}

// GBB is the read-only Google Binary Block, holding the root of trust for
// firmware verification.
type GBB struct {
	// HWID identifies the hardware model.
	HWID string `json:"hwid"`
	// Flags alter verification policy.
	Flags uint32 `json:"flags"`
	// RootKey is the note verifier key for keyblocks.
	RootKey string `json:"root_key"`
	// Log, when set, requires every preamble to be included in a firmware
	// transparency log.
	Log *LogConfig `json:"log,omitempty"`

	root note.Verifier
	log  note.Verifier
}

// ParseGBB decodes a GBB and its keys. Trailing blank or zero padding is
// ignored.
func ParseGBB(b []byte) (*GBB, error) {
	b = bytes.TrimRight(b, "\xff\x00")

	g := &GBB{}

	if err := json.Unmarshal(b, g); err != nil {
		return nil, fmt.Errorf("invalid GBB, %w", err)
	}

	if len(g.HWID) == 0 {
		return nil, errors.New("GBB has no HWID")
	}

	v, err := note.NewVerifier(g.RootKey)

	if err != nil {
		return nil, fmt.Errorf("invalid GBB root key, %w", err)
	}

	g.root = v

	if g.Log != nil {
		if g.log, err = note.NewVerifier(g.Log.Key); err != nil {
			return nil, fmt.Errorf("invalid GBB log key, %w", err)
		}
	}

	return g, nil
}

// Bytes encodes the GBB.
func (g *GBB) Bytes() []byte {
	b, _ := json.Marshal(g)
	return b
}

// readHeader reads a small header region into memory.
func readHeader(dev region.Device) ([]byte, error) {
	size := dev.Size()

	if size > maxHeaderSize {
		size = maxHeaderSize
	}

	buf := make([]byte, size)

	if err := region.ReadFull(dev, buf, 0); err != nil {
		return nil, err
	}

	return buf, nil
}
