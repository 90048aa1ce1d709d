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
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"github.com/transparency-dev/formats/log"
	"github.com/transparency-dev/merkle/proof"
	"github.com/transparency-dev/merkle/rfc6962"
	"golang.org/x/mod/sumdb/note"
)

// Keyblock binds a data key to the GBB root key.
type Keyblock struct {
	// DataKey is the note verifier key for the preamble.
	DataKey string `json:"data_key"`
	// KeyVersion is the rollback version of the data key.
	KeyVersion uint16 `json:"key_version"`
	// Flags restrict the boot modes the keyblock is valid for.
	Flags uint32 `json:"flags"`
}

// Preamble describes a firmware body, it is signed by the keyblock data
// key.
type Preamble struct {
	// FirmwareVersion is the rollback version of the body.
	FirmwareVersion uint16 `json:"firmware_version"`
	// Release is the semantic version of the release.
	Release semver.Version `json:"release"`
	// BodySize is the size of the body in bytes.
	BodySize int64 `json:"body_size"`
	// BodyDigest is the SHA-256 digest of the body.
	BodyDigest []byte `json:"body_digest"`
}

// Versions returns the combined key and firmware version, as stored in the
// firmware space.
func (p *Preamble) Versions(k *Keyblock) uint32 {
	return uint32(k.KeyVersion)<<16 | uint32(p.FirmwareVersion)
}

// InclusionProof proves the inclusion of a preamble in a firmware
// transparency log.
type InclusionProof struct {
	// Checkpoint is the signed log checkpoint the proof is relative to.
	Checkpoint []byte `json:"checkpoint"`
	// Index is the preamble leaf index.
	Index uint64 `json:"index"`
	// Hashes is the RFC 6962 inclusion proof.
	Hashes [][]byte `json:"hashes"`
}

// Vblock is the content of a slot VBLOCK region.
type Vblock struct {
	// Keyblock is a note signed by the GBB root key.
	Keyblock []byte `json:"keyblock"`
	// Preamble is a note signed by the keyblock data key.
	Preamble []byte `json:"preamble"`
	// Proof is required when the GBB configures a transparency log.
	Proof *InclusionProof `json:"proof,omitempty"`
}

// ParseVblock decodes a vblock envelope, trailing blank or zero padding is
// ignored.
func ParseVblock(b []byte) (*Vblock, error) {
	vb := &Vblock{}

	if err := json.Unmarshal(bytes.TrimRight(b, "\xff\x00"), vb); err != nil {
		return nil, fmt.Errorf("invalid vblock, %w", err)
	}

	return vb, nil
}

// Bytes encodes the vblock.
func (vb *Vblock) Bytes() []byte {
	b, _ := json.Marshal(vb)
	return b
}

func openJSON(msg []byte, v note.Verifier, out any) error {
	n, err := note.Open(msg, note.VerifierList(v))

	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(n.Text), out)
}

func signJSON(in any, signers ...note.Signer) ([]byte, error) {
	text, err := json.Marshal(in)

	if err != nil {
		return nil, err
	}

	return note.Sign(&note.Note{Text: string(text) + "\n"}, signers...)
}

// SignKeyblock returns a keyblock note signed with the root key.
func SignKeyblock(k *Keyblock, root note.Signer) ([]byte, error) {
	return signJSON(k, root)
}

// SignPreamble returns a preamble note signed with the data key.
func SignPreamble(p *Preamble, data note.Signer) ([]byte, error) {
	return signJSON(p, data)
}

// NewPreamble returns a preamble describing body.
func NewPreamble(body []byte, fwVersion uint16, release string) (*Preamble, error) {
	v, err := semver.NewVersion(release)

	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(body)

	return &Preamble{
		FirmwareVersion: fwVersion,
		Release:         *v,
		BodySize:        int64(len(body)),
		BodyDigest:      sum[:],
	}, nil
}

// VerifyKeyblock checks the keyblock signature against the GBB root key.
func (g *GBB) VerifyKeyblock(raw []byte) (*Keyblock, error) {
	k := &Keyblock{}

	if err := openJSON(raw, g.root, k); err != nil {
		return nil, fmt.Errorf("keyblock, %w", err)
	}

	return k, nil
}

// VerifyPreamble checks the preamble signature against the keyblock data
// key.
func (k *Keyblock) VerifyPreamble(raw []byte) (*Preamble, error) {
	v, err := note.NewVerifier(k.DataKey)

	if err != nil {
		return nil, fmt.Errorf("invalid data key, %w", err)
	}

	p := &Preamble{}

	if err = openJSON(raw, v, p); err != nil {
		return nil, fmt.Errorf("preamble, %w", err)
	}

	if len(p.BodyDigest) != sha256.Size {
		return nil, fmt.Errorf("preamble body digest has invalid length %d", len(p.BodyDigest))
	}

	if p.BodySize <= 0 {
		return nil, fmt.Errorf("preamble body size %d", p.BodySize)
	}

	return p, nil
}

// VerifyInclusion checks that preamble is included in the GBB transparency
// log. It succeeds trivially when no log is configured.
func (g *GBB) VerifyInclusion(preamble []byte, p *InclusionProof) error {
	if g.Log == nil {
		return nil
	}

	if p == nil {
		return errors.New("missing transparency log proof")
	}

	cp, _, _, err := log.ParseCheckpoint(p.Checkpoint, g.Log.Origin, g.log)

	if err != nil {
		return fmt.Errorf("invalid checkpoint, %w", err)
	}

	leaf := rfc6962.DefaultHasher.HashLeaf(preamble)

	if err = proof.VerifyInclusion(rfc6962.DefaultHasher, p.Index, cp.Size, leaf, p.Hashes, cp.Hash); err != nil {
		return fmt.Errorf("invalid inclusion proof, %w", err)
	}

	return nil
}
