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
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-verstage/firmware"
	"github.com/transparency-dev/armored-witness-verstage/internal/keys"
)

func readKey(path string, thing string) (string, error) {
	if len(path) == 0 {
		return "", fmt.Errorf("missing %s key file", thing)
	}

	b, err := os.ReadFile(path)

	if err != nil {
		return "", fmt.Errorf("could not read %s key file %q, %v", thing, path, err)
	}

	return strings.TrimSpace(string(b)), nil
}

func signerFromFile(path string, thing string) (note.Signer, error) {
	k, err := readKey(path, thing)

	if err != nil {
		return nil, err
	}

	s, err := note.NewSigner(k)

	if err != nil {
		return nil, fmt.Errorf("invalid %s note signer key, %v", thing, err)
	}

	return s, nil
}

func keyGenerate(args []string) error {
	if err := wantArgs(args, 2, "<name> <prefix>"); err != nil {
		return err
	}

	skey, vkey, err := note.GenerateKey(rand.Reader, args[0])

	if err != nil {
		return err
	}

	if err = os.WriteFile(args[1]+".sec", []byte(skey+"\n"), 0o600); err != nil {
		return err
	}

	if err = os.WriteFile(args[1]+".pub", []byte(vkey+"\n"), 0o644); err != nil {
		return err
	}

	fmt.Fprintf(out, "%s\n", vkey)

	return nil
}

func gbbCreate(args []string) error {
	if err := wantArgs(args, 1, "<file>"); err != nil {
		return err
	}

	root, err := readKey(conf.rootKey, "root public")

	if err != nil {
		return err
	}

	g := &firmware.GBB{
		HWID:    conf.hwid,
		Flags:   uint32(conf.gbbFlags),
		RootKey: root,
	}

	if len(conf.logOrigin) > 0 {
		k, err := readKey(conf.logKeyFile, "log public")

		if err != nil {
			return err
		}

		g.Log = &firmware.LogConfig{Origin: conf.logOrigin, Key: k}
	}

	b := g.Bytes()

	// refuse to write what the boot stage would not parse
	if _, err = firmware.ParseGBB(b); err != nil {
		return err
	}

	if err = keys.CheckRoot(root); err != nil {
		klog.Warningf("GBB will not boot with the compiled-in keys, %v", err)
	}

	return os.WriteFile(args[0], b, 0o644)
}

func vblockSign(args []string) error {
	if err := wantArgs(args, 2, "<vblock> <body>"); err != nil {
		return err
	}

	if conf.keyVersion > 0xffff || conf.fwVersion > 0xffff {
		return errors.New("rollback versions are limited to 16 bits")
	}

	body, err := os.ReadFile(args[1])

	if err != nil {
		return err
	}

	root, err := signerFromFile(conf.rootSecret, "root")

	if err != nil {
		return err
	}

	data, err := signerFromFile(conf.dataSecret, "data")

	if err != nil {
		return err
	}

	dataKey, err := readKey(conf.dataPubKey, "data public")

	if err != nil {
		return err
	}

	kb, err := firmware.SignKeyblock(&firmware.Keyblock{
		DataKey:    dataKey,
		KeyVersion: uint16(conf.keyVersion),
	}, root)

	if err != nil {
		return err
	}

	p, err := firmware.NewPreamble(body, uint16(conf.fwVersion), conf.release)

	if err != nil {
		return err
	}

	pb, err := firmware.SignPreamble(p, data)

	if err != nil {
		return err
	}

	vb := &firmware.Vblock{Keyblock: kb, Preamble: pb}

	if len(conf.logProof) > 0 {
		buf, err := os.ReadFile(conf.logProof)

		if err != nil {
			return err
		}

		vb.Proof = &firmware.InclusionProof{}

		if err = json.Unmarshal(buf, vb.Proof); err != nil {
			return fmt.Errorf("invalid proof file, %v", err)
		}
	}

	b := vb.Bytes()

	if int64(len(b)) > conf.vblockSize {
		return fmt.Errorf("vblock of %d bytes exceeds region size %d", len(b), conf.vblockSize)
	}

	klog.Infof("Signed %s release %s (versions %#08x, %d bytes)", args[1], p.Release, p.Versions(&firmware.Keyblock{KeyVersion: uint16(conf.keyVersion)}), len(body))

	return os.WriteFile(args[0], b, 0o644)
}

func vblockVerify(args []string) error {
	if err := wantArgs(args, 3, "<gbb> <vblock> <body>"); err != nil {
		return err
	}

	var raw [3][]byte

	for i, path := range args {
		b, err := os.ReadFile(path)

		if err != nil {
			return err
		}

		raw[i] = b
	}

	g, err := firmware.ParseGBB(raw[0])

	if err != nil {
		return err
	}

	if err = keys.CheckRoot(g.RootKey); err != nil {
		klog.Warningf("%s: %v", args[0], err)
	}

	vb, err := firmware.ParseVblock(raw[1])

	if err != nil {
		return err
	}

	kb, err := g.VerifyKeyblock(vb.Keyblock)

	if err != nil {
		return err
	}

	p, err := kb.VerifyPreamble(vb.Preamble)

	if err != nil {
		return err
	}

	if err = g.VerifyInclusion(vb.Preamble, vb.Proof); err != nil {
		return err
	}

	body := raw[2]

	if int64(len(body)) < p.BodySize {
		return fmt.Errorf("body of %d bytes smaller than signed size %d", len(body), p.BodySize)
	}

	sum := sha256.Sum256(body[:p.BodySize])

	if !bytes.Equal(sum[:], p.BodyDigest) {
		return fmt.Errorf("body digest mismatch (%x != %x)", sum, p.BodyDigest)
	}

	fmt.Fprintf(out, "release: %s\n", p.Release)
	fmt.Fprintf(out, "versions: %#08x\n", p.Versions(kb))
	fmt.Fprintf(out, "digest: %x\n", sum)

	return nil
}
