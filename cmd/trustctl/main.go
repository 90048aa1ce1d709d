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

// The trustctl tool inspects and repairs boot trust state held in flash
// dumps, and signs firmware slots for development.
//
// Usage:
//
//	trustctl [flags] nv show|reset|mark-success <file>
//	trustctl [flags] mirror compare|sync <primary> <alternate>
//	trustctl [flags] key generate <name> <prefix>
//	trustctl [flags] gbb create <file>
//	trustctl [flags] vblock sign <vblock> <body>
//	trustctl [flags] vblock verify <gbb> <vblock> <body>
//	trustctl [flags] secdata show
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

type Config struct {
	offset int64
	nvSize int64
	quiet  bool

	regionOffset int64
	regionSize   int64

	hwid       string
	gbbFlags   uint
	logOrigin  string
	logKeyFile string
	rootKey    string

	rootSecret string
	dataSecret string
	dataPubKey string
	keyVersion uint
	fwVersion  uint
	release    string
	logProof   string
	vblockSize int64
}

var conf = &Config{}

func init() {
	flag.Int64Var(&conf.offset, "offset", 0, "NV flash log offset in file")
	flag.Int64Var(&conf.nvSize, "nv_size", 4096, "NV flash log size")
	flag.BoolVar(&conf.quiet, "q", false, "disable progress bars")

	flag.Int64Var(&conf.regionOffset, "region_offset", 0, "mirrored region offset in flash dumps")
	flag.Int64Var(&conf.regionSize, "region_size", 0, "mirrored region size (0 for whole dump)")

	flag.StringVar(&conf.hwid, "hwid", "", "GBB hardware ID")
	flag.UintVar(&conf.gbbFlags, "gbb_flags", 0, "GBB flags")
	flag.StringVar(&conf.logOrigin, "log_origin", "", "FT log origin string")
	flag.StringVar(&conf.logKeyFile, "log_pubkey_file", "", "File containing the FT log's public key in Note verifier format")
	flag.StringVar(&conf.rootKey, "root_pubkey_file", "", "File containing the root public key in Note verifier format")

	flag.StringVar(&conf.rootSecret, "root_key_file", "", "File containing the root private key in Note signer format")
	flag.StringVar(&conf.dataSecret, "data_key_file", "", "File containing the data private key in Note signer format")
	flag.StringVar(&conf.dataPubKey, "data_pubkey_file", "", "File containing the data public key in Note verifier format")
	flag.UintVar(&conf.keyVersion, "key_version", 1, "data key rollback version")
	flag.UintVar(&conf.fwVersion, "fw_version", 1, "firmware rollback version")
	flag.StringVar(&conf.release, "release", "", "semantic version of the release")
	flag.StringVar(&conf.logProof, "proof_file", "", "File containing a JSON FT inclusion proof")
	flag.Int64Var(&conf.vblockSize, "vblock_size", 8192, "vblock region size")
}

type command func(args []string) error

var commands = map[string]map[string]command{
	"nv": {
		"show":         nvShow,
		"reset":        nvReset,
		"mark-success": nvMarkSuccess,
	},
	"mirror": {
		"compare": mirrorCompare,
		"sync":    mirrorSync,
	},
	"key": {
		"generate": keyGenerate,
	},
	"gbb": {
		"create": gbbCreate,
	},
	"vblock": {
		"sign":   vblockSign,
		"verify": vblockVerify,
	},
	"secdata": {
		"show": secdataShow,
	},
}

var errUsage = errors.New("invalid command")

func run(args []string) error {
	if len(args) < 2 {
		return errUsage
	}

	cmd, ok := commands[args[0]][args[1]]

	if !ok {
		return fmt.Errorf("%w %s %s", errUsage, args[0], args[1])
	}

	return cmd(args[2:])
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	err := run(flag.Args())

	if errors.Is(err, errUsage) {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <nv|mirror|key|gbb|vblock|secdata> <command> [args]\n", os.Args[0])
		flag.PrintDefaults()
	}

	if err != nil {
		klog.Exitf("fatal error, %v", err)
	}
}

func wantArgs(args []string, n int, names string) error {
	if len(args) != n {
		return fmt.Errorf("%w, expected %s", errUsage, names)
	}

	return nil
}
