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

//go:build tamago && arm && fake_rpmb
// +build tamago,arm,fake_rpmb

package main

import (
	"log"

	"github.com/usbarmory/tamago/soc/nxp/usdhc"

	"github.com/transparency-dev/armored-witness-verstage/secdata"
)

// initSpaces returns volatile spaces, for development only.
func initSpaces(_ *usdhc.USDHC) (secdata.Spaces, error) {
	log.Print("verstage: WARNING secured storage is volatile, rollback protection is disabled")
	return secdata.NewMemSpaces(), nil
}
