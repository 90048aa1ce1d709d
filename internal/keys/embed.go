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

//go:build !disable_root_key
// +build !disable_root_key

package keys

import (
	_ "embed"
)

const DisableAuth = false

// RootPublicKey is the note verifier key expected in the GBB.
//
//go:embed root.pub
var RootPublicKey []byte

// LogPublicKey is the note verifier key of the firmware transparency log.
//
//go:embed log.pub
var LogPublicKey []byte
