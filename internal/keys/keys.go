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

// Package keys holds the root of trust keys compiled into the boot stage.
//
// The keys are replaced at build time, the disable_root_key build tag
// accepts any GBB root key and must only be used for development.
package keys

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/sumdb/note"
)

// ErrRootKeyMismatch is returned when a GBB carries a root key other than
// the compiled-in one.
var ErrRootKeyMismatch = errors.New("GBB root key does not match the compiled-in key")

func verifier(key []byte, name string) (note.Verifier, error) {
	v, err := note.NewVerifier(strings.TrimSpace(string(key)))

	if err != nil {
		return nil, fmt.Errorf("invalid %s key, %v", name, err)
	}

	return v, nil
}

// Root returns the compiled-in root key verifier.
func Root() (note.Verifier, error) {
	if DisableAuth {
		return nil, errors.New("root key disabled")
	}

	return verifier(RootPublicKey, "root")
}

// Log returns the compiled-in transparency log verifier.
func Log() (note.Verifier, error) {
	if DisableAuth {
		return nil, errors.New("log key disabled")
	}

	return verifier(LogPublicKey, "log")
}

// CheckRoot verifies that key, in note verifier format, is the compiled-in
// root key.
func CheckRoot(key string) error {
	if DisableAuth {
		return nil
	}

	root, err := Root()

	if err != nil {
		return err
	}

	v, err := note.NewVerifier(strings.TrimSpace(key))

	if err != nil {
		return fmt.Errorf("%w (%v)", ErrRootKeyMismatch, err)
	}

	// the key hash covers both name and key material
	if v.Name() != root.Name() || v.KeyHash() != root.KeyHash() {
		return ErrRootKeyMismatch
	}

	return nil
}
