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
	"errors"
	"strings"
	"testing"
)

func TestCompiledKeys(t *testing.T) {
	if _, err := Root(); err != nil {
		t.Fatalf("Root: %v", err)
	}

	if _, err := Log(); err != nil {
		t.Fatalf("Log: %v", err)
	}
}

func TestCheckRoot(t *testing.T) {
	for _, test := range []struct {
		name    string
		key     string
		wantErr bool
	}{
		{
			name: "compiled-in",
			key:  string(RootPublicKey),
		},
		{
			name:    "log key",
			key:     string(LogPublicKey),
			wantErr: true,
		},
		{
			name:    "garbage",
			key:     "not a key",
			wantErr: true,
		},
		{
			name:    "empty",
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := CheckRoot(strings.TrimSpace(test.key))

			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("CheckRoot: %v, wantErr %t", err, test.wantErr)
			}

			if err != nil && !errors.Is(err, ErrRootKeyMismatch) {
				t.Fatalf("Got %v, want ErrRootKeyMismatch", err)
			}
		})
	}
}
