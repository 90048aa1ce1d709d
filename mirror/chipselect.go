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

package mirror

import "fmt"

// Part identifies one of the two physical flash parts.
type Part int

const (
	Primary Part = iota
	Alternate
)

func (p Part) String() string {
	switch p {
	case Primary:
		return "primary"
	case Alternate:
		return "alternate"
	}
	return fmt.Sprintf("Part(%d)", int(p))
}

// ChipSelect drives the signal choosing which flash part is addressed.
type ChipSelect interface {
	Selected() Part
	Select(p Part)
}

// Guard holds the chip-select value observed when it was created.
type Guard struct {
	cs    ChipSelect
	saved Part
}

// Hold saves the current chip-select, the returned Guard puts it back on
// Release. The intended use is:
//
//	defer mirror.Hold(cs).Release()
func Hold(cs ChipSelect) *Guard {
	return &Guard{cs: cs, saved: cs.Selected()}
}

// Release restores the saved chip-select.
func (g *Guard) Release() {
	g.cs.Select(g.saved)
}

// Saved returns the chip-select value held by the guard.
func (g *Guard) Saved() Part {
	return g.saved
}
