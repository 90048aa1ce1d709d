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

import (
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-verstage/region"
)

// Snapshotter preserves the content of a region for later debugging.
type Snapshotter interface {
	Snapshot(name string, src region.Device) error
}

// RegionSnapshotter copies snapshots into a dedicated debug region, each
// snapshot replaces the previous one.
type RegionSnapshotter struct {
	Debug region.Device

	buf [CopyBlockSize]byte
}

// Snapshot implements Snapshotter.
func (r *RegionSnapshotter) Snapshot(name string, src region.Device) error {
	if err := copyRegion(r.Debug, src, r.buf[:]); err != nil {
		return err
	}

	klog.Infof("mirror: saved %d bytes of %s for debugging", src.Size(), name)

	return nil
}
