/*
Copyright 2021 The Caoyingjunz Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package throttle

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/caoyingjunz/blkio-throttler/pkg/block"
)

// Direction indexes into the per-group limit and accounting arrays.
// dirRandW is the combined read+write index; it composes with the
// per-direction limits rather than replacing them.
const (
	dirRead = iota
	dirWrite
	dirRandW

	dirCount
)

const (
	// grpQuantum is the max dispatch from one group in one round,
	// split 75% reads / 25% writes.
	grpQuantum = 8

	// quantum is the total max dispatch from all groups in one round.
	quantum = 32

	// DefaultSlice is the throttling slice; after it elapses the slice
	// is renewed.
	DefaultSlice = 100 * time.Millisecond

	// tick is the accounting granularity of the bucket arithmetic.
	tick = time.Millisecond

	// noLimit disables a bps or iops limit.
	noLimit int64 = -1
)

func dirIndex(d block.Direction) int {
	if d == block.DirWrite {
		return dirWrite
	}
	return dirRead
}

func dirName(rw int) string {
	switch rw {
	case dirRead:
		return "Read"
	case dirWrite:
		return "Write"
	default:
		return "ReadWrite"
	}
}

// Clock is the subset of clock functionality the engine needs; both
// clock.RealClock and the testing FakeClock satisfy it.
type Clock interface {
	clock.PassiveClock
	AfterFunc(d time.Duration, f func()) clock.Timer
}

// roundUp rounds t up to the next multiple of d.
func roundUp(t time.Time, d time.Duration) time.Time {
	n := t.UnixNano()
	step := int64(d)
	if r := n % step; r != 0 {
		n += step - r
	}
	return time.Unix(0, n)
}

// roundUpDuration rounds v up to the next multiple of d.
func roundUpDuration(v, d time.Duration) time.Duration {
	if r := v % d; r != 0 {
		v += d - r
	}
	return v
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
