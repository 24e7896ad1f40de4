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
	"math"
	"time"

	"k8s.io/klog/v2"

	"github.com/caoyingjunz/blkio-throttler/pkg/block"
)

// Token bucket accounting. Throttling is performed over a fixed-width
// slice; consumption within the current slice is compared against what
// the limit allows for the elapsed slice-rounded time, and the deficit is
// converted back into a wait.

func (tg *throttleGroup) slice() time.Duration {
	return tg.engine.slice
}

func (tg *throttleGroup) startNewSlice(rw int, now time.Time) {
	tg.bytesDisp[rw] = 0
	tg.ioDisp[rw] = 0
	tg.sliceStart[rw] = now
	tg.sliceEnd[rw] = now.Add(tg.slice())
}

// startNewSliceWithCredit starts a slice whose start may lie in the past.
// The previous slice expired and was trimmed after the last dispatch, so
// the bandwidth since start was never used; backdating the slice start
// hands that credit over.
func (tg *throttleGroup) startNewSliceWithCredit(rw int, start, now time.Time) {
	tg.bytesDisp[rw] = 0
	tg.ioDisp[rw] = 0
	if !start.Before(tg.sliceStart[rw]) {
		tg.sliceStart[rw] = start
	}
	tg.sliceEnd[rw] = now.Add(tg.slice())
}

func (tg *throttleGroup) extendSlice(rw int, end time.Time) {
	tg.sliceEnd[rw] = roundUp(end, tg.slice())
}

// sliceUsed reports whether the previously allocated or extended slice
// is complete.
func (tg *throttleGroup) sliceUsed(rw int, now time.Time) bool {
	return now.Before(tg.sliceStart[rw]) || now.After(tg.sliceEnd[rw])
}

// trimSlice reclaims the credit of whole elapsed slice widths and
// advances the slice start past them. Without it a group could sit on an
// ever-extending slice and accumulate a future-dated deficit that a later,
// lower limit would take unreasonably long to pay off.
func (tg *throttleGroup) trimSlice(rw int, now time.Time) {
	// If limits are unlimited the slice does not get renewed; don't trim
	// a used slice, a new one starts when appropriate.
	if tg.sliceUsed(rw, now) {
		return
	}

	// A bio has been dispatched; pull back slice_end as well. An earlier
	// tiny limit may have pushed slice_end far out, and a bogus high
	// slice_end keeps new slices from starting.
	tg.sliceEnd[rw] = roundUp(now.Add(tg.slice()), tg.slice())

	elapsed := now.Sub(tg.sliceStart[rw])
	nrSlices := int64(elapsed / tg.slice())
	if nrSlices == 0 {
		return
	}

	trimmed := tg.slice() * time.Duration(nrSlices)

	var bytesTrim, ioTrim uint64
	if tg.bps[rw] == noLimit {
		bytesTrim = math.MaxUint64
	} else {
		bytesTrim = uint64(tg.bps[rw]) * uint64(trimmed.Milliseconds()) / 1000
	}
	if tg.iops[rw] == noLimit {
		ioTrim = math.MaxUint64
	} else {
		ioTrim = uint64(tg.iops[rw]) * uint64(trimmed.Milliseconds()) / 1000
	}

	if bytesTrim == 0 && ioTrim == 0 {
		return
	}

	if tg.bytesDisp[rw] >= bytesTrim {
		tg.bytesDisp[rw] -= bytesTrim
	} else {
		tg.bytesDisp[rw] = 0
	}
	if tg.ioDisp[rw] >= ioTrim {
		tg.ioDisp[rw] -= ioTrim
	} else {
		tg.ioDisp[rw] = 0
	}

	tg.sliceStart[rw] = tg.sliceStart[rw].Add(trimmed)
}

// elapsedInSlice returns the raw and the slice-rounded elapsed time since
// the slice start. A slice that has just started is considered one slice
// interval long.
func (tg *throttleGroup) elapsedInSlice(rw int, now time.Time) (time.Duration, time.Duration) {
	elapsed := now.Sub(tg.sliceStart[rw])
	elapsedRnd := elapsed
	if elapsedRnd == 0 {
		elapsedRnd = tg.slice()
	}
	elapsedRnd = roundUpDuration(elapsedRnd, tg.slice())
	return elapsed, elapsedRnd
}

// bpsWaitFor computes the wait until bio fits the bps budget of bucket
// index which, 0 when it already fits.
func (tg *throttleGroup) bpsWaitFor(which int, bio *block.Bio, now time.Time) time.Duration {
	elapsed, elapsedRnd := tg.elapsedInSlice(which, now)

	bytesAllowed := uint64(tg.bps[which]) * uint64(elapsedRnd.Milliseconds()) / 1000
	if tg.bytesDisp[which]+bio.Size <= bytesAllowed {
		return 0
	}

	extraBytes := tg.bytesDisp[which] + bio.Size - bytesAllowed
	wait := time.Duration(extraBytes*1000/uint64(tg.bps[which])) * time.Millisecond
	if wait == 0 {
		wait = tick
	}

	// The wait above ignores the rounding up of the elapsed time; add
	// that slack back.
	return wait + (elapsedRnd - elapsed)
}

// iopsWaitFor is the iops analogue of bpsWaitFor.
func (tg *throttleGroup) iopsWaitFor(which int, now time.Time) time.Duration {
	elapsed, elapsedRnd := tg.elapsedInSlice(which, now)

	// elapsedRnd cannot grow large: with the minimum of 1 iops dispatch
	// is allowed after a second and the slice gets trimmed then.
	ioAllowed := uint64(tg.iops[which]) * uint64(elapsedRnd.Milliseconds()) / 1000
	if tg.ioDisp[which]+1 <= ioAllowed {
		return 0
	}

	wait := time.Duration((tg.ioDisp[which]+1)*1000/uint64(tg.iops[which]))*time.Millisecond + tick
	if wait > elapsed {
		return wait - elapsed
	}
	return tick
}

// withinBpsLimit checks bio against the per-direction and the combined
// bps budgets. Either limit being finite routes through here; the two
// deficits compose as max.
func (tg *throttleGroup) withinBpsLimit(bio *block.Bio, now time.Time) (bool, time.Duration) {
	rw := dirIndex(bio.Dir)
	var wait time.Duration

	if tg.bps[rw] != noLimit {
		wait = tg.bpsWaitFor(rw, bio, now)
	}
	if tg.bps[dirRandW] != noLimit {
		wait = maxDuration(wait, tg.bpsWaitFor(dirRandW, bio, now))
	}

	return wait == 0, wait
}

// withinIopsLimit is the iops analogue of withinBpsLimit.
func (tg *throttleGroup) withinIopsLimit(bio *block.Bio, now time.Time) (bool, time.Duration) {
	var wait time.Duration

	if rw := dirIndex(bio.Dir); tg.iops[rw] != noLimit {
		wait = tg.iopsWaitFor(rw, now)
	}
	if tg.iops[dirRandW] != noLimit {
		wait = maxDuration(wait, tg.iopsWaitFor(dirRandW, now))
	}

	return wait == 0, wait
}

// mayDispatch returns whether bio can dispatch now and, if it cannot,
// approximately how long until it is within rate. A bio must satisfy both
// the bio-direction and the combined budgets; bps and iops waits compose
// as max. On reject both slices are extended to cover the wait.
func (tg *throttleGroup) mayDispatch(bio *block.Bio, now time.Time) (bool, time.Duration) {
	rw := dirIndex(bio.Dir)

	if tg.bps[rw] == noLimit && tg.iops[rw] == noLimit &&
		tg.bps[dirRandW] == noLimit && tg.iops[dirRandW] == noLimit {
		return true, 0
	}

	// If the previous slice expired start a new one, otherwise make sure
	// the existing one still reaches at least a full slice ahead.
	for _, which := range [2]int{rw, dirRandW} {
		if tg.sliceUsed(which, now) {
			tg.startNewSlice(which, now)
		} else if tg.sliceEnd[which].Before(now.Add(tg.slice())) {
			tg.extendSlice(which, now.Add(tg.slice()))
		}
	}

	bpsOK, bpsWait := tg.withinBpsLimit(bio, now)
	iopsOK, iopsWait := tg.withinIopsLimit(bio, now)
	if bpsOK && iopsOK {
		return true, 0
	}

	maxWait := maxDuration(bpsWait, iopsWait)
	klog.V(4).Infof("throtl group %q: [%s] over limit, wait=%v bdisp=%d/%d iodisp=%d/%d",
		tg.cg.name, dirName(rw), maxWait, tg.bytesDisp[rw], tg.bytesDisp[dirRandW], tg.ioDisp[rw], tg.ioDisp[dirRandW])

	for _, which := range [2]int{rw, dirRandW} {
		if tg.sliceEnd[which].Before(now.Add(maxWait)) {
			tg.extendSlice(which, now.Add(maxWait))
		}
	}

	return false, maxWait
}
