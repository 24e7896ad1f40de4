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
	"sync/atomic"
	"time"

	"github.com/caoyingjunz/blkio-throttler/pkg/block"
	"github.com/caoyingjunz/blkio-throttler/pkg/metrics"
)

// throttleGroup is the throttled unit: one token bucket per direction, a
// sub service queue, and the qnodes used when this group is the bio
// source. It is identified by (group, queue) for ordinary groups and by
// (group, fake device) or (group, fake device, member queue) for the fake
// device overlay.
type throttleGroup struct {
	engine *Engine

	// td is the device this group is rooted at; nil only for a fake
	// device header, which is an accounting aggregate and never a
	// dispatch stage.
	td *throttleData
	cg *Cgroup

	sq serviceQueue

	// qnodeOnSelf is used when a bio starts throttled on this group;
	// qnodeOnParent when a bio of this group is transferred to the
	// parent stage. Keeping them apart preserves the bio's source for
	// round-robin dispatch at the parent.
	qnodeOnSelf   [2]qnode
	qnodeOnParent [2]qnode

	// disptime is the earliest instant this group may dispatch its head
	// bio; it keys the parent's pending tree.
	disptime    time.Time
	pendingItem *pendingItem
	pending     bool
	wasEmpty    bool

	bps  [dirCount]int64
	iops [dirCount]int64

	// hasRules caches whether this group or any ancestor has a finite
	// limit per direction; when false everywhere the bio path bypasses
	// the hierarchy entirely.
	hasRules [dirCount]bool

	bytesDisp  [dirCount]uint64
	ioDisp     [dirCount]uint64
	sliceStart [dirCount]time.Time
	sliceEnd   [dirCount]time.Time

	// fake marks groups belonging to the fake device overlay; fakeDev
	// points back at the owning fake device.
	fake    bool
	fakeDev *FakeDevice

	// stats is nil until the deferred allocator attaches it; accounting
	// is skipped meanwhile.
	stats *tgStats
}

// tgStats mirrors the io_service_bytes / io_serviced configuration files.
// Counters are atomics because the no-rules fast path updates them
// without the queue lock.
type tgStats struct {
	serviceBytes [2]uint64
	serviced     [2]uint64
}

func newThrottleGroup(e *Engine, td *throttleData, cg *Cgroup, parentSQ *serviceQueue) *throttleGroup {
	tg := &throttleGroup{
		engine: e,
		td:     td,
		cg:     cg,
	}
	tg.sq.init(tg, parentSQ)
	for rw := dirRead; rw <= dirWrite; rw++ {
		tg.qnodeOnSelf[rw].init(tg)
		tg.qnodeOnParent[rw].init(tg)
	}
	for rw := dirRead; rw < dirCount; rw++ {
		tg.bps[rw] = noLimit
		tg.iops[rw] = noLimit
	}
	return tg
}

// parentTG returns the group the parent service queue belongs to, nil
// when the parent is a device root.
func (tg *throttleGroup) parentTG() *throttleGroup {
	if tg.sq.parent == nil {
		return nil
	}
	return tg.sq.parent.tg
}

// updateHasRules recomputes hasRules[] from the group's own limits and
// the parent's cached value, which is guaranteed to be correct already.
func (tg *throttleGroup) updateHasRules() {
	parent := tg.parentTG()
	for rw := dirRead; rw < dirCount; rw++ {
		tg.hasRules[rw] = (parent != nil && parent.hasRules[rw]) ||
			tg.bps[rw] != noLimit || tg.iops[rw] != noLimit
	}
}

// chargeBio charges bio against both the bio direction and the combined
// bucket, and marks the bio throttled so that a recursive pass through
// this layer sees it only once. Dispatch stats are not recursive: they
// are recorded when the marker is first set, which is guaranteed to be on
// the bio's original group.
func (tg *throttleGroup) chargeBio(bio *block.Bio) {
	rw := dirIndex(bio.Dir)

	tg.bytesDisp[rw] += bio.Size
	tg.bytesDisp[dirRandW] += bio.Size
	tg.ioDisp[rw]++
	tg.ioDisp[dirRandW]++

	if !bio.Throttled {
		bio.Throttled = true
		tg.updateDispatchStats(bio)
	}
}

// updateDispatchStats records bio on the group's cumulative counters. A
// group whose stats have not been allocated yet simply skips accounting.
func (tg *throttleGroup) updateDispatchStats(bio *block.Bio) {
	stats := tg.stats
	if stats == nil {
		return
	}
	rw := dirIndex(bio.Dir)
	atomic.AddUint64(&stats.serviceBytes[rw], bio.Size)
	atomic.AddUint64(&stats.serviced[rw], 1)

	dev := ""
	if tg.td != nil {
		dev = tg.td.queue.Dev.String()
	}
	metrics.RegisterDispatch(tg.cg.name, dev, bio.Dir.String(), float64(bio.Size))
}

func (tg *throttleGroup) resetStats() {
	stats := tg.stats
	if stats == nil {
		return
	}
	for rw := dirRead; rw <= dirWrite; rw++ {
		atomic.StoreUint64(&stats.serviceBytes[rw], 0)
		atomic.StoreUint64(&stats.serviced[rw], 0)
	}
}

// addBioTG queues bio on tg using qn; tg.qnodeOnSelf is used when qn is
// nil. The group is linked into the parent pending tree if it was not.
func (td *throttleData) addBioTG(bio *block.Bio, qn *qnode, tg *throttleGroup) {
	sq := &tg.sq
	rw := dirIndex(bio.Dir)

	if qn == nil {
		qn = &tg.qnodeOnSelf[rw]
	}

	// Queueing a bio on an empty group can change when the group should
	// be dispatched; remember it so the next disptime update re-arms
	// the parent timer.
	if sq.nrQueued[rw] == 0 {
		tg.wasEmpty = true
	}

	sq.queued[rw].addBio(bio, qn)
	sq.nrQueued[rw]++
	td.enqueueTG(tg)
}
