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
	"runtime"
	"time"

	"k8s.io/klog/v2"
)

// tgUpdateDisptime recomputes when tg may dispatch its head bio and
// repositions it in the parent pending tree.
func (td *throttleData) tgUpdateDisptime(tg *throttleGroup) {
	sq := &tg.sq
	now := td.engine.clock.Now()
	readWait := time.Duration(math.MaxInt64)
	writeWait := time.Duration(math.MaxInt64)

	if bio := sq.queued[dirRead].peek(); bio != nil {
		_, readWait = tg.mayDispatch(bio, now)
	}
	if bio := sq.queued[dirWrite].peek(); bio != nil {
		_, writeWait = tg.mayDispatch(bio, now)
	}

	minWait := minDuration(readWait, writeWait)
	if minWait == time.Duration(math.MaxInt64) {
		minWait = 0
	}
	disptime := now.Add(minWait)

	td.dequeueTG(tg)
	tg.disptime = disptime
	td.enqueueTG(tg)

	// see addBioTG
	tg.wasEmpty = false
}

// startParentSliceWithCredit hands the child's unused slice time to the
// parent when the parent slice has expired, so a bio does not pay for the
// same wait twice while climbing.
func startParentSliceWithCredit(child, parent *throttleGroup, rw int, now time.Time) {
	if parent.sliceUsed(rw, now) {
		parent.startNewSliceWithCredit(rw, child.sliceStart[rw], now)
	}
}

// tgDispatchOneBio moves tg's head bio one level up: onto the parent
// group if there is one, or onto the device root service queue where the
// issue worker picks it up.
func (td *throttleData) tgDispatchOneBio(tg *throttleGroup, rw int) {
	sq := &tg.sq
	parentSQ := sq.parent
	parentTG := parentSQ.tg
	now := td.engine.clock.Now()

	bio := sq.queued[rw].pop()
	sq.nrQueued[rw]--

	if tg.fake {
		// A fake device bucket is drained by any member's activity, not
		// only the member carrying the bio.
		tg.fakeDev.chargeBioRecursively(bio)
	} else {
		tg.chargeBio(bio)
	}

	if parentTG != nil {
		td.addBioTG(bio, &tg.qnodeOnParent[rw], parentTG)
		startParentSliceWithCredit(tg, parentTG, rw, now)
		startParentSliceWithCredit(tg, parentTG, dirRandW, now)
	} else {
		// Reached the device root; the bio is ready to be issued.
		parentSQ.queued[rw].addBio(bio, &tg.qnodeOnParent[rw])
		if td.nrQueued[rw] > 0 {
			td.nrQueued[rw]--
		}
	}

	if tg.fake {
		if tg.hasRules[rw] {
			tg.fakeDev.trimSliceRecursively(rw, now)
		}
		if tg.hasRules[dirRandW] {
			tg.fakeDev.trimSliceRecursively(dirRandW, now)
		}
	} else {
		if tg.hasRules[rw] {
			tg.trimSlice(rw, now)
		}
		if tg.hasRules[dirRandW] {
			tg.trimSlice(dirRandW, now)
		}
	}
}

// dispatchTG dispatches up to grpQuantum bios from tg, trying 75% reads
// and 25% writes per round. A direction stops early as soon as its head
// bio no longer fits the budget.
func (td *throttleData) dispatchTG(tg *throttleGroup) uint {
	sq := &tg.sq
	var nrReads, nrWrites uint
	maxNrReads := uint(grpQuantum * 3 / 4)
	maxNrWrites := uint(grpQuantum) - maxNrReads

	for {
		bio := sq.queued[dirRead].peek()
		if bio == nil {
			break
		}
		if ok, _ := tg.mayDispatch(bio, td.engine.clock.Now()); !ok {
			break
		}
		td.tgDispatchOneBio(tg, dirIndex(bio.Dir))
		nrReads++
		if nrReads >= maxNrReads {
			break
		}
	}

	for {
		bio := sq.queued[dirWrite].peek()
		if bio == nil {
			break
		}
		if ok, _ := tg.mayDispatch(bio, td.engine.clock.Now()); !ok {
			break
		}
		td.tgDispatchOneBio(tg, dirIndex(bio.Dir))
		nrWrites++
		if nrWrites >= maxNrWrites {
			break
		}
	}

	return nrReads + nrWrites
}

// selectDispatch pops pending groups off parentSQ in disptime order and
// dispatches each while its window is open, capped at quantum bios per
// invocation.
func (td *throttleData) selectDispatch(parentSQ *serviceQueue) uint {
	var nrDisp uint

	for {
		tg := parentSQ.rbFirst()
		if tg == nil {
			break
		}
		if td.engine.clock.Now().Before(tg.disptime) {
			break
		}

		td.dequeueTG(tg)

		// Fake member buckets are shared across queues and carry their
		// own lock on top of ours.
		if tg.fake {
			tg.fakeDev.mu.Lock()
		}
		nrDisp += td.dispatchTG(tg)

		if tg.sq.nrQueued[dirRead] > 0 || tg.sq.nrQueued[dirWrite] > 0 {
			td.tgUpdateDisptime(tg)
		}
		if tg.fake {
			tg.fakeDev.mu.Unlock()
		}

		if nrDisp >= quantum {
			break
		}
	}

	return nrDisp
}

// pendingTimerFn runs when the first pending child of sq is due. It
// dispatches bios from the children to sq and propagates upward: if the
// parent stage is another group its timer is armed (or, when its window
// is already open, dispatching jumps straight to it); when the top-level
// queue is reached the issue worker is kicked.
func (td *throttleData) pendingTimerFn(sq *serviceQueue) {
	q := td.queue
	q.Lock()
	defer q.Unlock()

	for sq != nil {
		parentSQ := sq.parent
		tg := sq.tg
		dispatched := false

		for {
			klog.V(4).Infof("throtl %s: dispatch nr_queued=%d read=%d write=%d", q.Name,
				sq.nrQueued[dirRead]+sq.nrQueued[dirWrite], sq.nrQueued[dirRead], sq.nrQueued[dirWrite])

			if ret := td.selectDispatch(sq); ret > 0 {
				klog.V(4).Infof("throtl %s: bios disp=%d", q.Name, ret)
				dispatched = true
			}

			if td.scheduleNextDispatch(sq, false) {
				break
			}

			// The dispatch window is still open; relax and repeat.
			q.Unlock()
			runtime.Gosched()
			q.Lock()
		}

		if !dispatched {
			return
		}

		if parentSQ == nil {
			// Reached the top level, hand off to the issue worker.
			td.kickIssueWorker()
			return
		}

		// Propagate upward. Only a group that went non-empty needs its
		// dispatch time recomputed; if the parent window is already open
		// keep dispatching there without waiting for its timer.
		if tg != nil && tg.wasEmpty {
			td.tgUpdateDisptime(tg)
			if !td.scheduleNextDispatch(parentSQ, false) {
				sq = parentSQ
				continue
			}
		}
		return
	}
}
