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

	"github.com/google/btree"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

// serviceQueue is one stage of the dispatch pipeline. Child groups with
// queued bios sit on the pending tree keyed by their dispatch time; their
// ready bios are transferred onto queued[] on dispatch.
type serviceQueue struct {
	// tg is the group this service queue is embedded in, nil for the
	// top-level queue embedded in throttleData.
	tg *throttleGroup

	// parent is the upstream stage, nil for a device root.
	parent *serviceQueue

	queued   [2]qlist
	nrQueued [2]uint

	pendingTree          *btree.BTree
	nrPending            uint
	firstPendingDisptime time.Time

	pendingTimer clock.Timer
}

const pendingTreeDegree = 8

type pendingItem struct {
	disptime time.Time
	serial   uint64
	tg       *throttleGroup
}

func (p *pendingItem) Less(than btree.Item) bool {
	o := than.(*pendingItem)
	if !p.disptime.Equal(o.disptime) {
		return p.disptime.Before(o.disptime)
	}
	return p.serial < o.serial
}

func (sq *serviceQueue) init(tg *throttleGroup, parent *serviceQueue) {
	sq.tg = tg
	sq.parent = parent
	sq.pendingTree = btree.New(pendingTreeDegree)
}

// exit stops the pending timer; pairs with init.
func (sq *serviceQueue) exit() {
	if sq.pendingTimer != nil {
		sq.pendingTimer.Stop()
	}
}

// rbFirst returns the group with the earliest dispatch time, nil when the
// tree is empty.
func (sq *serviceQueue) rbFirst() *throttleGroup {
	if sq.nrPending == 0 {
		return nil
	}
	item := sq.pendingTree.Min()
	if item == nil {
		return nil
	}
	return item.(*pendingItem).tg
}

func (sq *serviceQueue) updateMinDispatchTime() {
	tg := sq.rbFirst()
	if tg == nil {
		return
	}
	sq.firstPendingDisptime = tg.disptime
}

// enqueueTG links tg into the pending tree of its parent service queue.
func (td *throttleData) enqueueTG(tg *throttleGroup) {
	if tg.pending {
		return
	}
	parentSQ := tg.sq.parent
	td.serial++
	tg.pendingItem = &pendingItem{disptime: tg.disptime, serial: td.serial, tg: tg}
	parentSQ.pendingTree.ReplaceOrInsert(tg.pendingItem)
	tg.pending = true
	parentSQ.nrPending++
}

// dequeueTG unlinks tg from the pending tree of its parent service queue.
func (td *throttleData) dequeueTG(tg *throttleGroup) {
	if !tg.pending {
		return
	}
	parentSQ := tg.sq.parent
	parentSQ.pendingTree.Delete(tg.pendingItem)
	tg.pendingItem = nil
	tg.pending = false
	parentSQ.nrPending--
}

// schedulePendingTimer arms sq's one-shot timer at expires, re-arming it
// if it is already pending. Call with the queue lock held.
func (td *throttleData) schedulePendingTimer(sq *serviceQueue, expires time.Time) {
	now := td.engine.clock.Now()
	delay := expires.Sub(now)
	if delay < 0 {
		delay = 0
	}
	// Re-arming stops the previous timer and starts a fresh one rather
	// than resetting it: a fired AfterFunc timer's channel is never
	// drained, and a clock that sends on it again would block.
	if sq.pendingTimer != nil {
		sq.pendingTimer.Stop()
	}
	// The handler takes the queue lock and re-arms timers; run it on its
	// own goroutine so the clock's timer machinery is never reentered
	// from inside a callback.
	sq.pendingTimer = td.engine.clock.AfterFunc(delay, func() {
		go td.pendingTimerFn(sq)
	})
	klog.V(4).Infof("throtl %s: schedule timer, delay=%v", td.queue.Name, delay)
}

// scheduleNextDispatch arms sq's pending timer so that the next dispatch
// cycle starts on the dispatch time of the first pending child. Returns
// true if either the timer is armed or there is no pending child left;
// false if the current dispatch window is still open and the caller
// should continue dispatching.
//
// If force is true the timer is always armed and true is returned. That
// is for callers which cannot dispatch themselves and need the timer to
// run unconditionally; it can induce a short delay before dispatch starts
// and should be kept off hot paths.
func (td *throttleData) scheduleNextDispatch(sq *serviceQueue, force bool) bool {
	if sq.nrPending == 0 {
		return true
	}

	sq.updateMinDispatchTime()

	if force || sq.firstPendingDisptime.After(td.engine.clock.Now()) {
		td.schedulePendingTimer(sq, sq.firstPendingDisptime)
		return true
	}

	return false
}
