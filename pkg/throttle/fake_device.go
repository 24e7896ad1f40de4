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
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/caoyingjunz/blkio-throttler/pkg/block"
)

// FakeDevice aggregates a user-chosen set of physical queues under one
// logical bucket, so a group can cap the combined throughput of the set.
// The header group carries the user-configured limits; every member
// queue gets its own group whose limits are copies of the header's.
// Member groups parent at their device's root service queue, so ready
// bios flow into the same per-device issue worker as ordinary bios; the
// header is only an accounting aggregate and never a dispatch stage.
type FakeDevice struct {
	id uint32
	cg *Cgroup

	// mu guards the bucket state of the header and every member group.
	// A fake device spans queues, so a single queue lock cannot; mu
	// nests inside any queue lock and inside the group lock.
	mu sync.Mutex

	tg      *throttleGroup
	members []*fdMember
}

type fdMember struct {
	queue *block.RequestQueue
	tg    *throttleGroup
}

func (fd *FakeDevice) ID() uint32 { return fd.id }

// member returns the member entry for q, nil if q is not in the set.
func (fd *FakeDevice) member(q *block.RequestQueue) *fdMember {
	for _, m := range fd.members {
		if m.queue == q {
			return m
		}
	}
	return nil
}

func (fd *FakeDevice) containsQueue(q *block.RequestQueue) bool {
	return fd.member(q) != nil
}

// hasLimit reports whether the fake device constrains direction rw on
// queue q.
func (fd *FakeDevice) hasLimit(rw int, q *block.RequestQueue) bool {
	if !fd.containsQueue(q) {
		return false
	}
	return fd.tg.hasRules[rw]
}

// updateHasRulesRecursively copies the header limits to every member and
// recomputes hasRules[] everywhere. Member groups deliberately ignore the
// group hierarchy: a fake device set is flat.
func (fd *FakeDevice) updateHasRulesRecursively() {
	tg := fd.tg
	for rw := dirRead; rw < dirCount; rw++ {
		tg.hasRules[rw] = tg.bps[rw] != noLimit || tg.iops[rw] != noLimit
	}

	for _, m := range fd.members {
		for rw := dirRead; rw < dirCount; rw++ {
			m.tg.bps[rw] = tg.bps[rw]
			m.tg.iops[rw] = tg.iops[rw]
			m.tg.hasRules[rw] = m.tg.bps[rw] != noLimit || m.tg.iops[rw] != noLimit
		}
	}
}

func (fd *FakeDevice) startNewSliceRecursively(rw int, now time.Time) {
	fd.tg.startNewSlice(rw, now)
	for _, m := range fd.members {
		m.tg.startNewSlice(rw, now)
	}
}

func (fd *FakeDevice) trimSliceRecursively(rw int, now time.Time) {
	fd.tg.trimSlice(rw, now)
	for _, m := range fd.members {
		m.tg.trimSlice(rw, now)
	}
}

// chargeBioRecursively charges bio to the header and all members so the
// shared bucket drains on any member's activity.
func (fd *FakeDevice) chargeBioRecursively(bio *block.Bio) {
	fd.tg.chargeBio(bio)
	for _, m := range fd.members {
		m.tg.chargeBio(bio)
	}
}

// updateQueueNr recomputes the header's aggregate queued counters from
// the members. A concurrent dispatcher may already have removed bios, so
// the aggregate only ever clamps downward.
func (fd *FakeDevice) updateQueueNr() {
	for rw := dirRead; rw <= dirWrite; rw++ {
		var total uint
		for _, m := range fd.members {
			total += m.tg.sq.nrQueued[rw]
		}
		if total <= fd.tg.sq.nrQueued[rw] {
			fd.tg.sq.nrQueued[rw] = total
		} else {
			klog.V(2).Infof("throtl fake device %d: queued total %d above recorded %d", fd.id, total, fd.tg.sq.nrQueued[rw])
		}
	}
}

// addBioFD queues bio on the member group for q, growing the header's
// aggregate alongside. Member qnodes use the plain add: their lifetime is
// the fake device's, not the qnode link's.
func (fd *FakeDevice) addBioFD(bio *block.Bio, q *block.RequestQueue, td *throttleData) {
	rw := dirIndex(bio.Dir)

	if fd.tg.sq.nrQueued[rw] == 0 {
		fd.tg.wasEmpty = true
	}

	m := fd.member(q)
	tg := m.tg
	sq := &tg.sq

	sq.queued[rw].addBio(bio, &tg.qnodeOnSelf[rw])
	sq.nrQueued[rw]++
	fd.tg.sq.nrQueued[rw]++
	td.enqueueTG(tg)
}

// tgUpdateDisptimeRecursively recomputes one shared dispatch time from
// the earliest wait across all members and applies it to the header and
// to the members rooted at td that are pending or have queued bios,
// repositioning them in their pending tree. Members on other devices are
// left untouched: td's queue lock is the one held, and such a member is
// updated when its own timer or bio path runs.
func (fd *FakeDevice) tgUpdateDisptimeRecursively(td *throttleData, now time.Time) {
	minWait := time.Duration(math.MaxInt64)

	for _, m := range fd.members {
		sq := &m.tg.sq
		if bio := sq.queued[dirRead].peek(); bio != nil {
			if _, w := m.tg.mayDispatch(bio, now); w < minWait {
				minWait = w
			}
		}
		if bio := sq.queued[dirWrite].peek(); bio != nil {
			if _, w := m.tg.mayDispatch(bio, now); w < minWait {
				minWait = w
			}
		}
	}
	if minWait == time.Duration(math.MaxInt64) {
		minWait = 0
	}

	disptime := now.Add(minWait)

	fd.tg.disptime = disptime
	fd.tg.wasEmpty = false

	for _, m := range fd.members {
		if m.tg.td != td {
			continue
		}
		m.tg.wasEmpty = false
		if !m.tg.pending && m.tg.sq.nrQueued[dirRead] == 0 && m.tg.sq.nrQueued[dirWrite] == 0 {
			continue
		}
		td.dequeueTG(m.tg)
		m.tg.disptime = disptime
		td.enqueueTG(m.tg)
	}
}

// fdLookupCreate returns the group's fake device with the given id,
// creating it if needed. Call with the group lock held.
func (cg *Cgroup) fdLookupCreate(e *Engine, id uint32) *FakeDevice {
	for _, fd := range cg.fakeDevs {
		if fd.id == id {
			return fd
		}
	}

	fd := &FakeDevice{id: id, cg: cg}
	fd.tg = newThrottleGroup(e, nil, cg, nil)
	fd.tg.fake = true
	fd.tg.fakeDev = fd
	cg.fakeDevs = append(cg.fakeDevs, fd)

	return fd
}

// memberLookupCreate adds q to the fake device set if it is not already a
// member. The member group parents at the device root service queue.
// Call with the queue and group locks held.
func (fd *FakeDevice) memberLookupCreate(e *Engine, q *block.RequestQueue, td *throttleData) *fdMember {
	if m := fd.member(q); m != nil {
		return m
	}

	tg := newThrottleGroup(e, td, fd.cg, &td.sq)
	tg.fake = true
	tg.fakeDev = fd
	m := &fdMember{queue: q, tg: tg}
	fd.members = append(fd.members, m)
	td.fdMembers = append(td.fdMembers, tg)
	e.allocStats(tg)

	return m
}
