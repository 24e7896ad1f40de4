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
	"context"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/caoyingjunz/blkio-throttler/pkg/block"
	"github.com/caoyingjunz/blkio-throttler/pkg/metrics"
)

// throttleData is the per-device root of the throttling hierarchy: the
// top-level service queue plus the worker that issues ready bios back to
// the block layer.
type throttleData struct {
	engine *Engine
	queue  *block.RequestQueue

	sq serviceQueue

	// Total number of bios queued on this device over all groups.
	nrQueued [2]uint

	// fake device member groups rooted at this device, for teardown and
	// drain.
	fdMembers []*throttleGroup

	serial uint64

	issueQueue workqueue.Interface
}

// Engine is the hierarchical block-I/O throttler.
type Engine struct {
	registry block.Registry

	clock        Clock
	slice        time.Duration
	hierarchical bool

	// mu guards the group and device maps; the bio path takes it for
	// reading only.
	mu     sync.RWMutex
	root   *Cgroup
	groups map[string]*Cgroup
	tds    map[*block.RequestQueue]*throttleData

	// statsQueue feeds the deferred per-group stats allocator; the bio
	// path must never block on allocation.
	statsQueue workqueue.Interface
}

type Option func(*Engine)

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithSlice overrides the throttling slice width.
func WithSlice(slice time.Duration) Option {
	return func(e *Engine) { e.slice = slice }
}

// WithHierarchy makes limits on a group apply to its whole subtree. When
// off, all groups are treated as separate roots right below the device,
// and limits of a group do not interact with limits of other groups.
func WithHierarchy(on bool) Option {
	return func(e *Engine) { e.hierarchical = on }
}

func New(registry block.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:   registry,
		clock:      clock.RealClock{},
		slice:      DefaultSlice,
		groups:     make(map[string]*Cgroup),
		tds:        make(map[*block.RequestQueue]*throttleData),
		statsQueue: workqueue.NewNamed("tg-stats-alloc"),
	}
	e.root = newCgroup(RootGroup, nil)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives the deferred stats allocator until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	defer utilruntime.HandleCrash()

	klog.Infof("Starting blkio throttle engine")
	defer klog.Infof("Shutting down blkio throttle engine")

	go wait.UntilWithContext(ctx, e.statsWorker, time.Second)

	<-ctx.Done()
	e.statsQueue.ShutDown()
}

func (e *Engine) statsWorker(ctx context.Context) {
	for e.processNextStatsItem() {
	}
}

func (e *Engine) processNextStatsItem() bool {
	item, quit := e.statsQueue.Get()
	if quit {
		return false
	}
	defer e.statsQueue.Done(item)

	tg := item.(*throttleGroup)
	stats := &tgStats{}

	// Attach under the queue lock so the dispatch path sees either nil
	// or a fully initialized object.
	if tg.td != nil {
		tg.td.queue.Lock()
		tg.stats = stats
		tg.td.queue.Unlock()
	} else {
		tg.cg.mu.Lock()
		tg.stats = stats
		tg.cg.mu.Unlock()
	}

	return true
}

// allocStats schedules deferred stats allocation for tg.
func (e *Engine) allocStats(tg *throttleGroup) {
	e.statsQueue.Add(tg)
}

// InitQueue activates throttling for q and starts its issue worker.
func (e *Engine) InitQueue(q *block.RequestQueue) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exist := e.tds[q]; exist {
		return status.Errorf(codes.AlreadyExists, "queue %s already initialized", q.Name)
	}

	td := &throttleData{
		engine:     e,
		queue:      q,
		issueQueue: workqueue.NewNamed("throtl-" + q.Name),
	}
	td.sq.init(nil, nil)
	e.tds[q] = td

	go td.issueWorker()

	klog.V(2).Infof("Initialized throttling for queue %s (%s)", q.Name, q.Dev)
	return nil
}

func (e *Engine) lookupTD(q *block.RequestQueue) *throttleData {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tds[q]
}

// lookupTG returns the group's throttle group on td's device without
// creating it. Reads only limits and rules; safe under the engine read
// lock.
func (e *Engine) lookupTG(td *throttleData, cg *Cgroup) *throttleGroup {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	return cg.tgs[td.queue]
}

// lookupCreateTG returns the group's throttle group on td's device,
// creating it and its ancestry on first reference. Call with the queue
// lock held. Returns nil when the queue is dying.
func (td *throttleData) lookupCreateTG(cg *Cgroup) *throttleGroup {
	if td.queue.Dying() {
		return nil
	}

	cg.mu.Lock()
	if tg := cg.tgs[td.queue]; tg != nil {
		cg.mu.Unlock()
		return tg
	}
	cg.mu.Unlock()

	// Materialize the ancestry first so the parent service queue and
	// its hasRules[] are in place.
	parentSQ := &td.sq
	if td.engine.hierarchical && cg.parent != nil {
		ptg := td.lookupCreateTG(cg.parent)
		if ptg == nil {
			return nil
		}
		parentSQ = &ptg.sq
	}

	cg.mu.Lock()
	defer cg.mu.Unlock()
	if tg := cg.tgs[td.queue]; tg != nil {
		return tg
	}

	tg := newThrottleGroup(td.engine, td, cg, parentSQ)
	// New groups must not escape the limits of their ancestors.
	tg.updateHasRules()
	cg.tgs[td.queue] = tg
	td.engine.allocStats(tg)

	return tg
}

// ThrottleBio runs bio through both throttling axes of its group on q.
// When it returns false the caller submits the bio itself; when true the
// engine owns the bio and will resubmit it once it is within rate.
func (e *Engine) ThrottleBio(q *block.RequestQueue, bio *block.Bio) bool {
	throttled := false
	defer func() {
		// Multiple throttling layers may stack on the issue path; do not
		// let the marker leak out of the owning one.
		if !throttled {
			bio.Throttled = false
		}
	}()

	// A bio which was already charged re-enters once on resubmission.
	if bio.Throttled {
		return false
	}

	td := e.lookupTD(q)
	if td == nil {
		return false
	}
	bio.Queue = q

	rw := dirIndex(bio.Dir)
	cg := e.LookupGroup(bio.Group)
	if cg == nil {
		cg = e.root
	}

	// Fast path: a group without rules on either axis bypasses the
	// hierarchy; only the dispatch stats are recorded.
	if tg := e.lookupTG(td, cg); tg != nil {
		if !tg.hasRules[rw] && !tg.hasRules[dirRandW] {
			withoutLimit := true
			cg.mu.Lock()
			for _, fd := range cg.fakeDevs {
				if fd.hasLimit(rw, q) || fd.hasLimit(dirRandW, q) {
					withoutLimit = false
					break
				}
			}
			cg.mu.Unlock()
			if withoutLimit {
				tg.updateDispatchStats(bio)
				return false
			}
		}
	}

	q.Lock()
	defer q.Unlock()

	tg := td.lookupCreateTG(cg)
	var qn *qnode

	if tg != nil {
		sq := &tg.sq
		for {
			now := e.clock.Now()

			// Throttling is FIFO: once bios are queued in this
			// direction the new one queues behind them.
			if sq.nrQueued[rw] > 0 {
				break
			}

			ok, _ := tg.mayDispatch(bio, now)
			if !ok {
				break
			}

			// Within limits; charge and climb one level.
			tg.chargeBio(bio)

			// Keep trimming even though the bio is not queued: otherwise
			// the slice extends unchecked, and a sudden limit drop would
			// account all that old I/O at the new low rate and hand new
			// bios an absurd dispatch time.
			if tg.hasRules[rw] {
				tg.trimSlice(rw, now)
			}
			if tg.hasRules[dirRandW] {
				tg.trimSlice(dirRandW, now)
			}

			qn = &tg.qnodeOnParent[rw]
			sq = sq.parent
			tg = sq.tg
			if tg == nil {
				// Cleared the whole physical hierarchy; the fake device
				// axis still gets its say.
				throttled = e.throttleBioFD(td, cg, bio, false)
				return throttled
			}
		}

		// Over the physical limit; queue on tg.
		klog.V(2).Infof("throtl group %q: [%s] bio queued, bdisp=%d/%d iodisp=%d/%d queued=%d/%d",
			cg.name, dirName(rw), tg.bytesDisp[rw], tg.bytesDisp[dirRandW],
			tg.ioDisp[rw], tg.ioDisp[dirRandW], tg.sq.nrQueued[dirRead], tg.sq.nrQueued[dirWrite])

		bio.Associate(cg.name)
		td.nrQueued[rw]++
		td.addBioTG(bio, qn, tg)
		throttled = true

		// Force-arm the timer if tg was empty: the bio is likely to be
		// dispatched right away when tg's disptime is not in the future.
		if tg.wasEmpty {
			td.tgUpdateDisptime(tg)
			td.scheduleNextDispatch(tg.sq.parent, true)
		}
	}

	throttled = e.throttleBioFD(td, cg, bio, throttled)
	return throttled
}

// throttleBioFD runs the second throttling axis. A bio the physical group
// already queued is only charged against the matching fake devices; a bio
// that passed the physical axis must additionally fit every fake device
// covering its queue, and queues on the first member bucket it does not
// fit. Call with the queue lock held.
func (e *Engine) throttleBioFD(td *throttleData, cg *Cgroup, bio *block.Bio, throttled bool) bool {
	q := td.queue
	rw := dirIndex(bio.Dir)

	cg.mu.Lock()
	defer cg.mu.Unlock()

	if throttled {
		// The physical group charges the bio only when it dispatches it;
		// keep the marker as it was so that charge still records the
		// dispatch stats on the bio's original group.
		marked := bio.Throttled
		for _, fd := range cg.fakeDevs {
			fd.mu.Lock()
			if fd.hasLimit(rw, q) || fd.hasLimit(dirRandW, q) {
				fd.chargeBioRecursively(bio)
			}
			fd.mu.Unlock()
		}
		bio.Throttled = marked
		return true
	}

	for _, fd := range cg.fakeDevs {
		fd.mu.Lock()
		fd.updateQueueNr()
		if !fd.hasLimit(rw, q) && !fd.hasLimit(dirRandW, q) {
			fd.mu.Unlock()
			continue
		}

		m := fd.member(q)
		mtg := m.tg
		now := e.clock.Now()

		queueIt := mtg.sq.nrQueued[rw] > 0
		if !queueIt {
			ok, _ := mtg.mayDispatch(bio, now)
			queueIt = !ok
		}

		if !queueIt {
			// Within the fake device budget; drain the shared bucket on
			// every member.
			fd.chargeBioRecursively(bio)
			if mtg.hasRules[rw] {
				fd.trimSliceRecursively(rw, now)
			}
			if mtg.hasRules[dirRandW] {
				fd.trimSliceRecursively(dirRandW, now)
			}
			fd.mu.Unlock()
			continue
		}

		klog.V(2).Infof("throtl group %q: [%s] bio queued on fake device %d member %s",
			cg.name, dirName(rw), fd.id, q.Name)

		bio.Associate(cg.name)
		td.nrQueued[rw]++
		fd.addBioFD(bio, q, td)
		throttled = true

		fd.tgUpdateDisptimeRecursively(td, now)
		td.scheduleNextDispatch(mtg.sq.parent, true)
		fd.mu.Unlock()
		break
	}

	return throttled
}

// kickIssueWorker queues one round of issue work for the device.
func (td *throttleData) kickIssueWorker() {
	td.issueQueue.Add(td.queue.Name)
}

// issueWorker issues bios that reached the top-level service queue back
// into the block layer. Runs until ExitQueue shuts the work queue down.
func (td *throttleData) issueWorker() {
	defer utilruntime.HandleCrash()

	for td.processNextIssueItem() {
	}
}

func (td *throttleData) processNextIssueItem() bool {
	key, quit := td.issueQueue.Get()
	if quit {
		return false
	}
	defer td.issueQueue.Done(key)

	var ready []*block.Bio
	td.queue.Lock()
	for rw := dirRead; rw <= dirWrite; rw++ {
		for {
			bio := td.sq.queued[rw].pop()
			if bio == nil {
				break
			}
			ready = append(ready, bio)
		}
	}
	td.queue.Unlock()

	for _, bio := range ready {
		td.queue.Submit(bio)
	}
	metrics.RegisterIssued(td.queue.Dev.String(), float64(len(ready)))

	return true
}

// tgDrainOne forces all of tg's queued bios one level up, then re-arms
// the receiving stage. Call with the queue lock held.
func (td *throttleData) tgDrainOne(tg *throttleGroup) {
	if tg.fake {
		tg.fakeDev.mu.Lock()
		defer tg.fakeDev.mu.Unlock()
	}

	sq := &tg.sq
	for sq.queued[dirRead].peek() != nil {
		td.tgDispatchOneBio(tg, dirRead)
	}
	for sq.queued[dirWrite].peek() != nil {
		td.tgDispatchOneBio(tg, dirWrite)
	}

	if ptg := sq.parent.tg; ptg != nil {
		if ptg.wasEmpty {
			td.tgUpdateDisptime(ptg)
		}
		td.scheduleNextDispatch(ptg.sq.parent, true)
	}
}

// tgDrainBios dispatches all bios from all children groups pending on
// parentSQ. On return parentSQ has no pending children and all their bios
// sit one level up.
func (td *throttleData) tgDrainBios(parentSQ *serviceQueue) {
	for {
		tg := parentSQ.rbFirst()
		if tg == nil {
			break
		}
		td.dequeueTG(tg)

		if tg.fake {
			tg.fakeDev.mu.Lock()
		}
		sq := &tg.sq
		for sq.queued[dirRead].peek() != nil {
			td.tgDispatchOneBio(tg, dirRead)
		}
		for sq.queued[dirWrite].peek() != nil {
			td.tgDispatchOneBio(tg, dirWrite)
		}
		if tg.fake {
			tg.fakeDev.mu.Unlock()
		}
	}
}

// DrainQueue dispatches every currently throttled bio on q directly,
// bypassing the limits. Group state is left queue-empty; new bios
// re-enter throttling as normal.
func (e *Engine) DrainQueue(q *block.RequestQueue) {
	td := e.lookupTD(q)
	if td == nil {
		return
	}

	// Snapshot the group tree children-first before taking the queue
	// lock; the engine lock never nests inside it.
	e.mu.RLock()
	var groups []*Cgroup
	walkGroupsPost(e.root, func(cg *Cgroup) {
		groups = append(groups, cg)
	})
	e.mu.RUnlock()

	q.Lock()

	// Walk groups children-first so every level's bios are propagated
	// before its parent is drained, then finish at the device root.
	for _, cg := range groups {
		cg.mu.Lock()
		if tg, ok := cg.tgs[q]; ok {
			td.tgDrainBios(&tg.sq)
		}
		cg.mu.Unlock()
	}
	td.tgDrainBios(&td.sq)

	var ready []*block.Bio
	for rw := dirRead; rw <= dirWrite; rw++ {
		for {
			bio := td.sq.queued[rw].pop()
			if bio == nil {
				break
			}
			ready = append(ready, bio)
		}
	}

	q.Unlock()

	for _, bio := range ready {
		q.Submit(bio)
	}
}

// removeFDMember drops tg from the device's member list.
func (td *throttleData) removeFDMember(tg *throttleGroup) {
	for i, m := range td.fdMembers {
		if m == tg {
			td.fdMembers = append(td.fdMembers[:i], td.fdMembers[i+1:]...)
			return
		}
	}
}

// ExitQueue deactivates throttling for q. The queue must have been
// drained first; remaining state is destroyed.
func (e *Engine) ExitQueue(q *block.RequestQueue) {
	e.mu.Lock()
	td := e.tds[q]
	if td == nil {
		e.mu.Unlock()
		return
	}
	delete(e.tds, q)
	groups := make([]*Cgroup, 0, len(e.groups)+1)
	groups = append(groups, e.root)
	for _, cg := range e.groups {
		groups = append(groups, cg)
	}
	e.mu.Unlock()

	td.issueQueue.ShutDown()

	q.Lock()
	for _, cg := range groups {
		cg.mu.Lock()
		if tg, ok := cg.tgs[q]; ok {
			td.dequeueTG(tg)
			tg.sq.exit()
			delete(cg.tgs, q)
		}
		for _, fd := range cg.fakeDevs {
			fd.mu.Lock()
			for i := 0; i < len(fd.members); {
				m := fd.members[i]
				if m.queue != q {
					i++
					continue
				}
				td.dequeueTG(m.tg)
				m.tg.sq.exit()
				fd.members = append(fd.members[:i], fd.members[i+1:]...)
			}
			fd.mu.Unlock()
		}
		cg.mu.Unlock()
	}
	td.sq.exit()
	q.Unlock()

	klog.V(2).Infof("Exited throttling for queue %s", q.Name)
}
