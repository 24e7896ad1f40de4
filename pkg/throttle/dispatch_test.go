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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caoyingjunz/blkio-throttler/pkg/block"
)

// queueBios force-queues n bios of the given direction on tg.
func queueBios(td *throttleData, tg *throttleGroup, dir block.Direction, n int, size uint64) []*block.Bio {
	var bios []*block.Bio
	td.queue.Lock()
	defer td.queue.Unlock()
	for i := 0; i < n; i++ {
		bio := &block.Bio{Dir: dir, Size: size, Group: tg.cg.name}
		td.nrQueued[dirIndex(dir)]++
		td.addBioTG(bio, nil, tg)
		bios = append(bios, bio)
	}
	return bios
}

func TestDispatchTGQuantumSplit(t *testing.T) {
	e, _, reg := newTestEngine(t)
	q, _ := addTestQueue(t, e, reg, "sda", 8, 0)
	_, err := e.CreateGroup("g1", "")
	require.NoError(t, err)
	tg := mustTG(t, e, q, "g1")
	td := e.lookupTD(q)

	queueBios(td, tg, block.DirRead, 10, 4096)
	queueBios(td, tg, block.DirWrite, 5, 4096)

	// no limits: the per-round quantum caps at 6 reads and 2 writes
	q.Lock()
	nr := td.dispatchTG(tg)
	q.Unlock()

	assert.Equal(t, uint(8), nr)
	assert.Equal(t, uint(4), queuedBios(q, tg, dirRead))
	assert.Equal(t, uint(3), queuedBios(q, tg, dirWrite))

	q.Lock()
	defer q.Unlock()
	assert.Equal(t, uint(6), td.sq.nrQueued[dirRead])
	assert.Equal(t, uint(2), td.sq.nrQueued[dirWrite])
}

func TestDispatchTGStopsWhenOverBudget(t *testing.T) {
	e, _, reg := newTestEngine(t)
	q, _ := addTestQueue(t, e, reg, "sda", 8, 0)
	_, err := e.CreateGroup("g1", "")
	require.NoError(t, err)
	tg := mustTG(t, e, q, "g1")
	td := e.lookupTD(q)

	q.Lock()
	tg.bps[dirRead] = mib
	tg.updateHasRules()
	q.Unlock()

	queueBios(td, tg, block.DirRead, 6, kib64)

	// the first 100ms window allows 104857 bytes: one 64KiB bio fits,
	// the second does not
	q.Lock()
	nr := td.dispatchTG(tg)
	q.Unlock()

	assert.Equal(t, uint(1), nr)
	assert.Equal(t, uint(5), queuedBios(q, tg, dirRead))
}

func TestSelectDispatchQuantumCap(t *testing.T) {
	e, _, reg := newTestEngine(t)
	q, _ := addTestQueue(t, e, reg, "sda", 8, 0)
	_, err := e.CreateGroup("g1", "")
	require.NoError(t, err)
	tg := mustTG(t, e, q, "g1")
	td := e.lookupTD(q)

	queueBios(td, tg, block.DirRead, 40, 4096)

	q.Lock()
	td.tgUpdateDisptime(tg)
	nr := td.selectDispatch(&td.sq)
	q.Unlock()

	// 6 reads per group round; the invocation stops at the first round
	// crossing the total quantum of 32
	assert.Equal(t, uint(36), nr)
	assert.Equal(t, uint(4), queuedBios(q, tg, dirRead))
}

func TestSelectDispatchHonorsDisptimeOrder(t *testing.T) {
	e, _, reg := newTestEngine(t)
	q, _ := addTestQueue(t, e, reg, "sda", 8, 0)
	for _, name := range []string{"g1", "g2"} {
		_, err := e.CreateGroup(name, "")
		require.NoError(t, err)
	}
	tg1 := mustTG(t, e, q, "g1")
	tg2 := mustTG(t, e, q, "g2")
	td := e.lookupTD(q)

	bios1 := queueBios(td, tg1, block.DirRead, 1, 4096)
	bios2 := queueBios(td, tg2, block.DirRead, 1, 4096)

	q.Lock()
	// g2 is due earlier than g1; both windows are open
	td.dequeueTG(tg1)
	tg1.disptime = testBase.Add(-10 * time.Millisecond)
	td.enqueueTG(tg1)
	td.dequeueTG(tg2)
	tg2.disptime = testBase.Add(-20 * time.Millisecond)
	td.enqueueTG(tg2)

	td.selectDispatch(&td.sq)

	issued := td.sq.queued[dirRead]
	first := issued.pop()
	second := issued.pop()
	q.Unlock()

	assert.Same(t, bios2[0], first)
	assert.Same(t, bios1[0], second)
}

func TestTgUpdateDisptimeClearsWasEmpty(t *testing.T) {
	e, _, reg := newTestEngine(t)
	q, _ := addTestQueue(t, e, reg, "sda", 8, 0)
	_, err := e.CreateGroup("g1", "")
	require.NoError(t, err)
	tg := mustTG(t, e, q, "g1")
	td := e.lookupTD(q)

	q.Lock()
	tg.bps[dirRead] = mib
	tg.updateHasRules()
	tg.startNewSlice(dirRead, testBase)
	tg.bytesDisp[dirRead] = 2 * mib
	q.Unlock()

	queueBios(td, tg, block.DirRead, 1, kib64)
	q.Lock()
	defer q.Unlock()
	require.True(t, tg.wasEmpty)

	td.tgUpdateDisptime(tg)
	assert.False(t, tg.wasEmpty)
	assert.True(t, tg.disptime.After(testBase))
	assert.True(t, tg.pending)
}

func TestHierarchicalDispatchClimbsToParent(t *testing.T) {
	e, _, reg := newTestEngine(t, WithHierarchy(true))
	q, _ := addTestQueue(t, e, reg, "sda", 8, 0)
	_, err := e.CreateGroup("parent", "")
	require.NoError(t, err)
	_, err = e.CreateGroup("child", "parent")
	require.NoError(t, err)

	child := mustTG(t, e, q, "child")
	parent := mustTG(t, e, q, "parent")
	td := e.lookupTD(q)

	require.Same(t, parent, child.parentTG())
	require.Same(t, e.LookupGroup("root").tgs[q], parent.parentTG())

	queueBios(td, child, block.DirRead, 1, 4096)

	q.Lock()
	defer q.Unlock()
	td.tgDispatchOneBio(child, dirRead)

	// the bio moved one level up, onto the parent group
	assert.Equal(t, uint(0), child.sq.nrQueued[dirRead])
	assert.Equal(t, uint(1), parent.sq.nrQueued[dirRead])
	assert.True(t, parent.pending)
	assert.True(t, parent.wasEmpty)
}
