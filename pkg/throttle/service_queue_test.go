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
)

func newPendingFixture(t *testing.T) (*Engine, *throttleData, []*throttleGroup) {
	e, _, reg := newTestEngine(t)
	q, _ := addTestQueue(t, e, reg, "sda", 8, 0)

	var tgs []*throttleGroup
	for _, name := range []string{"g1", "g2", "g3"} {
		_, err := e.CreateGroup(name, "")
		require.NoError(t, err)
		tgs = append(tgs, mustTG(t, e, q, name))
	}

	return e, e.lookupTD(q), tgs
}

func TestPendingTreeOrdering(t *testing.T) {
	_, td, tgs := newPendingFixture(t)
	q := td.queue

	q.Lock()
	defer q.Unlock()

	tgs[0].disptime = testBase.Add(300 * time.Millisecond)
	tgs[1].disptime = testBase.Add(100 * time.Millisecond)
	tgs[2].disptime = testBase.Add(200 * time.Millisecond)
	for _, tg := range tgs {
		td.enqueueTG(tg)
		assert.True(t, tg.pending)
	}
	assert.Equal(t, uint(3), td.sq.nrPending)

	// leftmost is the earliest disptime
	assert.Same(t, tgs[1], td.sq.rbFirst())
	td.sq.updateMinDispatchTime()
	assert.Equal(t, tgs[1].disptime, td.sq.firstPendingDisptime)

	td.dequeueTG(tgs[1])
	assert.False(t, tgs[1].pending)
	assert.Same(t, tgs[2], td.sq.rbFirst())
	td.dequeueTG(tgs[2])
	assert.Same(t, tgs[0], td.sq.rbFirst())
	td.dequeueTG(tgs[0])
	assert.Nil(t, td.sq.rbFirst())
	assert.Zero(t, td.sq.nrPending)
}

func TestPendingTreeTieBreakByInsertionOrder(t *testing.T) {
	_, td, tgs := newPendingFixture(t)
	q := td.queue

	q.Lock()
	defer q.Unlock()

	when := testBase.Add(100 * time.Millisecond)
	for _, tg := range tgs {
		tg.disptime = when
		td.enqueueTG(tg)
	}

	for _, want := range tgs {
		got := td.sq.rbFirst()
		assert.Same(t, want, got)
		td.dequeueTG(got)
	}
}

func TestEnqueueTGIsIdempotent(t *testing.T) {
	_, td, tgs := newPendingFixture(t)
	q := td.queue

	q.Lock()
	defer q.Unlock()

	tgs[0].disptime = testBase
	td.enqueueTG(tgs[0])
	td.enqueueTG(tgs[0])
	assert.Equal(t, uint(1), td.sq.nrPending)

	td.dequeueTG(tgs[0])
	td.dequeueTG(tgs[0])
	assert.Zero(t, td.sq.nrPending)
}

func TestScheduleNextDispatch(t *testing.T) {
	_, td, tgs := newPendingFixture(t)
	q := td.queue

	q.Lock()
	defer q.Unlock()

	// nothing pending: done, no timer
	assert.True(t, td.scheduleNextDispatch(&td.sq, false))
	assert.Nil(t, td.sq.pendingTimer)

	// first disptime in the future: timer armed, done
	tgs[0].disptime = testBase.Add(100 * time.Millisecond)
	td.enqueueTG(tgs[0])
	assert.True(t, td.scheduleNextDispatch(&td.sq, false))
	assert.NotNil(t, td.sq.pendingTimer)
	assert.Equal(t, tgs[0].disptime, td.sq.firstPendingDisptime)

	// window already open: caller should keep dispatching
	td.dequeueTG(tgs[0])
	tgs[0].disptime = testBase.Add(-10 * time.Millisecond)
	td.enqueueTG(tgs[0])
	assert.False(t, td.scheduleNextDispatch(&td.sq, false))

	// unless forced
	assert.True(t, td.scheduleNextDispatch(&td.sq, true))
}
