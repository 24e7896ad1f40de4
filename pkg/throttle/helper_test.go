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

	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/caoyingjunz/blkio-throttler/pkg/block"
	"github.com/caoyingjunz/blkio-throttler/testing/wrapper"
)

// 测试环境为 1 device + fake clock
var testBase = time.Date(2022, time.June, 9, 15, 16, 0, 0, time.UTC)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *clocktesting.FakeClock, block.Registry) {
	t.Helper()

	fc := clocktesting.NewFakeClock(testBase)
	reg := block.NewRegistry()
	opts = append([]Option{WithClock(fc), WithHierarchy(false)}, opts...)
	return New(reg, opts...), fc, reg
}

func addTestQueue(t *testing.T, e *Engine, reg block.Registry, name string, major, minor uint32) (*block.RequestQueue, *wrapper.BioSink) {
	t.Helper()

	sink := wrapper.NewBioSink()
	q := block.NewRequestQueue(name, block.DeviceNumber{Major: major, Minor: minor}, sink.Submit)
	require.NoError(t, reg.AddQueue(q))
	require.NoError(t, e.InitQueue(q))
	return q, sink
}

// mustTG materializes the group's throttle group on q.
func mustTG(t *testing.T, e *Engine, q *block.RequestQueue, group string) *throttleGroup {
	t.Helper()

	cg := e.LookupGroup(group)
	require.NotNil(t, cg)
	td := e.lookupTD(q)
	require.NotNil(t, td)

	q.Lock()
	defer q.Unlock()
	tg := td.lookupCreateTG(cg)
	require.NotNil(t, tg)
	return tg
}

func readBio(size uint64, group string) *block.Bio {
	return wrapper.MakeBio().WithDir(block.DirRead).WithSize(size).WithGroup(group).Obj()
}

func writeBio(size uint64, group string) *block.Bio {
	return wrapper.MakeBio().WithDir(block.DirWrite).WithSize(size).WithGroup(group).Obj()
}

// queuedBios reads tg's queued counter under the queue lock.
func queuedBios(q *block.RequestQueue, tg *throttleGroup, rw int) uint {
	q.Lock()
	defer q.Unlock()
	return tg.sq.nrQueued[rw]
}

// stepUntil walks the fake clock to target in small increments so every
// armed timer fires close to its expiry.
func stepUntil(fc *clocktesting.FakeClock, target time.Time, inc time.Duration) {
	for fc.Now().Before(target) {
		fc.Step(inc)
		time.Sleep(time.Millisecond)
	}
}

func eventuallyCount(t *testing.T, sink *wrapper.BioSink, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sink.Count() == want
	}, 3*time.Second, 5*time.Millisecond, "expected %d issued bios, got %d", want, sink.Count())
}
