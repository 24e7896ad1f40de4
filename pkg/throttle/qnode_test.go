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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caoyingjunz/blkio-throttler/pkg/block"
)

func TestQlistFIFOWithinOneSource(t *testing.T) {
	var ql qlist
	var qn qnode
	qn.init(nil)

	bios := []*block.Bio{readBio(1, ""), readBio(2, ""), readBio(3, "")}
	for _, bio := range bios {
		ql.addBio(bio, &qn)
	}

	for _, want := range bios {
		assert.Same(t, want, ql.peek())
		assert.Same(t, want, ql.pop())
	}
	assert.Nil(t, ql.peek())
	assert.True(t, ql.empty())
	assert.False(t, qn.linked)
}

func TestQlistRoundRobinAcrossSources(t *testing.T) {
	var ql qlist
	var qa, qb qnode
	qa.init(nil)
	qb.init(nil)

	a1, a2 := readBio(1, "a"), readBio(2, "a")
	b1 := readBio(1, "b")

	ql.addBio(a1, &qa)
	ql.addBio(a2, &qa)
	ql.addBio(b1, &qb)

	// popping from a leaves bios behind, so a rotates to the tail and b
	// gets the next turn
	require.Same(t, a1, ql.pop())
	require.Same(t, b1, ql.pop())
	require.Same(t, a2, ql.pop())
	assert.True(t, ql.empty())
}

func TestQlistRelinkAfterDrain(t *testing.T) {
	var ql qlist
	var qn qnode
	qn.init(nil)

	ql.addBio(readBio(1, ""), &qn)
	require.NotNil(t, ql.pop())
	require.False(t, qn.linked)

	// a drained qnode can serve a new burst
	bio := readBio(2, "")
	ql.addBio(bio, &qn)
	assert.True(t, qn.linked)
	assert.Same(t, bio, ql.pop())
}
