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
	"github.com/caoyingjunz/blkio-throttler/pkg/block"
)

// To implement hierarchical throttling, throttle groups form a tree and
// bios are dispatched upwards level by level until they reach the top and
// get issued. When dispatching bios from the children and local group at
// each level, if the bios were dispatched into a single list, a single
// busy source could fill the list and starve the others.
//
// To avoid such starvation, dispatched bios are queued separately
// according to where they came from: bios are queued to a qnode which in
// turn is queued to a service queue, and popped in round-robin order.
type qnode struct {
	tg   *throttleGroup
	bios []*block.Bio

	// linked is true while the qnode sits on some queued[] list.
	linked bool
}

func (qn *qnode) init(tg *throttleGroup) {
	qn.tg = tg
	qn.bios = nil
	qn.linked = false
}

// qlist is an ordered list of active qnodes, one per contributing source
// group.
type qlist struct {
	nodes []*qnode
}

// addBio appends bio to qn and links qn at the tail of queued if it is
// not already on it.
func (ql *qlist) addBio(bio *block.Bio, qn *qnode) {
	qn.bios = append(qn.bios, bio)
	if !qn.linked {
		ql.nodes = append(ql.nodes, qn)
		qn.linked = true
	}
}

// peek returns the first bio on the first qnode, or nil if the list is
// empty.
func (ql *qlist) peek() *block.Bio {
	if len(ql.nodes) == 0 {
		return nil
	}
	qn := ql.nodes[0]
	if len(qn.bios) == 0 {
		return nil
	}
	return qn.bios[0]
}

// pop pops the first bio from the first qnode. After popping, the first
// qnode is unlinked if empty or moved to the end of the list so that the
// popping order is round-robin between sources.
func (ql *qlist) pop() *block.Bio {
	if len(ql.nodes) == 0 {
		return nil
	}
	qn := ql.nodes[0]
	if len(qn.bios) == 0 {
		return nil
	}
	bio := qn.bios[0]
	qn.bios = qn.bios[1:]

	if len(qn.bios) == 0 {
		ql.nodes = ql.nodes[1:]
		qn.linked = false
	} else {
		ql.nodes = append(ql.nodes[1:], qn)
	}

	return bio
}

func (ql *qlist) empty() bool {
	return len(ql.nodes) == 0
}
