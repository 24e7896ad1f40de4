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
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/caoyingjunz/blkio-throttler/pkg/block"
)

// RootGroup is the name the empty bio association resolves to.
const RootGroup = "root"

// Cgroup is one control group. It owns one throttle group per device it
// has touched plus its fake devices. The group lock guards both and nests
// inside the queue lock.
type Cgroup struct {
	name   string
	parent *Cgroup

	mu       sync.Mutex
	tgs      map[*block.RequestQueue]*throttleGroup
	fakeDevs []*FakeDevice
	children []*Cgroup
}

func (cg *Cgroup) Name() string { return cg.name }

func newCgroup(name string, parent *Cgroup) *Cgroup {
	cg := &Cgroup{
		name:   name,
		parent: parent,
		tgs:    make(map[*block.RequestQueue]*throttleGroup),
	}
	if parent != nil {
		parent.children = append(parent.children, cg)
	}
	return cg
}

// LookupGroup returns the named group, nil when it does not exist. The
// empty name resolves to the root group.
func (e *Engine) LookupGroup(name string) *Cgroup {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lookupGroupLocked(name)
}

func (e *Engine) lookupGroupLocked(name string) *Cgroup {
	if name == "" || name == RootGroup {
		return e.root
	}
	return e.groups[name]
}

// CreateGroup creates a group under the named parent; an empty parent
// attaches it to the root group.
func (e *Engine) CreateGroup(name, parent string) (*Cgroup, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if name == "" || name == RootGroup {
		return nil, status.Errorf(codes.InvalidArgument, "invalid group name %q", name)
	}
	if _, exist := e.groups[name]; exist {
		return nil, status.Errorf(codes.AlreadyExists, "group %s already exists", name)
	}
	pcg := e.lookupGroupLocked(parent)
	if pcg == nil {
		return nil, status.Errorf(codes.NotFound, "parent group %s does not exist", parent)
	}

	cg := newCgroup(name, pcg)
	e.groups[name] = cg

	return cg, nil
}

// DeleteGroup takes the group offline: its queued bios are forced one
// level up (to the device for issue, or onto the parent group in
// hierarchical mode), its throttle groups and fake device members
// destroyed. Groups with children cannot be deleted.
func (e *Engine) DeleteGroup(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cg, exist := e.groups[name]
	if !exist {
		return status.Errorf(codes.NotFound, "group %s does not exist", name)
	}
	if len(cg.children) > 0 {
		return status.Errorf(codes.FailedPrecondition, "group %s still has child groups", name)
	}

	// Queue lock first, group lock inside: the reverse double lock dance
	// of the offline path.
	for q, td := range e.tds {
		q.Lock()
		cg.mu.Lock()

		if tg, ok := cg.tgs[q]; ok {
			td.tgDrainOne(tg)
			td.dequeueTG(tg)
			tg.sq.exit()
			delete(cg.tgs, q)
		}
		for _, fd := range cg.fakeDevs {
			for i, m := range fd.members {
				if m.queue != q {
					continue
				}
				td.tgDrainOne(m.tg)
				td.dequeueTG(m.tg)
				m.tg.sq.exit()
				td.removeFDMember(m.tg)
				fd.mu.Lock()
				fd.members = append(fd.members[:i], fd.members[i+1:]...)
				fd.mu.Unlock()
				break
			}
		}

		cg.mu.Unlock()
		q.Unlock()

		td.kickIssueWorker()
	}

	if pcg := cg.parent; pcg != nil {
		for i, child := range pcg.children {
			if child == cg {
				pcg.children = append(pcg.children[:i], pcg.children[i+1:]...)
				break
			}
		}
	}
	delete(e.groups, name)

	return nil
}

// walkGroupsPre walks cg's subtree pre-order.
func walkGroupsPre(cg *Cgroup, fn func(*Cgroup)) {
	fn(cg)
	for _, child := range cg.children {
		walkGroupsPre(child, fn)
	}
}

// walkGroupsPost walks cg's subtree post-order, children before parents.
func walkGroupsPost(cg *Cgroup, fn func(*Cgroup)) {
	for _, child := range cg.children {
		walkGroupsPost(child, fn)
	}
	fn(cg)
}
