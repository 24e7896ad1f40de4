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

package wrapper

import (
	"sync"

	"github.com/caoyingjunz/blkio-throttler/pkg/block"
)

type BioWrapper struct{ block.Bio }

func MakeBio() *BioWrapper {
	return &BioWrapper{block.Bio{Dir: block.DirRead, Size: 4096}}
}

// Obj returns the wrapped bio
func (b *BioWrapper) Obj() *block.Bio {
	return &b.Bio
}

func (b *BioWrapper) WithDir(dir block.Direction) *BioWrapper {
	b.Dir = dir
	return b
}

func (b *BioWrapper) WithSize(size uint64) *BioWrapper {
	b.Size = size
	return b
}

func (b *BioWrapper) WithGroup(group string) *BioWrapper {
	b.Group = group
	return b
}

type QueueWrapper struct{ q *block.RequestQueue }

func MakeQueue(name string, major, minor uint32) *QueueWrapper {
	return &QueueWrapper{block.NewRequestQueue(name, block.DeviceNumber{Major: major, Minor: minor}, nil)}
}

// Obj returns the wrapped request queue
func (w *QueueWrapper) Obj() *block.RequestQueue {
	return w.q
}

func (w *QueueWrapper) WithSubmit(submit block.SubmitFunc) *QueueWrapper {
	w.q = block.NewRequestQueue(w.q.Name, w.q.Dev, submit)
	return w
}

// BioSink collects submitted bios so tests can observe what the engine
// issued and in which order.
type BioSink struct {
	mu   sync.Mutex
	bios []*block.Bio
}

func NewBioSink() *BioSink {
	return &BioSink{}
}

func (s *BioSink) Submit(bio *block.Bio) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bios = append(s.bios, bio)
}

func (s *BioSink) Bios() []*block.Bio {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*block.Bio, len(s.bios))
	copy(out, s.bios)
	return out
}

func (s *BioSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bios)
}

// Bytes returns the total size of collected bios in dir.
func (s *BioSink) Bytes(dir block.Direction) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uint64
	for _, bio := range s.bios {
		if bio.Dir == dir {
			total += bio.Size
		}
	}
	return total
}

// Reset drops collected bios.
func (s *BioSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bios = nil
}
