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

package block

import (
	"sort"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Registry interface {
	// GetQueueByNumber resolves a major:minor pair to a registered queue.
	// The second return value is the partition index within the disk; 0
	// means the whole disk.
	GetQueueByNumber(dev DeviceNumber) (*RequestQueue, uint32, error)

	// GetQueueByName retrieves a queue by its device name or returns an
	// error including that name when not found.
	GetQueueByName(name string) (*RequestQueue, error)

	// GetQueues returns all currently registered queues in device
	// number order.
	GetQueues() []*RequestQueue

	// AddQueue registers a queue, or fails if its name or device number
	// range collides with an existing one.
	AddQueue(q *RequestQueue) error

	// DeleteQueue removes the queue with the given name. It is not an
	// error when such a queue does not exist.
	DeleteQueue(name string) error
}

type registry struct {
	queues map[string]*RequestQueue

	lock sync.Mutex
}

var _ Registry = &registry{}

func NewRegistry() Registry {
	return &registry{
		queues: make(map[string]*RequestQueue),
	}
}

func (r *registry) GetQueueByNumber(dev DeviceNumber) (*RequestQueue, uint32, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, q := range r.queues {
		if q.Dev.Major != dev.Major {
			continue
		}
		if dev.Minor >= q.Dev.Minor && dev.Minor <= q.Dev.Minor+q.Partitions {
			return q, dev.Minor - q.Dev.Minor, nil
		}
	}

	return nil, 0, status.Errorf(codes.InvalidArgument, "device %s is not registered", dev)
}

func (r *registry) GetQueueByName(name string) (*RequestQueue, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	q, exist := r.queues[name]
	if !exist {
		return nil, status.Errorf(codes.NotFound, "device %s does not exist in the registry", name)
	}

	return q, nil
}

func (r *registry) GetQueues() []*RequestQueue {
	r.lock.Lock()
	defer r.lock.Unlock()

	var queues []*RequestQueue
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	sort.Slice(queues, func(i, j int) bool {
		if queues[i].Dev.Major != queues[j].Dev.Major {
			return queues[i].Dev.Major < queues[j].Dev.Major
		}
		return queues[i].Dev.Minor < queues[j].Dev.Minor
	})

	return queues
}

func (r *registry) AddQueue(q *RequestQueue) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, exist := r.queues[q.Name]; exist {
		return status.Errorf(codes.AlreadyExists, "device %s already registered", q.Name)
	}
	for _, old := range r.queues {
		if old.Dev.Major != q.Dev.Major {
			continue
		}
		if q.Dev.Minor <= old.Dev.Minor+old.Partitions && old.Dev.Minor <= q.Dev.Minor+q.Partitions {
			return status.Errorf(codes.AlreadyExists, "device number %s overlaps %s", q.Dev, old.Name)
		}
	}
	r.queues[q.Name] = q

	return nil
}

func (r *registry) DeleteQueue(name string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, exist := r.queues[name]; !exist {
		return nil
	}
	delete(r.queues, name)

	return nil
}
