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
	"fmt"
	"sync"
	"syscall"
)

// DeviceNumber identifies a block device the way the kernel does.
//
// # ls -l /dev/sda
// brw-rw---- 1 root disk 8, 0 Jun  9 15:16 /dev/sda
type DeviceNumber struct {
	Major uint32
	Minor uint32
}

func (d DeviceNumber) String() string {
	return fmt.Sprintf("%d:%d", d.Major, d.Minor)
}

// GetDeviceNumber resolves a device node path to its major:minor pair.
func GetDeviceNumber(deviceName string) (DeviceNumber, error) {
	stat := syscall.Stat_t{}
	if err := syscall.Stat(deviceName, &stat); err != nil {
		return DeviceNumber{}, err
	}
	return DeviceNumber{
		Major: uint32(stat.Rdev / 256),
		Minor: uint32(stat.Rdev % 256),
	}, nil
}

// SubmitFunc hands a ready bio back to the block layer, the
// generic_make_request equivalent.
type SubmitFunc func(*Bio)

// RequestQueue is the per-device dispatch target. The embedded mutex is
// the queue lock: it guards every throttle group, service queue and token
// bucket rooted at this device.
//
// Partitions is the number of minor numbers reserved after Dev.Minor for
// partitions of this disk; configuration referencing one of them is
// rejected by the lookup path.
type RequestQueue struct {
	Name       string
	Dev        DeviceNumber
	Partitions uint32

	mu     sync.Mutex
	submit SubmitFunc

	stateMu   sync.Mutex
	dying     bool
	bypassing bool
}

// NewRequestQueue returns a queue submitting ready bios through submit.
func NewRequestQueue(name string, dev DeviceNumber, submit SubmitFunc) *RequestQueue {
	return &RequestQueue{
		Name:       name,
		Dev:        dev,
		Partitions: 15,
		submit:     submit,
	}
}

// Lock acquires the queue lock.
func (q *RequestQueue) Lock() { q.mu.Lock() }

// Unlock releases the queue lock.
func (q *RequestQueue) Unlock() { q.mu.Unlock() }

// Submit issues bio to the device. Must be called without the queue lock.
func (q *RequestQueue) Submit(bio *Bio) {
	if q.submit != nil {
		q.submit(bio)
	}
}

func (q *RequestQueue) Dying() bool {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	return q.dying
}

func (q *RequestQueue) SetDying(dying bool) {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	q.dying = dying
}

func (q *RequestQueue) Bypassing() bool {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	return q.bypassing
}

func (q *RequestQueue) SetBypassing(bypassing bool) {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	q.bypassing = bypassing
}
