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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRegistryLookupByNumber(t *testing.T) {
	r := NewRegistry()
	sda := NewRequestQueue("sda", DeviceNumber{Major: 8, Minor: 0}, nil)
	sdb := NewRequestQueue("sdb", DeviceNumber{Major: 8, Minor: 16}, nil)
	require.NoError(t, r.AddQueue(sda))
	require.NoError(t, r.AddQueue(sdb))

	q, part, err := r.GetQueueByNumber(DeviceNumber{Major: 8, Minor: 0})
	require.NoError(t, err)
	assert.Same(t, sda, q)
	assert.Zero(t, part)

	// minors inside the reserved range resolve to the disk with the
	// partition index
	q, part, err = r.GetQueueByNumber(DeviceNumber{Major: 8, Minor: 3})
	require.NoError(t, err)
	assert.Same(t, sda, q)
	assert.Equal(t, uint32(3), part)

	q, part, err = r.GetQueueByNumber(DeviceNumber{Major: 8, Minor: 17})
	require.NoError(t, err)
	assert.Same(t, sdb, q)
	assert.Equal(t, uint32(1), part)

	_, _, err = r.GetQueueByNumber(DeviceNumber{Major: 9, Minor: 0})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRegistryRejectsCollisions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddQueue(NewRequestQueue("sda", DeviceNumber{Major: 8, Minor: 0}, nil)))

	err := r.AddQueue(NewRequestQueue("sda", DeviceNumber{Major: 65, Minor: 0}, nil))
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	// 8:8 falls into sda's partition range
	err = r.AddQueue(NewRequestQueue("sdx", DeviceNumber{Major: 8, Minor: 8}, nil))
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	require.NoError(t, r.AddQueue(NewRequestQueue("sdb", DeviceNumber{Major: 8, Minor: 16}, nil)))
}

func TestRegistryGetQueues(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddQueue(NewRequestQueue("sdb", DeviceNumber{Major: 8, Minor: 16}, nil)))
	require.NoError(t, r.AddQueue(NewRequestQueue("sda", DeviceNumber{Major: 8, Minor: 0}, nil)))
	require.NoError(t, r.AddQueue(NewRequestQueue("nvme0n1", DeviceNumber{Major: 259, Minor: 0}, nil)))

	queues := r.GetQueues()
	require.Len(t, queues, 3)
	assert.Equal(t, "sda", queues[0].Name)
	assert.Equal(t, "sdb", queues[1].Name)
	assert.Equal(t, "nvme0n1", queues[2].Name)
}

func TestRegistryDelete(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddQueue(NewRequestQueue("sda", DeviceNumber{Major: 8, Minor: 0}, nil)))
	require.NoError(t, r.DeleteQueue("sda"))
	require.NoError(t, r.DeleteQueue("sda"))

	_, err := r.GetQueueByName("sda")
	assert.Equal(t, codes.NotFound, status.Code(err))
}
