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
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/caoyingjunz/blkio-throttler/pkg/block"
)

// Per control group configuration files. Writes take one line per device.
//
// throttle.rw_bps_device:          per cgroup per device, R&W combined, in bps
// throttle.rw_iops_device:         per cgroup per device, R&W combined, in iops
// throttle.hybrid_read_bps_device: per cgroup fake device, read limit, in bps
const (
	ReadBpsDevice  = "throttle.read_bps_device"
	WriteBpsDevice = "throttle.write_bps_device"
	RwBpsDevice    = "throttle.rw_bps_device"

	ReadIopsDevice  = "throttle.read_iops_device"
	WriteIopsDevice = "throttle.write_iops_device"
	RwIopsDevice    = "throttle.rw_iops_device"

	HybridReadBpsDevice  = "throttle.hybrid_read_bps_device"
	HybridWriteBpsDevice = "throttle.hybrid_write_bps_device"

	IoServiceBytes = "throttle.io_service_bytes"
	IoServiced     = "throttle.io_serviced"
)

type confFile struct {
	dir    int
	isIops bool
	isFD   bool
	isStat bool
}

var confFiles = map[string]confFile{
	ReadBpsDevice:        {dir: dirRead},
	WriteBpsDevice:       {dir: dirWrite},
	RwBpsDevice:          {dir: dirRandW},
	ReadIopsDevice:       {dir: dirRead, isIops: true},
	WriteIopsDevice:      {dir: dirWrite, isIops: true},
	RwIopsDevice:         {dir: dirRandW, isIops: true},
	HybridReadBpsDevice:  {dir: dirRead, isFD: true},
	HybridWriteBpsDevice: {dir: dirWrite, isFD: true},
	IoServiceBytes:       {isStat: true},
	IoServiced:           {isStat: true},
}

const (
	confRetryInterval = 10 * time.Millisecond
	confRetryTimeout  = time.Second
)

// parseDevice resolves a MAJOR:MINOR token against the registry. Whole
// disks only; partitions are rejected.
func (e *Engine) parseDevice(token string) (*block.RequestQueue, error) {
	var major, minor uint32
	if n, err := fmt.Sscanf(token, "%d:%d", &major, &minor); err != nil || n != 2 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid device number %q", token)
	}

	q, part, err := e.registry.GetQueueByNumber(block.DeviceNumber{Major: major, Minor: minor})
	if err != nil {
		return nil, err
	}
	if part != 0 {
		return nil, status.Errorf(codes.InvalidArgument, "device %s is a partition", token)
	}

	return q, nil
}

// prepQueue waits out a bypassing queue before configuration is applied
// against it; a dying queue fails immediately.
func (e *Engine) prepQueue(q *block.RequestQueue) error {
	var err error
	waitErr := wait.PollImmediate(confRetryInterval, confRetryTimeout, func() (bool, error) {
		if q.Dying() {
			err = status.Errorf(codes.FailedPrecondition, "queue %s is dying", q.Name)
			return false, err
		}
		return !q.Bypassing(), nil
	})
	if err != nil {
		return err
	}
	if waitErr != nil {
		return status.Errorf(codes.Unavailable, "queue %s is bypassing", q.Name)
	}
	return nil
}

// WriteConf applies one configuration line to the named group's file.
// The value 0 means "no limit".
func (e *Engine) WriteConf(group, file, input string) error {
	cf, ok := confFiles[file]
	if !ok {
		return status.Errorf(codes.InvalidArgument, "unknown configuration file %q", file)
	}
	if cf.isStat {
		return status.Errorf(codes.InvalidArgument, "%s is read-only", file)
	}

	cg := e.LookupGroup(group)
	if cg == nil {
		return status.Errorf(codes.NotFound, "group %s does not exist", group)
	}

	if cf.isFD {
		return e.writeFDConf(cg, cf, input)
	}
	return e.writeTGConf(cg, cf, input)
}

func (e *Engine) writeTGConf(cg *Cgroup, cf confFile, input string) error {
	fields := strings.Fields(input)
	if len(fields) != 2 {
		return status.Errorf(codes.InvalidArgument, "expected \"MAJOR:MINOR VALUE\", got %q", input)
	}

	q, err := e.parseDevice(fields[0])
	if err != nil {
		return err
	}
	var v int64
	if n, err := fmt.Sscanf(fields[1], "%d", &v); err != nil || n != 1 || v < 0 {
		return status.Errorf(codes.InvalidArgument, "invalid limit value %q", fields[1])
	}
	if v == 0 {
		v = noLimit
	}

	if err := e.prepQueue(q); err != nil {
		return err
	}
	td := e.lookupTD(q)
	if td == nil {
		return status.Errorf(codes.FailedPrecondition, "queue %s is not throttled", q.Name)
	}

	// Snapshot the subtree before taking the queue lock; the engine lock
	// never nests inside it.
	e.mu.RLock()
	var subtree []*Cgroup
	walkGroupsPre(cg, func(c *Cgroup) {
		subtree = append(subtree, c)
	})
	e.mu.RUnlock()

	q.Lock()
	defer q.Unlock()

	tg := td.lookupCreateTG(cg)
	if tg == nil {
		return status.Errorf(codes.FailedPrecondition, "queue %s is dying", q.Name)
	}

	if cf.isIops {
		tg.iops[cf.dir] = v
	} else {
		tg.bps[cf.dir] = v
	}

	klog.V(2).Infof("throtl group %q on %s: limit change rbps=%d wbps=%d rwbps=%d riops=%d wiops=%d rwiops=%d",
		cg.name, q.Name, tg.bps[dirRead], tg.bps[dirWrite], tg.bps[dirRandW],
		tg.iops[dirRead], tg.iops[dirWrite], tg.iops[dirRandW])

	// A group has rules when it or any ancestor does; recompute over the
	// whole subtree, parents before children, so unrestricted groups
	// keep their bypass.
	for _, c := range subtree {
		c.mu.Lock()
		if ctg, ok := c.tgs[q]; ok {
			ctg.updateHasRules()
		}
		c.mu.Unlock()
	}

	// Restart the slices for every direction, not just the written one.
	// A limit may have been dropped suddenly, and recently dispatched
	// I/O must not be accounted against the new low rate.
	now := e.clock.Now()
	for rw := dirRead; rw < dirCount; rw++ {
		tg.startNewSlice(rw, now)
	}

	if tg.pending {
		td.tgUpdateDisptime(tg)
		td.scheduleNextDispatch(tg.sq.parent, true)
	}

	return nil
}

func (e *Engine) writeFDConf(cg *Cgroup, cf confFile, input string) error {
	fields := strings.Fields(input)
	if len(fields) != 3 {
		return status.Errorf(codes.InvalidArgument, "expected \"MAJOR:MINOR FD_ID VALUE\", got %q", input)
	}

	q, err := e.parseDevice(fields[0])
	if err != nil {
		return err
	}
	var fdID uint32
	if n, err := fmt.Sscanf(fields[1], "%d", &fdID); err != nil || n != 1 {
		return status.Errorf(codes.InvalidArgument, "invalid fake device id %q", fields[1])
	}
	var v int64
	if n, err := fmt.Sscanf(fields[2], "%d", &v); err != nil || n != 1 || v < 0 {
		return status.Errorf(codes.InvalidArgument, "invalid limit value %q", fields[2])
	}
	if v == 0 {
		v = noLimit
	}

	if err := e.prepQueue(q); err != nil {
		return err
	}
	td := e.lookupTD(q)
	if td == nil {
		return status.Errorf(codes.FailedPrecondition, "queue %s is not throttled", q.Name)
	}

	q.Lock()
	defer q.Unlock()
	cg.mu.Lock()
	defer cg.mu.Unlock()

	fd := cg.fdLookupCreate(e, fdID)
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.memberLookupCreate(e, q, td)

	if cf.isIops {
		fd.tg.iops[cf.dir] = v
	} else {
		fd.tg.bps[cf.dir] = v
	}

	klog.V(2).Infof("throtl group %q fake device %d: limit change rbps=%d wbps=%d rwbps=%d",
		cg.name, fdID, fd.tg.bps[dirRead], fd.tg.bps[dirWrite], fd.tg.bps[dirRandW])

	// The member groups inherit the header limits on every update.
	fd.updateHasRulesRecursively()

	now := e.clock.Now()
	for rw := dirRead; rw < dirCount; rw++ {
		fd.startNewSliceRecursively(rw, now)
	}

	pending := false
	for _, m := range fd.members {
		if m.tg.pending {
			pending = true
			break
		}
	}
	if pending {
		fd.tgUpdateDisptimeRecursively(td, now)
		for _, m := range fd.members {
			if m.tg.td == td && m.tg.pending {
				td.scheduleNextDispatch(m.tg.sq.parent, true)
			}
		}
	}

	return nil
}

// ReadConf renders the named group's file. Non-configured fields yield
// empty output.
func (e *Engine) ReadConf(group, file string) (string, error) {
	cf, ok := confFiles[file]
	if !ok {
		return "", status.Errorf(codes.InvalidArgument, "unknown configuration file %q", file)
	}

	cg := e.LookupGroup(group)
	if cg == nil {
		return "", status.Errorf(codes.NotFound, "group %s does not exist", group)
	}

	if cf.isStat {
		return e.readStats(cg, file), nil
	}
	if cf.isFD {
		// Hybrid files are write-only, matching their kernel cftypes.
		return "", nil
	}

	var sb strings.Builder
	for _, tg := range e.groupTGsByDevice(cg) {
		var v int64
		if cf.isIops {
			v = tg.iops[cf.dir]
		} else {
			v = tg.bps[cf.dir]
		}
		if v == noLimit {
			continue
		}
		fmt.Fprintf(&sb, "%s %d\n", tg.td.queue.Dev, v)
	}

	return sb.String(), nil
}

func (e *Engine) readStats(cg *Cgroup, file string) string {
	var sb strings.Builder
	for _, tg := range e.groupTGsByDevice(cg) {
		stats := tg.stats
		if stats == nil {
			continue
		}
		var vals [2]uint64
		for rw := dirRead; rw <= dirWrite; rw++ {
			if file == IoServiceBytes {
				vals[rw] = atomic.LoadUint64(&stats.serviceBytes[rw])
			} else {
				vals[rw] = atomic.LoadUint64(&stats.serviced[rw])
			}
		}
		dev := tg.td.queue.Dev
		fmt.Fprintf(&sb, "%s Read %d\n", dev, vals[dirRead])
		fmt.Fprintf(&sb, "%s Write %d\n", dev, vals[dirWrite])
		fmt.Fprintf(&sb, "%s Total %d\n", dev, vals[dirRead]+vals[dirWrite])
	}
	return sb.String()
}

// ResetStats zeroes the group's cumulative dispatch statistics.
func (e *Engine) ResetStats(group string) error {
	cg := e.LookupGroup(group)
	if cg == nil {
		return status.Errorf(codes.NotFound, "group %s does not exist", group)
	}
	for _, tg := range e.groupTGsByDevice(cg) {
		tg.resetStats()
	}
	return nil
}

// groupTGsByDevice snapshots the group's throttle groups in device number
// order.
func (e *Engine) groupTGsByDevice(cg *Cgroup) []*throttleGroup {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	tgs := make([]*throttleGroup, 0, len(cg.tgs))
	for _, tg := range cg.tgs {
		tgs = append(tgs, tg)
	}
	sort.Slice(tgs, func(i, j int) bool {
		a, b := tgs[i].td.queue.Dev, tgs[j].td.queue.Dev
		if a.Major != b.Major {
			return a.Major < b.Major
		}
		return a.Minor < b.Minor
	})
	return tgs
}
