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

package router

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"github.com/caoyingjunz/blkio-throttler/pkg/block"
	"github.com/caoyingjunz/blkio-throttler/pkg/throttle"
)

const (
	version     = "v1.0.0"
	versionPath = "/version"

	apiPrefix   = "/blkio"
	groupsPath  = apiPrefix + "/groups"
	groupPath   = groupsPath + "/:group"
	filePath    = groupPath + "/:file"
	devicesPath = apiPrefix + "/devices"
)

var (
	engine   *throttle.Engine
	registry block.Registry
	submit   block.SubmitFunc
)

type groupRequest struct {
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`
}

type deviceRequest struct {
	Name  string `json:"name"`
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

// InstallHttpRoute wires the throttling configuration surface onto route.
func InstallHttpRoute(route *httprouter.Router, e *throttle.Engine, r block.Registry, s block.SubmitFunc) {
	engine = e
	registry = r
	submit = s

	route.GET(versionPath, handleVersion)
	route.POST(groupsPath, handleCreateGroup)
	route.DELETE(groupPath, handleDeleteGroup)
	route.GET(filePath, handleReadConf)
	route.PUT(filePath, handleWriteConf)
	route.POST(devicesPath, handleAddDevice)
}

func handleVersion(resp http.ResponseWriter, req *http.Request, params httprouter.Params) {
	fmt.Fprint(resp, version)
}

// writeError maps typed engine errors onto HTTP status codes.
func writeError(resp http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch status.Code(err) {
	case codes.InvalidArgument:
		code = http.StatusBadRequest
	case codes.NotFound:
		code = http.StatusNotFound
	case codes.AlreadyExists:
		code = http.StatusConflict
	case codes.FailedPrecondition:
		code = http.StatusPreconditionFailed
	case codes.Unavailable:
		code = http.StatusServiceUnavailable
	case codes.ResourceExhausted:
		code = http.StatusInsufficientStorage
	}
	http.Error(resp, err.Error(), code)
}

func handleCreateGroup(resp http.ResponseWriter, req *http.Request, params httprouter.Params) {
	var gr groupRequest
	if err := json.NewDecoder(req.Body).Decode(&gr); err != nil {
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	klog.Infof("Creating throttle group %q under %q", gr.Name, gr.Parent)
	if _, err := engine.CreateGroup(gr.Name, gr.Parent); err != nil {
		writeError(resp, err)
		return
	}
	resp.WriteHeader(http.StatusCreated)
}

func handleDeleteGroup(resp http.ResponseWriter, req *http.Request, params httprouter.Params) {
	group := params.ByName("group")

	klog.Infof("Deleting throttle group %q", group)
	if err := engine.DeleteGroup(group); err != nil {
		writeError(resp, err)
		return
	}
	resp.WriteHeader(http.StatusNoContent)
}

func handleWriteConf(resp http.ResponseWriter, req *http.Request, params httprouter.Params) {
	group := params.ByName("group")
	file := params.ByName("file")

	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	klog.V(2).Infof("Writing %q to %s of group %q", string(body), file, group)
	if err := engine.WriteConf(group, file, string(body)); err != nil {
		writeError(resp, err)
		return
	}
	resp.WriteHeader(http.StatusNoContent)
}

func handleReadConf(resp http.ResponseWriter, req *http.Request, params httprouter.Params) {
	out, err := engine.ReadConf(params.ByName("group"), params.ByName("file"))
	if err != nil {
		writeError(resp, err)
		return
	}
	resp.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(resp, out)
}

func handleAddDevice(resp http.ResponseWriter, req *http.Request, params httprouter.Params) {
	var dr deviceRequest
	if err := json.NewDecoder(req.Body).Decode(&dr); err != nil {
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	q := block.NewRequestQueue(dr.Name, block.DeviceNumber{Major: dr.Major, Minor: dr.Minor}, submit)
	if err := registry.AddQueue(q); err != nil {
		writeError(resp, err)
		return
	}
	if err := engine.InitQueue(q); err != nil {
		writeError(resp, err)
		return
	}

	klog.Infof("Registered device %s (%s)", dr.Name, q.Dev)
	resp.WriteHeader(http.StatusCreated)
}
