/*
Copyright 2021 The Everoute Authors.

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

package main

import (
	"net"

	"github.com/pkg/errors"

	"github.com/ovsbridged/bridge-engine/pkg/bridge"
)

// newKernelDP, newKernelNET and newKernelOFProto are the seam a real
// deployment wires a kernel datapath, netdev, and OpenFlow switch
// implementation into. None of the three talk to an actual kernel or
// vswitchd here; the bridge engine's CORE logic depends only on the
// bridge.DP/NET/OFProto interfaces, never on a concrete driver, so the
// engine, reconciler and forwarding pipeline are fully exercised by the
// package's own tests without one. Standing these up for real means
// driving an OVS-compatible datapath (e.g. via contiv/ofnet and
// contiv/libovsdb) and netlink (vishvananda/netlink); that integration
// is intentionally left outside this repo.
var errBackendNotWired = errors.New("kernel backend not wired into this build")

func newKernelDP(string) (bridge.DP, error) { return nil, errBackendNotWired }
func newKernelNET() bridge.NET              { return unimplementedNET{} }
func newKernelOFProto() bridge.OFProto      { return unimplementedOFProto{} }

type unimplementedNET struct{}

func (unimplementedNET) Open(string, string, bridge.NetOptions, bool, bool) error {
	return errBackendNotWired
}
func (unimplementedNET) Reconfigure(bridge.NetOptions) error   { return errBackendNotWired }
func (unimplementedNET) GetCarrier() (bool, error)             { return false, errBackendNotWired }
func (unimplementedNET) GetEtherAddr() (net.HardwareAddr, error) {
	return nil, errBackendNotWired
}
func (unimplementedNET) SetEtherAddr(net.HardwareAddr) error { return errBackendNotWired }
func (unimplementedNET) GetVLANVid() (uint16, bool, error)   { return 0, false, errBackendNotWired }
func (unimplementedNET) SetPolicing(int64, int64) error      { return errBackendNotWired }
func (unimplementedNET) SetFlagsUp() error                   { return errBackendNotWired }
func (unimplementedNET) SetIn4(net.IP, net.IP) error          { return errBackendNotWired }
func (unimplementedNET) AddRouter(net.IP) error               { return errBackendNotWired }

type unimplementedOFProto struct{}

func (unimplementedOFProto) Create(string, bridge.Hooks) error { return errBackendNotWired }
func (unimplementedOFProto) Destroy() error                    { return errBackendNotWired }
func (unimplementedOFProto) Run1() error                       { return errBackendNotWired }
func (unimplementedOFProto) Run2(bool) error                    { return errBackendNotWired }
func (unimplementedOFProto) Wait()                              {}
func (unimplementedOFProto) SetDatapathID(uint64) error         { return errBackendNotWired }
func (unimplementedOFProto) SetMgmtID(uint64) error             { return errBackendNotWired }
func (unimplementedOFProto) SetController(*bridge.ControllerConfig) error {
	return errBackendNotWired
}
func (unimplementedOFProto) SetInBand(bool) error                 { return errBackendNotWired }
func (unimplementedOFProto) SetDiscovery(bool, string, bool) error { return errBackendNotWired }
func (unimplementedOFProto) SetFailure(bool) error                 { return errBackendNotWired }
func (unimplementedOFProto) SetProbeInterval(int) error            { return errBackendNotWired }
func (unimplementedOFProto) SetMaxBackoff(int) error               { return errBackendNotWired }
func (unimplementedOFProto) SetRateLimit(int, int) error           { return errBackendNotWired }
func (unimplementedOFProto) SetNetflow(*bridge.NetflowConfig) error {
	return errBackendNotWired
}
func (unimplementedOFProto) AddFlow(bridge.Flow, uint32, int, []bridge.Action, int) error {
	return errBackendNotWired
}
func (unimplementedOFProto) FlushFlows() error           { return errBackendNotWired }
func (unimplementedOFProto) Revalidate(bridge.Tag)       {}
func (unimplementedOFProto) GetRevalidateSet() []bridge.Tag { return nil }
func (unimplementedOFProto) GetAllFlows() []bridge.Flow     { return nil }
func (unimplementedOFProto) SendPacket(bridge.Flow, []bridge.Action, []byte) error {
	return errBackendNotWired
}
func (unimplementedOFProto) GetDatapathID() uint64 { return 0 }
