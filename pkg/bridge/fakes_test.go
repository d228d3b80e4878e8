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

package bridge

import (
	"fmt"
	"net"
	"sync"
)

// fakeDP is an in-memory stand-in for the kernel datapath adapter,
// sufficient to exercise Reconciler and Engine without a real kernel.
type fakeDP struct {
	mu      sync.Mutex
	name    string
	ports   map[string]int32
	nextIdx int32
}

func newFakeDP() *fakeDP {
	return &fakeDP{ports: make(map[string]int32), nextIdx: 1}
}

func (d *fakeDP) CreateOrOpen(name string) error { d.name = name; return nil }
func (d *fakeDP) Delete() error                  { return nil }

func (d *fakeDP) PortList() ([]DPPort, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DPPort, 0, len(d.ports))
	for name, idx := range d.ports {
		out = append(out, DPPort{DPIfIdx: idx, Name: name})
	}
	return out, nil
}

func (d *fakeDP) PortAdd(name string, _ DPPortFlags) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx, ok := d.ports[name]; ok {
		return idx, nil
	}
	idx := d.nextIdx
	d.nextIdx++
	d.ports[name] = idx
	return idx, nil
}

func (d *fakeDP) PortDel(dpIfIdx int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, idx := range d.ports {
		if idx == dpIfIdx {
			delete(d.ports, name)
			return nil
		}
	}
	return nil
}

func (d *fakeDP) PortGetName(dpIfIdx int32) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, idx := range d.ports {
		if idx == dpIfIdx {
			return name, nil
		}
	}
	return "", fmt.Errorf("no such port %d", dpIfIdx)
}

func (d *fakeDP) FlowFlush() error                               { return nil }
func (d *fakeDP) NetflowIDs() (uint8, uint8, error)              { return 0, 0, nil }
func (d *fakeDP) EnumerateAll() ([]string, error)                { return []string{d.name}, nil }

// fakeNET is a stand-in netdev handle; carrier defaults to up.
type fakeNET struct {
	mu            sync.Mutex
	carrier       bool
	mac           net.HardwareAddr
	reconfigCalls []NetOptions
}

func newFakeNET() *fakeNET { return &fakeNET{carrier: true} }

func (n *fakeNET) Open(string, string, NetOptions, bool, bool) error { return nil }
func (n *fakeNET) Reconfigure(opts NetOptions) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reconfigCalls = append(n.reconfigCalls, opts)
	return nil
}
func (n *fakeNET) GetCarrier() (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.carrier, nil
}
func (n *fakeNET) setCarrier(up bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.carrier = up
}
func (n *fakeNET) GetEtherAddr() (net.HardwareAddr, error) { return n.mac, nil }
func (n *fakeNET) SetEtherAddr(mac net.HardwareAddr) error { n.mac = mac; return nil }
func (n *fakeNET) GetVLANVid() (uint16, bool, error)       { return 0, false, nil }
func (n *fakeNET) SetPolicing(int64, int64) error          { return nil }
func (n *fakeNET) SetFlagsUp() error                       { return nil }
func (n *fakeNET) SetIn4(net.IP, net.IP) error             { return nil }
func (n *fakeNET) AddRouter(net.IP) error                  { return nil }

// fakeOFProto is a stand-in OpenFlow switch: it records revalidated tags
// and sent packets for assertions.
type fakeOFProto struct {
	mu         sync.Mutex
	dpid       uint64
	revalidate []Tag
	sent       []Flow
	controller *ControllerConfig
}

func newFakeOFProto() *fakeOFProto { return &fakeOFProto{} }

func (f *fakeOFProto) Create(string, Hooks) error { return nil }
func (f *fakeOFProto) Destroy() error             { return nil }
func (f *fakeOFProto) Run1() error                { return nil }
func (f *fakeOFProto) Run2(bool) error             { return nil }
func (f *fakeOFProto) Wait()                       {}

func (f *fakeOFProto) SetDatapathID(id uint64) error { f.dpid = id; return nil }
func (f *fakeOFProto) SetMgmtID(uint64) error        { return nil }
func (f *fakeOFProto) SetController(cfg *ControllerConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controller = cfg
	return nil
}
func (f *fakeOFProto) SetInBand(bool) error                 { return nil }
func (f *fakeOFProto) SetDiscovery(bool, string, bool) error { return nil }
func (f *fakeOFProto) SetFailure(bool) error                { return nil }
func (f *fakeOFProto) SetProbeInterval(int) error           { return nil }
func (f *fakeOFProto) SetMaxBackoff(int) error              { return nil }
func (f *fakeOFProto) SetRateLimit(int, int) error          { return nil }
func (f *fakeOFProto) SetNetflow(*NetflowConfig) error      { return nil }

func (f *fakeOFProto) AddFlow(Flow, uint32, int, []Action, int) error { return nil }
func (f *fakeOFProto) FlushFlows() error                              { return nil }
func (f *fakeOFProto) Revalidate(tag Tag) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revalidate = append(f.revalidate, tag)
}
func (f *fakeOFProto) GetRevalidateSet() []Tag { return f.revalidate }
func (f *fakeOFProto) GetAllFlows() []Flow     { return nil }
func (f *fakeOFProto) SendPacket(flow Flow, _ []Action, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, flow)
	return nil
}
func (f *fakeOFProto) GetDatapathID() uint64 { return f.dpid }

func fakeFactory(dps map[string]*fakeDP) Factory {
	return Factory{
		NewDP: func(name string) (DP, error) {
			d := newFakeDP()
			dps[name] = d
			return d, nil
		},
		NewNET:     func() NET { return newFakeNET() },
		NewOFProto: func() OFProto { return newFakeOFProto() },
	}
}
