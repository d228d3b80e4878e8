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

import "net"

// DPPortFlags requests properties of a port created on a datapath.
type DPPortFlags struct {
	Internal bool
}

// DPPort is one entry of a datapath's live port table.
type DPPort struct {
	DPIfIdx int32
	Name    string
}

// DP is the kernel datapath adapter: a fast-path packet mover with a port
// table. A concrete implementation would drive the kernel's datapath
// interface directly (the intended backend is the ovsdb/netlink surface
// fronted elsewhere in the ecosystem by packages such as
// github.com/contiv/ofnet/ovsdbDriver and github.com/contiv/libovsdb);
// CORE only ever talks to this interface.
type DP interface {
	// CreateOrOpen creates the named datapath if absent, or opens it.
	CreateOrOpen(name string) error
	// Delete destroys the datapath. ENOENT-equivalent errors on an
	// already-absent datapath are non-fatal.
	Delete() error

	// PortList returns the datapath's live port table.
	PortList() ([]DPPort, error)
	// PortAdd creates a port. Returns a datapath-exhaustion error
	// (EFBIG-equivalent) when the port-number space is exhausted.
	PortAdd(name string, flags DPPortFlags) (int32, error)
	// PortDel removes a port by dp_ifidx. Non-fatal if already absent.
	PortDel(dpIfIdx int32) error
	// PortGetName resolves a dp_ifidx to its current device name.
	PortGetName(dpIfIdx int32) (string, error)

	// FlowFlush purges every cached flow decision in the datapath.
	FlowFlush() error
	// NetflowIDs returns the (engine_type, engine_id) pair this datapath
	// reports for NetFlow export.
	NetflowIDs() (engineType, engineID uint8, err error)
	// EnumerateAll lists every datapath name known to the system.
	EnumerateAll() ([]string, error)
}

// NetOptions carries device-type-specific netdev configuration.
type NetOptions map[string]string

// NET is the network-device adapter. A concrete implementation would wrap
// the host's netdev layer (the intended backend is something like
// github.com/vishvananda/netlink); CORE only ever talks to this interface.
type NET interface {
	// Open opens (or, if mayCreate, creates) the named device.
	Open(name, devType string, options NetOptions, mayCreate, mayOpen bool) error
	// Reconfigure applies updated device options to an already-open device.
	Reconfigure(options NetOptions) error

	GetCarrier() (bool, error)
	GetEtherAddr() (net.HardwareAddr, error)
	SetEtherAddr(mac net.HardwareAddr) error
	GetVLANVid() (vid uint16, ok bool, err error)
	SetPolicing(rateKbps, burstKb int64) error
	SetFlagsUp() error
	SetIn4(ip, mask net.IP) error
	AddRouter(gw net.IP) error
}

// TLSConfig is the OpenFlow controller's TLS material. A nil *TLSConfig
// on a ControllerConfig means "no SSL/TLS", and is itself a valid
// transition target -- removing SSL is an ordinary diff, not a special
// case.
type TLSConfig struct {
	PrivateKeyPath  string
	CertificatePath string
	CACertPath      string
}

// ControllerConfig describes how the OpenFlow switch should reach its
// controller.
type ControllerConfig struct {
	Target        string
	TLS           *TLSConfig
	InBand        bool
	FailOpen      bool
	ProbeInterval int
	MaxBackoff    int
	RateLimit     int
	Burst         int
}

// NetflowConfig describes NetFlow export parameters.
type NetflowConfig struct {
	Collectors    []string
	ActiveTimeout int
	EngineType    uint8
	EngineID      uint8
	AddIDToIface  bool
}

// PortChangeReason distinguishes the two directions on_port_change fires.
type PortChangeReason int

//nolint
const (
	PortAppeared PortChangeReason = iota
	PortDisappeared
)

// PortDesc is the datapath-reported description accompanying a port
// change notification.
type PortDesc struct {
	DPIfIdx int32
	Name    string
}

// Hooks is the capability set passed to the ofproto collaborator at
// construction so the switch can call back into the forwarding engine;
// no dynamic dispatch is required within the engine itself.
type Hooks struct {
	OnPortChange func(reason PortChangeReason, desc PortDesc)
	OnNormalFlow func(flow Flow, hasPacket bool, tags *[]Tag) (actions []Action, nfOutputIface uint16, ok bool)
	OnAccount    func(flow Flow, actions []Action, nBytes uint64)
	OnCheckpoint func()
}

// OFProto is the OpenFlow switch collaborator. A concrete implementation
// would be backed by an OpenFlow controller client such as
// github.com/contiv/libOpenflow together with github.com/contiv/ofnet;
// CORE only ever talks to this interface, and constructs it with a Hooks
// value so the switch can call back into the forwarding pipeline.
type OFProto interface {
	Create(name string, hooks Hooks) error
	Destroy() error

	Run1() error
	Run2(flush bool) error
	Wait()

	SetDatapathID(id uint64) error
	SetMgmtID(id uint64) error
	SetController(cfg *ControllerConfig) error
	SetInBand(enabled bool) error
	SetDiscovery(enabled bool, regex string, updateResolvConf bool) error
	SetFailure(failOpen bool) error
	SetProbeInterval(seconds int) error
	SetMaxBackoff(seconds int) error
	SetRateLimit(rate, burst int) error
	SetNetflow(cfg *NetflowConfig) error

	AddFlow(flow Flow, wildcards uint32, priority int, actions []Action, idleTimeout int) error
	FlushFlows() error
	Revalidate(tag Tag)
	GetRevalidateSet() []Tag
	GetAllFlows() []Flow
	SendPacket(flow Flow, actions []Action, packet []byte) error
	GetDatapathID() uint64
}
