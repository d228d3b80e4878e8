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
	"crypto/sha1" //nolint:gosec // fingerprint, not a security boundary
	"encoding/binary"
	"math/rand"
	"net"
	"sort"
	"time"

	log "github.com/Sirupsen/logrus"
	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
)

// Factory constructs the external collaborators a newly-created bridge
// needs. Supplying this at Reconciler construction keeps RECON itself
// free of any concrete DP/NET/OFProto implementation.
type Factory struct {
	NewDP      func(bridgeName string) (DP, error)
	NewNET     func() NET
	NewOFProto func() OFProto
}

// Reconciler is C5: it drives the live bridge/port/interface/mirror
// topology registered in the process-wide registry towards a Config.
type Reconciler struct {
	factory Factory
	rl      *rateLimitedLog
}

// NewReconciler builds a Reconciler that uses factory to construct
// collaborators for bridges it creates, logging non-fatal errors
// through rl.
func NewReconciler(factory Factory, rl *rateLimitedLog) *Reconciler {
	return &Reconciler{factory: factory, rl: rl}
}

// Reconcile runs all seven phases against cfg. Every phase error is
// logged and the phase continues with the next bridge/port -- per-call
// success is not the correctness criterion, eventual convergence is.
func (r *Reconciler) Reconcile(cfg *Config) error {
	r.phase1BridgeDiff(cfg)

	for i := range cfg.Bridges {
		bc := &cfg.Bridges[i]
		br, ok := lookupBridge(bc.Name)
		if !ok {
			continue
		}
		r.phase2PortDiff(br, bc)
		r.phase3DatapathPorts(br)
		r.phase4BindInterfaces(br)
		r.phase5AddressAndDatapathID(br, bc)
		r.phase6NetflowControllerMirrors(br, bc)
		r.phase7FinalInterfaceProperties(br)
	}
	return nil
}

func (r *Reconciler) phase1BridgeDiff(cfg *Config) {
	desired := make(map[string]*BridgeConfig, len(cfg.Bridges))
	for i := range cfg.Bridges {
		desired[cfg.Bridges[i].Name] = &cfg.Bridges[i]
	}

	for _, name := range registeredBridgeNames() {
		if _, ok := desired[name]; ok {
			continue
		}
		br, ok := lookupBridge(name)
		if !ok {
			continue
		}
		if err := br.OFProto.Destroy(); err != nil {
			r.rl.Warnf("recon.destroy", "bridge %q: destroying ofproto: %v", name, err)
		}
		if err := br.DP.Delete(); err != nil {
			r.rl.Warnf("recon.destroy", "bridge %q: deleting datapath: %v", name, err)
		}
		unregisterBridge(name)
	}

	for name, bc := range desired {
		if _, ok := lookupBridge(name); ok {
			continue
		}
		br, err := r.createBridge(bc)
		if err != nil {
			r.rl.Errorf("recon.create", "bridge %q: %v", name, errors.Wrap(err, "create"))
			continue
		}
		registerBridge(br)
	}
}

func (r *Reconciler) createBridge(bc *BridgeConfig) (*Bridge, error) {
	dp, err := r.factory.NewDP(bc.Name)
	if err != nil {
		return nil, errors.Wrap(err, "constructing datapath")
	}
	if err := dp.CreateOrOpen(bc.Name); err != nil {
		return nil, errors.Wrap(err, "opening datapath")
	}

	br := &Bridge{
		Name:           bc.Name,
		DefaultEA:      randomLocalMAC(),
		dpIfIdxToIface: make(map[int32]*Interface),
		ML:             NewMacTable(DefaultMacAgeTime, 0),
		MS:             &MirrorSet{},
		DP:             dp,
		OFProto:        r.factory.NewOFProto(),
	}

	hooks := Hooks{
		OnPortChange: func(reason PortChangeReason, desc PortDesc) { br.handlePortChange(reason, desc) },
		OnNormalFlow: func(flow Flow, hasPacket bool, tags *[]Tag) ([]Action, uint16, bool) {
			return br.OnNormalFlow(flow, hasPacket, tags)
		},
		OnAccount:    func(flow Flow, actions []Action, n uint64) { br.OnAccount(flow, actions, n) },
		OnCheckpoint: func() { br.OnCheckpoint(time.Now()) },
	}
	if err := br.OFProto.Create(bc.Name, hooks); err != nil {
		return nil, errors.Wrap(err, "creating ofproto")
	}
	return br, nil
}

// handlePortChange reacts to an unexpected-disappearance: an interface
// vanished from DP. The engine destroys it and flushes flows.
func (br *Bridge) handlePortChange(reason PortChangeReason, desc PortDesc) {
	if reason != PortDisappeared {
		return
	}
	for _, p := range br.Ports {
		for i, iface := range p.Ifaces {
			if iface.DPIfIdx != desc.DPIfIdx {
				continue
			}
			log.Warnf("bridge %q: interface %q disappeared from datapath", br.Name, iface.Name)
			delete(br.dpIfIdxToIface, desc.DPIfIdx)
			p.Ifaces = removeIfaceAt(p.Ifaces, i)
			br.Flush = true
			return
		}
	}
}

func (r *Reconciler) phase2PortDiff(br *Bridge, bc *BridgeConfig) {
	desired := make(map[string]*PortConfig, len(bc.Ports))
	seenIfaceNames := make(map[string]string) // iface name -> owning port name
	for i := range bc.Ports {
		pc := &bc.Ports[i]
		if _, dup := desired[pc.Name]; dup {
			r.rl.Warnf("recon.dupport", "bridge %q: duplicate port %q dropped", br.Name, pc.Name)
			continue
		}
		desired[pc.Name] = pc
	}

	kept := br.Ports[:0]
	for _, p := range br.Ports {
		if _, ok := desired[p.Name]; !ok {
			br.Flush = true
			continue
		}
		kept = append(kept, p)
	}
	br.Ports = kept
	reindexPorts(br)

	existing := make(map[string]*Port, len(br.Ports))
	for _, p := range br.Ports {
		existing[p.Name] = p
	}

	names := make([]string, 0, len(desired))
	for name := range desired {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := desired[name]
		p, ok := existing[name]
		if !ok {
			p = &Port{Name: name, Bridge: br, PortIdx: len(br.Ports)}
			br.Ports = append(br.Ports, p)
			br.Flush = true
		}
		applyPortConfig(p, pc, seenIfaceNames, r.rl, br.Name)
		if p.Bond != nil {
			br.HasBondedPorts = true
		}
	}
}

func applyPortConfig(p *Port, pc *PortConfig, seenIfaceNames map[string]string, rl *rateLimitedLog, bridgeName string) {
	if pc.AccessVLAN != nil {
		p.Mode = VLANModeAccess
		p.AccessVLAN = *pc.AccessVLAN
	} else {
		p.Mode = VLANModeTrunk
		p.Trunks = VLANSet{}
		for _, v := range pc.Trunks {
			p.Trunks.Set(v)
		}
	}
	p.BondFakeIface = pc.BondFakeIface
	if pc.ConfiguredMAC != "" {
		if mac, err := net.ParseMAC(pc.ConfiguredMAC); err == nil {
			p.ConfiguredMAC = mac
		}
	}

	byName := make(map[string]*Interface, len(p.Ifaces))
	for _, i := range p.Ifaces {
		byName[i.Name] = i
	}

	var ifaces []*Interface
	for _, ic := range pc.Interfaces {
		if owner, dup := seenIfaceNames[ic.Name]; dup && owner != p.Name {
			rl.Warnf("recon.dupiface", "bridge %q: interface %q already claimed by port %q, dropping from %q", bridgeName, ic.Name, owner, p.Name)
			continue
		}
		seenIfaceNames[ic.Name] = p.Name

		iface, ok := byName[ic.Name]
		if !ok {
			iface = &Interface{Name: ic.Name, Port: p, DPIfIdx: NoPort, Tag: newTag()}
		}
		iface.PortIfIdx = len(ifaces)
		iface.Internal = ic.Internal
		iface.VLANVid = ic.VLANVid
		iface.IngressPolicingRate = ic.IngressPolicingRate
		iface.IngressPolicingBurst = ic.IngressPolicingBurst
		if ic.MAC != "" {
			if mac, err := net.ParseMAC(ic.MAC); err == nil {
				iface.MAC = mac
			}
		}
		ifaces = append(ifaces, iface)
	}
	p.Ifaces = ifaces

	if len(p.Ifaces) > 1 {
		if p.Bond == nil {
			p.Bond = &BondGroup{ActiveIfaceIdx: NoPortInt}
		}
		p.Bond.UpDelay = time.Duration(pc.BondUpDelayMS) * time.Millisecond
		p.Bond.DownDelay = time.Duration(pc.BondDownDelayMS) * time.Millisecond
	} else {
		p.Bond = nil
	}
}

// NoPortInt mirrors NoPort for plain-int fields (BondGroup.ActiveIfaceIdx).
const NoPortInt = -1

func reindexPorts(br *Bridge) {
	for i, p := range br.Ports {
		p.PortIdx = i
	}
}

func removeIfaceAt(ifaces []*Interface, i int) []*Interface {
	last := len(ifaces) - 1
	ifaces[i] = ifaces[last]
	ifaces[i].PortIfIdx = i
	return ifaces[:last]
}

func (r *Reconciler) phase3DatapathPorts(br *Bridge) {
	live, err := br.DP.PortList()
	if err != nil {
		r.rl.Warnf("recon.dpportlist", "bridge %q: listing datapath ports: %v", br.Name, err)
		return
	}
	liveByName := make(map[string]bool, len(live))
	for _, lp := range live {
		liveByName[lp.Name] = true
	}

	want := make(map[string]bool)
	internalByName := make(map[string]bool)
	for _, p := range br.Ports {
		for _, iface := range p.Ifaces {
			want[iface.Name] = true
			internalByName[iface.Name] = iface.Internal
		}
		if p.BondFakeIface && p.Bond != nil {
			want[p.Name] = true
			internalByName[p.Name] = true
		}
	}

	for name := range liveByName {
		if want[name] || name == br.Name {
			continue
		}
		dpIfIdx := int32(NoPort)
		for _, lp := range live {
			if lp.Name == name {
				dpIfIdx = lp.DPIfIdx
			}
		}
		if err := br.DP.PortDel(dpIfIdx); err != nil {
			r.rl.Warnf("recon.dpportdel", "bridge %q: deleting datapath port %q: %v", br.Name, name, err)
		}
		br.Flush = true
	}

	for name := range want {
		if liveByName[name] {
			continue
		}
		if _, err := br.DP.PortAdd(name, DPPortFlags{Internal: internalByName[name]}); err != nil {
			r.rl.Warnf("recon.dpportadd", "bridge %q: adding datapath port %q: %v", br.Name, name, err)
			continue
		}
		br.Flush = true
	}
}

func (r *Reconciler) phase4BindInterfaces(br *Bridge) {
	live, err := br.DP.PortList()
	if err != nil {
		r.rl.Warnf("recon.bind", "bridge %q: re-reading datapath ports: %v", br.Name, err)
		return
	}
	dpIfIdxByName := make(map[string]int32, len(live))
	for _, lp := range live {
		dpIfIdxByName[lp.Name] = lp.DPIfIdx
	}

	br.dpIfIdxToIface = make(map[int32]*Interface)
	for _, p := range br.Ports {
		var kept []*Interface
		for _, iface := range p.Ifaces {
			dp, ok := dpIfIdxByName[iface.Name]
			if !ok {
				continue
			}
			if iface.NET == nil {
				iface.NET = r.factory.NewNET()
			}
			if err := iface.NET.Open(iface.Name, "system", nil, true, true); err != nil {
				r.rl.Warnf("recon.netopen", "bridge %q: opening netdev %q: %v", br.Name, iface.Name, err)
				continue
			}
			iface.DPIfIdx = dp
			br.dpIfIdxToIface[dp] = iface
			kept = append(kept, iface)
		}
		for i, iface := range kept {
			iface.PortIfIdx = i
		}
		p.Ifaces = kept
	}

	kept := br.Ports[:0]
	for _, p := range br.Ports {
		if len(p.Ifaces) == 0 {
			br.Flush = true
			continue
		}
		kept = append(kept, p)
	}
	br.Ports = kept
	reindexPorts(br)
}

func (r *Reconciler) phase5AddressAndDatapathID(br *Bridge, bc *BridgeConfig) {
	var override net.HardwareAddr
	if bc.HwAddr != "" {
		if mac, err := net.ParseMAC(bc.HwAddr); err == nil {
			override = mac
		}
	}
	mac, macSrc := pickBridgeMAC(br, override)
	br.DefaultEA = mac

	for _, p := range br.Ports {
		if p.Name != br.Name {
			continue
		}
		for _, iface := range p.Ifaces {
			if iface.NET != nil {
				if err := iface.NET.SetEtherAddr(mac); err != nil {
					r.rl.Warnf("recon.setmac", "bridge %q: setting local port MAC: %v", br.Name, err)
				}
			}
		}
	}

	dpid := pickDatapathID(bc.DatapathIDOverride, mac, macSrc)
	br.DatapathID = dpid
	bc.DatapathIDOverride = dpid
	if err := br.OFProto.SetDatapathID(dpid); err != nil {
		r.rl.Warnf("recon.setdpid", "bridge %q: setting datapath id: %v", br.Name, err)
	}
}

// pickBridgeMAC implements the bridge-MAC selection algorithm: an
// explicit override wins outright; otherwise the lexicographically
// smallest eligible MAC among the bridge's non-mirror-output, non-local
// ports is used, falling back to the bridge's random default. The
// second result is the interface the chosen MAC was sourced from (nil
// for an override or the random default), needed to tell whether the
// MAC came from a VLAN sub-interface when picking a datapath ID.
func pickBridgeMAC(br *Bridge, override net.HardwareAddr) (net.HardwareAddr, *Interface) {
	if len(override) == 6 && !isZeroMAC(override) && !isMulticast(override) {
		return override, nil
	}

	var best net.HardwareAddr
	var bestIface *Interface
	for _, p := range br.Ports {
		if p.IsMirrorOutputPort || p.Name == br.Name {
			continue
		}
		candidate, iface := portRepresentativeMAC(p)
		if candidate == nil || !macEligible(candidate) {
			continue
		}
		if best == nil || macLess(candidate, best) {
			best = candidate
			bestIface = iface
		}
	}
	if best != nil {
		return best, bestIface
	}
	return br.DefaultEA, nil
}

// portRepresentativeMAC is the port's configured MAC if it names one of
// the port's own interfaces, else the MAC of its alphabetically-first
// interface. The returned interface is the one the MAC came from, so
// callers can check it for a VLAN tag.
func portRepresentativeMAC(p *Port) (net.HardwareAddr, *Interface) {
	if len(p.ConfiguredMAC) == 6 {
		for _, iface := range p.Ifaces {
			if iface.MAC.String() == p.ConfiguredMAC.String() {
				return p.ConfiguredMAC, iface
			}
		}
	}
	if len(p.Ifaces) == 0 {
		return nil, nil
	}
	sorted := append([]*Interface(nil), p.Ifaces...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return sorted[0].MAC, sorted[0]
}

func macEligible(mac net.HardwareAddr) bool {
	return len(mac) == 6 && !isMulticast(mac) && !isLocallyAdministered(mac) && !isReservedMulticast(mac) && !isZeroMAC(mac)
}

func macLess(a, b net.HardwareAddr) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// pickDatapathID implements datapath-ID selection: an explicit override
// wins; else, if the chosen bridge MAC came from a VLAN sub-interface,
// the underlying physical MAC is hashed together with the VLAN tag;
// else the MAC is promoted directly to a 64-bit ID.
func pickDatapathID(override uint64, mac net.HardwareAddr, macSrc *Interface) uint64 {
	if override != 0 {
		return override
	}
	if macSrc != nil && macSrc.VLANVid != nil {
		vlan := *macSrc.VLANVid
		data := append(append([]byte(nil), macSrc.MAC...), byte(vlan>>8), byte(vlan))
		return dpidFromHash(data)
	}
	return dpidFromMAC(mac)
}

func dpidFromMAC(mac net.HardwareAddr) uint64 {
	if len(mac) != 6 {
		return 0
	}
	var id uint64
	for _, b := range mac {
		id = id<<8 | uint64(b)
	}
	return id
}

// dpidFromHash hashes data with SHA-1 and promotes the first 8 bytes to
// a 64-bit ID, setting the locally-administered bit on byte 0. Used by
// pickDatapathID when the bridge MAC came from a VLAN sub-interface
// (hashing the underlying physical MAC plus the VLAN tag); a host-UUID
// based variant is not wired since this repo has no UUID source to hash
// against.
func dpidFromHash(data []byte) uint64 {
	sum := sha1.Sum(data) //nolint:gosec
	sum[0] |= 0x02
	return binary.BigEndian.Uint64(sum[:8])
}

func randomLocalMAC() net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	_, _ = rand.Read(mac)
	mac[0] = (mac[0] | 0x02) & 0xfe
	return mac
}

func (r *Reconciler) phase6NetflowControllerMirrors(br *Bridge, bc *BridgeConfig) {
	if bc.Netflow != nil {
		nf := *bc.Netflow
		if engineType, engineID, err := br.DP.NetflowIDs(); err != nil {
			r.rl.Warnf("recon.netflow", "bridge %q: reading netflow engine ids: %v", br.Name, err)
		} else {
			if nf.EngineType == 0 {
				nf.EngineType = engineType
			}
			if nf.EngineID == 0 {
				nf.EngineID = engineID
			}
		}
		if err := br.OFProto.SetNetflow(&nf); err != nil {
			r.rl.Warnf("recon.netflow", "bridge %q: configuring netflow: %v", br.Name, err)
		}
	}

	if bc.Controller != nil {
		cc := *bc.Controller
		if cc.ProbeInterval == 0 {
			cc.ProbeInterval = int(DefaultProbeInterval.Seconds())
		}
		if cc.MaxBackoff == 0 {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = DefaultProbeInterval
			eb.MaxInterval = DefaultMaxBackoff
			cc.MaxBackoff = int(eb.MaxInterval.Seconds())
		}
		if err := br.OFProto.SetController(&cc); err != nil {
			r.rl.Warnf("recon.controller", "bridge %q: configuring controller: %v", br.Name, err)
		}
	} else {
		if err := br.OFProto.SetController(nil); err != nil {
			r.rl.Warnf("recon.controller", "bridge %q: clearing controller: %v", br.Name, err)
		}
	}

	mirrors := make([]*Mirror, 0, len(bc.Mirrors))
	for _, mc := range bc.Mirrors {
		mirrors = append(mirrors, mc.toMirror())
	}
	if br.MS.Reconcile(br, mirrors, r.rl) {
		br.Flush = true
	}
}

func (r *Reconciler) phase7FinalInterfaceProperties(br *Bridge) {
	for _, p := range br.Ports {
		for _, iface := range p.Ifaces {
			if iface.NET == nil {
				continue
			}
			if iface.IngressPolicingRate > 0 {
				if err := iface.NET.SetPolicing(iface.IngressPolicingRate, iface.IngressPolicingBurst); err != nil {
					r.rl.Warnf("recon.policing", "bridge %q: setting policing on %q: %v", br.Name, iface.Name, err)
				}
			}
			if iface.Internal && p.Name != br.Name && len(iface.MAC) == 6 {
				if err := iface.NET.SetEtherAddr(iface.MAC); err != nil {
					r.rl.Warnf("recon.ifacemac", "bridge %q: setting MAC on %q: %v", br.Name, iface.Name, err)
				}
			}
		}
	}
}
