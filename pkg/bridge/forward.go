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
	"net"
	"time"
)

// OnNormalFlow is C4, the forwarding decision pipeline: given a parsed
// flow and whether a raw packet accompanies it (nil packet means this is
// a revalidation-only call with no learning opportunity), it produces
// the ordered datapath actions and the NetFlow egress-interface value.
// The bool result is false only for the "refuse to install a flow"
// case -- a unicast miss during revalidation -- which callers must treat
// as a miss, not as a cacheable drop.
func (br *Bridge) OnNormalFlow(flow Flow, hasPacket bool, tags *[]Tag) ([]Action, uint16, bool) {
	iface, ok := br.dpIfIdxToIface[flow.InPort]
	if !ok {
		return nil, 0, true
	}
	inPort := iface.Port

	vlan, ok := effectiveVLAN(inPort, flow.DlVLAN)
	if !ok {
		return nil, 0, true
	}

	if isReservedMulticast(flow.DlDst) {
		return nil, 0, true
	}

	if inPort.IsMirrorOutputPort {
		return nil, 0, true
	}

	if inPort.Bond != nil {
		*tags = append(*tags, inPort.Bond.ActiveIfaceTag)
		if isMulticast(flow.DlDst) && iface.PortIfIdx != inPort.Bond.ActiveIfaceIdx {
			return nil, 0, true
		}
		if learnedPortIdx, found := br.ML.Lookup(flow.DlSrc, vlan); found && learnedPortIdx != inPort.PortIdx {
			if !flow.IsBroadcastARPReply() {
				return nil, 0, true
			}
		}
	}

	if hasPacket {
		if oldTag, moved := br.ML.Learn(flow.DlSrc, vlan, inPort.PortIdx, time.Now()); moved {
			br.OFProto.Revalidate(oldTag)
		}
	}

	egressPortIdx := -1
	flood := true
	if p, found := br.ML.LookupWithTag(flow.DlDst, vlan, tags); found {
		egressPortIdx = p
		flood = false
	} else {
		unicast := !isMulticast(flow.DlDst) && !isBroadcast(flow.DlDst)
		if unicast && !hasPacket {
			return nil, 0, false
		}
	}

	if !flood && egressPortIdx == inPort.PortIdx {
		return nil, 0, true
	}

	dsts := br.composeDsts(inPort, vlan, flood, egressPortIdx)
	dsts = partitionByCurrentVLAN(dsts, flow.DlVLAN)

	actions, nfOut := br.composeActions(dsts, flow, flood, egressPortIdx, tags)
	return actions, nfOut, true
}

// effectiveVLAN resolves the VLAN a frame is logically on once it
// crosses the ingress port: an access port forces its configured VLAN
// and rejects tagged frames; a trunk port requires the frame's own tag
// to be a member of its allowed set.
func effectiveVLAN(p *Port, dlVLAN uint16) (uint16, bool) {
	if p.Mode == VLANModeAccess {
		if dlVLAN != VLANNone && dlVLAN != 0 {
			return 0, false
		}
		return p.AccessVLAN, true
	}
	if !p.Trunks.Contains(dlVLAN) {
		return 0, false
	}
	return dlVLAN, true
}

// composeDsts builds the destination set for a decision: every port
// reached by flood or the single concrete egress port, plus whatever
// mirrors the ingress port's src_mirrors and those ports' dst_mirrors
// bitmasks pull in. Access-port destinations leave untagged.
func (br *Bridge) composeDsts(inPort *Port, vlan uint16, flood bool, egressPortIdx int) []dst {
	var dsts []dst
	seen := make(map[dst]bool)
	workset := inPort.SrcMirrors

	add := func(vlanOut uint16, portIdx int32) {
		if br.Ports[portIdx].Mode == VLANModeAccess {
			vlanOut = VLANNone
		}
		d := dst{vlan: vlanOut, portIdx: portIdx}
		if seen[d] {
			return
		}
		seen[d] = true
		dsts = append(dsts, d)
	}

	if flood {
		for _, p := range br.Ports {
			if p.PortIdx == inPort.PortIdx || p.IsMirrorOutputPort || !p.IncludesVLAN(vlan) {
				continue
			}
			add(vlan, int32(p.PortIdx))
			workset |= p.DstMirrors
		}
	} else {
		p := br.Ports[egressPortIdx]
		add(vlan, int32(p.PortIdx))
		workset |= p.DstMirrors
	}

	for workset != 0 {
		bit := workset.firstSet()
		workset = workset.clear(bit)
		m := br.MS.Mirrors[bit]
		if m == nil || !m.vlanIsMirrored(vlan) {
			continue
		}
		if m.OutputPort != nil {
			for _, p := range br.Ports {
				if p.Name == *m.OutputPort {
					add(vlan, int32(p.PortIdx))
				}
			}
			continue
		}
		if m.OutputVLAN != nil {
			rvlan := *m.OutputVLAN
			for _, p := range br.Ports {
				if !p.IncludesVLAN(rvlan) {
					continue
				}
				if p.PortIdx == inPort.PortIdx && rvlan == vlan {
					continue
				}
				add(rvlan, int32(p.PortIdx))
			}
		}
	}

	return dsts
}

// partitionByCurrentVLAN reorders dsts so entries carrying the frame's
// current 802.1Q tag come first, minimising the number of VLAN set/strip
// actions the action stream needs to emit.
func partitionByCurrentVLAN(dsts []dst, currentVLAN uint16) []dst {
	out := make([]dst, 0, len(dsts))
	for _, d := range dsts {
		if d.vlan == currentVLAN {
			out = append(out, d)
		}
	}
	for _, d := range dsts {
		if d.vlan != currentVLAN {
			out = append(out, d)
		}
	}
	return out
}

// resolveEgressDP resolves a destination port to the concrete dp_ifidx
// that should actually carry the frame, choosing a bond slave by source
// MAC hash for bonded ports, and accumulating every consulted tag.
func resolveEgressDP(p *Port, srcMAC net.HardwareAddr, tags *[]Tag) (int32, bool) {
	if p.Bond != nil {
		ifIdx, ok := p.ChooseOutputIface(srcMAC, tags)
		if !ok {
			return 0, false
		}
		iface := p.Ifaces[ifIdx]
		if iface.DPIfIdx == NoPort {
			return 0, false
		}
		return iface.DPIfIdx, true
	}
	if len(p.Ifaces) == 0 {
		return 0, false
	}
	iface := p.Ifaces[0]
	*tags = append(*tags, iface.Tag)
	if iface.DPIfIdx == NoPort {
		return 0, false
	}
	return iface.DPIfIdx, true
}

// composeActions resolves every destination to a concrete dp_ifidx,
// emitting a VLAN action whenever the destination's VLAN differs from
// whatever VLAN is currently on the stream, followed by an OUTPUT.
func (br *Bridge) composeActions(dsts []dst, flow Flow, flood bool, egressPortIdx int, tags *[]Tag) ([]Action, uint16) {
	var actions []Action
	nfOut := NFOutFlood
	haveNfOut := flood

	current := flow.DlVLAN
	for _, d := range dsts {
		p := br.Ports[d.portIdx]
		dp, ok := resolveEgressDP(p, flow.DlSrc, tags)
		if !ok {
			continue
		}
		if !haveNfOut && int(d.portIdx) == egressPortIdx {
			nfOut = uint16(dp)
			haveNfOut = true
		}
		if d.vlan != current {
			if d.vlan == VLANNone || d.vlan == 0 {
				actions = append(actions, Action{Kind: ActionStripVLAN})
			} else {
				actions = append(actions, Action{Kind: ActionSetVLANVID, VLANVID: d.vlan})
			}
			current = d.vlan
		}
		actions = append(actions, Action{Kind: ActionOutput, DPIfIdx: dp})
	}
	return actions, nfOut
}

// OnAccount is the on_account hook: for every OUTPUT whose egress port
// is bonded, it feeds n bytes into that bond's hash-entry load tally and
// relearns the source MAC so ML stays warm for flows that matched
// entirely inside the datapath.
func (br *Bridge) OnAccount(flow Flow, actions []Action, nBytes uint64) {
	for _, a := range actions {
		if a.Kind != ActionOutput {
			continue
		}
		iface, ok := br.dpIfIdxToIface[a.DPIfIdx]
		if !ok || iface.Port.Bond == nil {
			continue
		}
		iface.Port.AccountBytes(flow.DlSrc, nBytes)
	}

	if inIface, ok := br.dpIfIdxToIface[flow.InPort]; ok {
		vlan, ok := effectiveVLAN(inIface.Port, flow.DlVLAN)
		if ok {
			if oldTag, moved := br.ML.Learn(flow.DlSrc, vlan, inIface.Port.PortIdx, time.Now()); moved {
				br.OFProto.Revalidate(oldTag)
			}
		}
	}
}

// OnCheckpoint is the on_checkpoint hook: if at least BondRebalanceInterval
// has elapsed since the last pass, it rebalances every bonded port and
// advances the deadline.
func (br *Bridge) OnCheckpoint(now time.Time) {
	if !br.HasBondedPorts {
		return
	}
	if now.Before(br.bondNextRebalance) {
		return
	}
	for _, p := range br.Ports {
		if p.Bond == nil {
			continue
		}
		p.Rebalance(br.OFProto.Revalidate)
	}
	br.bondNextRebalance = now.Add(BondRebalanceInterval)
}
