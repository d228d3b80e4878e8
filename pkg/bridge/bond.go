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
	"sort"
	"time"
)

//nolint
const (
	// bondRebalanceRatio is the minimum load ratio between the hottest
	// and coolest slave that triggers a rebalance pass.
	bondRebalanceRatio = 1.03
	// bondRebalanceMinBytes is the minimum absolute byte-count lead (~1
	// Mbit/s over one rebalance interval) that alone triggers a pass.
	bondRebalanceMinBytes = 1_250_000
	// bondShiftMinImprovement is the minimum ratio improvement a single
	// hash migration must deliver to be worth making.
	bondShiftMinImprovement = 0.1
)

// bondHash folds a source MAC down into the bond's 256-entry hash table.
// Not cryptographic -- just a stable, cheap fold, matching the original
// engine's use of a plain byte hash rather than a keyed digest.
func bondHash(mac net.HardwareAddr) int {
	var h uint32 = 2166136261
	for _, b := range mac {
		h ^= uint32(b)
		h *= 16777619
	}
	return int(h & BondHashMask)
}

// linkState classifies a slave's debounce state purely from its
// Enabled/DelayExpires pair (ENABLED/FAILING/DISABLED/RISING) -- there
// is no separate stored state, only these two fields.
type linkState int

//nolint
const (
	linkEnabled linkState = iota
	linkFailing
	linkDisabled
	linkRising
)

func stateOf(i *Interface) linkState {
	switch {
	case i.Enabled && !i.pendingTransition():
		return linkEnabled
	case i.Enabled && i.pendingTransition():
		return linkFailing
	case !i.Enabled && i.pendingTransition():
		return linkRising
	default:
		return linkDisabled
	}
}

// UpdateCarrier feeds a fresh NET.GetCarrier() reading for one slave into
// the carrier debounce state machine, driving ENABLED/FAILING/DISABLED/
// RISING transitions. now is wall-clock time; revalidate is called for
// any tag that must be invalidated as a result (active-slave changes).
func (p *Port) UpdateCarrier(ifaceIdx int, carrierUp bool, now time.Time, updelay, downdelay time.Duration, revalidate func(Tag)) {
	if p.Bond == nil || ifaceIdx < 0 || ifaceIdx >= len(p.Ifaces) {
		return
	}
	iface := p.Ifaces[ifaceIdx]
	if iface.carrier == carrierUp {
		p.tickTransitions(now, revalidate)
		return
	}
	iface.carrier = carrierUp

	switch stateOf(iface) {
	case linkEnabled:
		if !carrierUp {
			iface.DelayExpires = now.Add(downdelay)
		}
	case linkFailing:
		if carrierUp {
			iface.DelayExpires = time.Time{}
		}
	case linkDisabled:
		if carrierUp {
			iface.DelayExpires = now.Add(updelay)
		}
	case linkRising:
		if !carrierUp {
			iface.DelayExpires = time.Time{}
		}
	}
	p.tickTransitions(now, revalidate)
}

// tickTransitions advances every slave whose debounce deadline has
// elapsed, applies the short-circuit immediate-enable rule, and
// re-elects the active slave if the set of ENABLED slaves changed.
func (p *Port) tickTransitions(now time.Time, revalidate func(Tag)) {
	if p.Bond == nil {
		return
	}
	changed := false
	for _, iface := range p.Ifaces {
		if !iface.pendingTransition() || now.Before(iface.DelayExpires) {
			continue
		}
		switch stateOf(iface) {
		case linkFailing:
			iface.Enabled = false
			iface.DelayExpires = time.Time{}
			changed = true
		case linkRising:
			iface.Enabled = true
			iface.DelayExpires = time.Time{}
			changed = true
		}
	}

	if changed && !p.hasEnabledSlave() {
		if promoted := p.earliestRising(); promoted != nil {
			promoted.Enabled = true
			promoted.DelayExpires = time.Time{}
		}
	}

	if changed {
		p.electActiveSlave(now, revalidate)
	}
}

func (p *Port) hasEnabledSlave() bool {
	for _, iface := range p.Ifaces {
		if iface.Enabled {
			return true
		}
	}
	return false
}

// earliestRising returns the RISING slave with the smallest delay
// deadline, used to promote it early when disabling the last active
// slave would otherwise leave the bond with no candidate at all.
func (p *Port) earliestRising() *Interface {
	var best *Interface
	for _, iface := range p.Ifaces {
		if stateOf(iface) != linkRising {
			continue
		}
		if best == nil || iface.DelayExpires.Before(best.DelayExpires) {
			best = iface
		}
	}
	return best
}

// electActiveSlave chooses the first ENABLED interface as active; if
// none is ENABLED, it promotes the interface with the smallest
// DelayExpires early. Any change revalidates ActiveIfaceTag.
func (p *Port) electActiveSlave(now time.Time, revalidate func(Tag)) {
	bg := p.Bond
	var candidate *Interface
	for _, iface := range p.Ifaces {
		if iface.Enabled {
			candidate = iface
			break
		}
	}
	if candidate == nil {
		for _, iface := range p.Ifaces {
			if iface.pendingTransition() && (candidate == nil || iface.DelayExpires.Before(candidate.DelayExpires)) {
				candidate = iface
			}
		}
		if candidate != nil {
			candidate.Enabled = true
			candidate.DelayExpires = time.Time{}
		}
	}

	newIdx := NoPort
	if candidate != nil {
		newIdx = int32(candidate.PortIfIdx)
	}
	if newIdx == int32(bg.ActiveIfaceIdx) {
		return
	}
	oldTag := bg.ActiveIfaceTag
	bg.ActiveIfaceIdx = int(newIdx)
	bg.ActiveIfaceTag = newTag()
	p.bondCompatStale = true
	if oldTag != 0 {
		revalidate(oldTag)
	}
	if newIdx == NoPort && bg.NoIfacesTag == 0 {
		bg.NoIfacesTag = newTag()
	} else if newIdx != NoPort && bg.NoIfacesTag != 0 {
		revalidate(bg.NoIfacesTag)
		bg.NoIfacesTag = 0
	}
}

// ChooseOutputIface resolves the bond slave that should carry a frame
// with the given source MAC, applying hash stickiness: the table entry
// is only reassigned when it is out of range or names a non-ENABLED
// slave. Returns the chosen interface's port_ifidx and accumulates both
// the hash entry's and the interface's tag for revalidation.
func (p *Port) ChooseOutputIface(srcMAC net.HardwareAddr, tags *[]Tag) (int, bool) {
	bg := p.Bond
	h := bondHash(srcMAC)
	entry := &bg.Hash[h]

	if entry.IfaceIdx < 0 || entry.IfaceIdx >= len(p.Ifaces) || !p.Ifaces[entry.IfaceIdx].Enabled {
		candidate := p.activeEnabledIface()
		if candidate == nil {
			if bg.NoIfacesTag == 0 {
				bg.NoIfacesTag = newTag()
			}
			*tags = append(*tags, bg.NoIfacesTag)
			return 0, false
		}
		entry.IfaceIdx = candidate.PortIfIdx
		entry.IfaceTag = newTag()
		p.bondCompatStale = true
	}

	iface := p.Ifaces[entry.IfaceIdx]
	*tags = append(*tags, entry.IfaceTag, iface.Tag)
	return iface.PortIfIdx, true
}

// activeEnabledIface prefers the elected active slave if it is ENABLED,
// else the first ENABLED slave found.
func (p *Port) activeEnabledIface() *Interface {
	if p.Bond.ActiveIfaceIdx >= 0 && p.Bond.ActiveIfaceIdx < len(p.Ifaces) {
		if c := p.Ifaces[p.Bond.ActiveIfaceIdx]; c.Enabled {
			return c
		}
	}
	for _, iface := range p.Ifaces {
		if iface.Enabled {
			return iface
		}
	}
	return nil
}

// AccountBytes adds n bytes to the hash entry a source MAC currently
// resolves to, feeding the rebalancer's load tally.
func (p *Port) AccountBytes(srcMAC net.HardwareAddr, n uint64) {
	if p.Bond == nil {
		return
	}
	h := bondHash(srcMAC)
	p.Bond.Hash[h].TxBytes += n
}

type slaveLoad struct {
	ifaceIdx int
	bytes    uint64
	enabled  bool
}

// Rebalance runs one pass of the EWMA load rebalancer over a bonded
// port's hash table: it shifts hashes from the most-loaded slave to the
// least-loaded while doing so meaningfully narrows the gap, then decays
// every counter by half.
func (p *Port) Rebalance(revalidate func(Tag)) {
	bg := p.Bond
	if bg == nil || len(p.Ifaces) < 2 {
		return
	}

	loads := make(map[int]*slaveLoad, len(p.Ifaces))
	for _, iface := range p.Ifaces {
		loads[iface.PortIfIdx] = &slaveLoad{ifaceIdx: iface.PortIfIdx, enabled: iface.Enabled}
	}
	for i := range bg.Hash {
		e := &bg.Hash[i]
		if l, ok := loads[e.IfaceIdx]; ok {
			l.bytes += e.TxBytes
		}
	}

	for {
		ordered := sortedSlaveLoads(loads)
		if len(ordered) < 2 {
			break
		}
		top, bottom := ordered[0], ordered[len(ordered)-1]
		if !top.enabled || top.bytes == 0 {
			break
		}
		ratio := float64(top.bytes) / maxFloat(1, float64(bottom.bytes))
		lead := int64(top.bytes) - int64(bottom.bytes)
		if ratio < bondRebalanceRatio && lead < bondRebalanceMinBytes {
			break
		}

		hashIdx, ok := bestShiftCandidate(bg, top.ifaceIdx, top.bytes, bottom.bytes)
		if !ok {
			break
		}

		e := &bg.Hash[hashIdx]
		oldTag := e.IfaceTag
		moved := e.TxBytes
		e.IfaceIdx = bottom.ifaceIdx
		e.IfaceTag = newTag()
		p.bondCompatStale = true
		if oldTag != 0 {
			revalidate(oldTag)
		}
		top.bytes -= moved
		bottom.bytes += moved
	}

	for i := range bg.Hash {
		bg.Hash[i].TxBytes /= 2
	}
}

// bestShiftCandidate finds the lowest hash-table index currently
// assigned to fromIface whose migration would improve the load ratio by
// at least bondShiftMinImprovement. The ratio after a move is always
// taken as heavier over lighter, so a move that overshoots and leaves the
// other slave the more loaded one is judged by that new imbalance.
func bestShiftCandidate(bg *BondGroup, fromIface int, topBytes, bottomBytes uint64) (int, bool) {
	before := float64(topBytes) / maxFloat(1, float64(bottomBytes))
	for i := range bg.Hash {
		e := &bg.Hash[i]
		if e.IfaceIdx != fromIface || e.TxBytes == 0 || e.TxBytes >= topBytes {
			continue
		}
		after := float64(topBytes-e.TxBytes) / maxFloat(1, float64(bottomBytes+e.TxBytes))
		if after < 1 {
			after = 1 / after
		}
		if before-after >= bondShiftMinImprovement {
			return i, true
		}
	}
	return 0, false
}

func sortedSlaveLoads(loads map[int]*slaveLoad) []*slaveLoad {
	out := make([]*slaveLoad, 0, len(loads))
	for _, l := range loads {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].enabled != out[j].enabled {
			return out[i].enabled
		}
		return out[i].bytes > out[j].bytes
	})
	return out
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// GratuitousFrame is one benign learning frame the bond emits on a
// slave-change so upstream switches relearn the new egress path.
type GratuitousFrame struct {
	SrcMAC  net.HardwareAddr
	DlType  uint16
	DPIfIdx int32
}

// GratuitousLearningFrames builds one frame per MAC currently learned in
// ml that was not learned on this port, to be sent out the bond's active
// slave. Call after an active-slave change.
func (p *Port) GratuitousLearningFrames(ml *MacTable) []GratuitousFrame {
	if p.Bond == nil || p.Bond.ActiveIfaceIdx < 0 || p.Bond.ActiveIfaceIdx >= len(p.Ifaces) {
		return nil
	}
	dp := p.Ifaces[p.Bond.ActiveIfaceIdx].DPIfIdx
	var frames []GratuitousFrame
	for _, e := range ml.Entries() {
		if e.portIdx == p.PortIdx {
			continue
		}
		frames = append(frames, GratuitousFrame{SrcMAC: e.mac, DlType: GratuitousLearningEthertype, DPIfIdx: dp})
	}
	return frames
}
