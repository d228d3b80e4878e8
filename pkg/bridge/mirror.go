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
	"reflect"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Reconcile replaces the mirror set's contents with desired, dropping
// (and logging) any mirror that fails validation, then recomputes every
// port's src_mirrors/dst_mirrors bitmask. Reports whether anything
// changed -- callers use this to decide whether to set bridge.flush.
func (ms *MirrorSet) Reconcile(br *Bridge, desired []*Mirror, rl *rateLimitedLog) bool {
	portNames := sets.NewString()
	for _, p := range br.Ports {
		portNames.Insert(p.Name)
	}

	var accepted [MaxMirrors]*Mirror
	n := 0
	for _, m := range desired {
		if n >= MaxMirrors {
			rl.Warnf("mirror.overflow", "bridge %q: dropping mirror %q, bridge already carries %d mirrors", br.Name, m.Name, MaxMirrors)
			continue
		}
		if !validMirror(m, portNames) {
			rl.Warnf("mirror.invalid", "bridge %q: dropping invalid mirror %q", br.Name, m.Name)
			continue
		}
		accepted[n] = m
		n++
	}

	changed := !sameMirrors(ms.Mirrors, accepted)
	ms.Mirrors = accepted

	recomputePortMasks(br, ms)
	return changed
}

// validMirror reports whether m can be installed: it must name an
// existing output port (if any is named) and must specify at least one
// of output port or output VLAN.
func validMirror(m *Mirror, portNames sets.String) bool {
	if m.OutputPort == nil && m.OutputVLAN == nil {
		return false
	}
	if m.OutputPort != nil && !portNames.Has(*m.OutputPort) {
		return false
	}
	return true
}

func sameMirrors(a, b [MaxMirrors]*Mirror) bool {
	for i := range a {
		if (a[i] == nil) != (b[i] == nil) {
			return false
		}
		if a[i] != nil && !reflect.DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// recomputePortMasks rebuilds every port's src_mirrors/dst_mirrors
// bitmask from scratch against the current mirror set.
func recomputePortMasks(br *Bridge, ms *MirrorSet) {
	for _, p := range br.Ports {
		p.SrcMirrors = 0
		p.DstMirrors = 0
		p.IsMirrorOutputPort = false
	}
	for i, m := range ms.Mirrors {
		if m == nil {
			continue
		}
		bit := MirrorMask(1) << uint(i)
		for _, p := range br.Ports {
			if mirrorMatchesSrc(m, p) {
				p.SrcMirrors |= bit
			}
			if mirrorMatchesDst(m, p) {
				p.DstMirrors |= bit
			}
			if m.OutputPort != nil && *m.OutputPort == p.Name {
				p.IsMirrorOutputPort = true
			}
		}
	}
}

func mirrorMatchesSrc(m *Mirror, p *Port) bool {
	if m.isSelectAll() {
		return true
	}
	return m.SrcPorts[p.Name]
}

func mirrorMatchesDst(m *Mirror, p *Port) bool {
	if m.isSelectAll() {
		return true
	}
	return m.DstPorts[p.Name]
}
