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
	"testing"

	. "github.com/onsi/gomega"
)

func threePortBridge() *Bridge {
	br := &Bridge{Name: "br0", MS: &MirrorSet{}}
	p1 := &Port{Name: "p1", PortIdx: 0, Bridge: br, Mode: VLANModeAccess, AccessVLAN: 10}
	p2 := &Port{Name: "p2", PortIdx: 1, Bridge: br, Mode: VLANModeAccess, AccessVLAN: 10}
	p3 := &Port{Name: "p3", PortIdx: 2, Bridge: br, Mode: VLANModeTrunk}
	p3.Trunks.Set(10)
	p3.Trunks.Set(20)
	br.Ports = []*Port{p1, p2, p3}
	return br
}

func TestMirrorSpanComputesPortMasks(t *testing.T) {
	RegisterTestingT(t)

	br := threePortBridge()
	outPort := "p2"
	m := &Mirror{Name: "m1", SrcPorts: map[string]bool{"p1": true}, OutputPort: &outPort}

	rl := newRateLimitedLog(100, 0)
	changed := br.MS.Reconcile(br, []*Mirror{m}, rl)
	Expect(changed).To(BeTrue())

	Expect(br.Ports[0].SrcMirrors).To(Equal(MirrorMask(1)))
	Expect(br.Ports[1].IsMirrorOutputPort).To(BeTrue())
}

func TestMirrorInvalidOutputPortIsDropped(t *testing.T) {
	RegisterTestingT(t)

	br := threePortBridge()
	outPort := "does-not-exist"
	m := &Mirror{Name: "bad", OutputPort: &outPort}

	rl := newRateLimitedLog(100, 0)
	br.MS.Reconcile(br, []*Mirror{m}, rl)

	Expect(br.MS.Mirrors[0]).To(BeNil())
}

func TestMirrorSelectAllMatchesEveryPort(t *testing.T) {
	RegisterTestingT(t)

	br := threePortBridge()
	outPort := "p3"
	m := &Mirror{Name: "all", OutputPort: &outPort}
	Expect(m.isSelectAll()).To(BeTrue())

	rl := newRateLimitedLog(100, 0)
	br.MS.Reconcile(br, []*Mirror{m}, rl)

	Expect(br.Ports[0].SrcMirrors).To(Equal(MirrorMask(1)))
	Expect(br.Ports[1].SrcMirrors).To(Equal(MirrorMask(1)))
}

func TestMirrorMustSpecifyOutput(t *testing.T) {
	RegisterTestingT(t)

	br := threePortBridge()
	m := &Mirror{Name: "no-output", SrcPorts: map[string]bool{"p1": true}}

	rl := newRateLimitedLog(100, 0)
	br.MS.Reconcile(br, []*Mirror{m}, rl)

	Expect(br.MS.Mirrors[0]).To(BeNil())
}
