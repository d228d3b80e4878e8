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
	"time"

	. "github.com/onsi/gomega"
)

func newBondedPort() *Port {
	p := &Port{Name: "p3", Mode: VLANModeTrunk, Bond: &BondGroup{ActiveIfaceIdx: NoPortInt}}
	a := &Interface{Name: "eth3a", Port: p, PortIfIdx: 0, Enabled: true, DPIfIdx: 3, Tag: newTag(), carrier: true}
	b := &Interface{Name: "eth3b", Port: p, PortIfIdx: 1, Enabled: true, DPIfIdx: 4, Tag: newTag(), carrier: true}
	p.Ifaces = []*Interface{a, b}
	p.electActiveSlave(time.Now(), func(Tag) {})
	return p
}

func TestBondFailoverDebounce(t *testing.T) {
	RegisterTestingT(t)

	p := newBondedPort()
	Expect(p.Ifaces[0].Enabled).To(BeTrue())

	downdelay := 200 * time.Millisecond
	t0 := time.Now()

	var revalidated []Tag
	revalidate := func(tag Tag) { revalidated = append(revalidated, tag) }

	p.UpdateCarrier(0, false, t0, 0, downdelay, revalidate)
	Expect(p.Ifaces[0].Enabled).To(BeTrue(), "still ENABLED/FAILING before the deadline")

	p.tickTransitions(t0.Add(100*time.Millisecond), revalidate)
	Expect(p.Ifaces[0].Enabled).To(BeTrue(), "not yet disabled at t=100ms of a 200ms downdelay")

	p.tickTransitions(t0.Add(250*time.Millisecond), revalidate)
	Expect(p.Ifaces[0].Enabled).To(BeFalse(), "disabled at t=250ms")
	Expect(p.Bond.ActiveIfaceIdx).To(Equal(1), "eth3b becomes active")
}

func TestBondShortCircuitPromotesRisingSlaveImmediately(t *testing.T) {
	RegisterTestingT(t)

	p := newBondedPort()
	now := time.Now()
	var revalidated []Tag
	revalidate := func(tag Tag) { revalidated = append(revalidated, tag) }

	// eth3b starts RISING with a long updelay.
	p.Ifaces[1].Enabled = false
	p.Ifaces[1].carrier = true
	p.Ifaces[1].DelayExpires = now.Add(time.Hour)
	p.electActiveSlave(now, revalidate)

	// eth3a, the only ENABLED slave, now goes down and stays down.
	p.UpdateCarrier(0, false, now, 0, 50*time.Millisecond, revalidate)
	p.tickTransitions(now.Add(60*time.Millisecond), revalidate)

	Expect(p.Ifaces[0].Enabled).To(BeFalse())
	Expect(p.Ifaces[1].Enabled).To(BeTrue(), "RISING slave promoted immediately rather than left with no active slave")
}

func TestBondHashStickiness(t *testing.T) {
	RegisterTestingT(t)

	p := newBondedPort()
	src := mac("11:22:33:44:55:66")

	var tags []Tag
	first, ok := p.ChooseOutputIface(src, &tags)
	Expect(ok).To(BeTrue())

	for i := 0; i < 10; i++ {
		again, ok := p.ChooseOutputIface(src, &tags)
		Expect(ok).To(BeTrue())
		Expect(again).To(Equal(first), "hash bucket stays sticky to the same ENABLED slave")
	}
}

func TestBondHashReassignsWhenSlaveDisabled(t *testing.T) {
	RegisterTestingT(t)

	p := newBondedPort()
	src := mac("11:22:33:44:55:66")

	var tags []Tag
	first, ok := p.ChooseOutputIface(src, &tags)
	Expect(ok).To(BeTrue())

	p.Ifaces[first].Enabled = false
	var other *Interface
	for _, iface := range p.Ifaces {
		if iface.PortIfIdx != first {
			other = iface
		}
	}
	other.Enabled = true
	p.Bond.ActiveIfaceIdx = other.PortIfIdx

	reassigned, ok := p.ChooseOutputIface(src, &tags)
	Expect(ok).To(BeTrue())
	Expect(reassigned).NotTo(Equal(first))
}

func TestBondRebalanceReducesLoadRatio(t *testing.T) {
	RegisterTestingT(t)

	p := newBondedPort()
	p.Bond.Hash[10] = bondEntry{IfaceIdx: 0, TxBytes: 10_000_000}
	p.Bond.Hash[20] = bondEntry{IfaceIdx: 0, TxBytes: 5_000_000}
	p.Bond.Hash[30] = bondEntry{IfaceIdx: 1, TxBytes: 1_000_000}

	before := loadOf(p, 0) / maxFloat(1, loadOf(p, 1))
	p.Rebalance(func(Tag) {})
	after := loadOf(p, 0) / maxFloat(1, loadOf(p, 1))

	Expect(after).To(BeNumerically("<", before))
}

func TestBondRebalanceEWMADecay(t *testing.T) {
	RegisterTestingT(t)

	p := newBondedPort()
	p.Bond.Hash[10] = bondEntry{IfaceIdx: 0, TxBytes: 1_000_000}

	for i := 0; i < 7; i++ {
		p.Rebalance(func(Tag) {})
	}
	Expect(p.Bond.Hash[10].TxBytes).To(BeNumerically("<", 10_000))
}

func loadOf(p *Port, ifaceIdx int) float64 {
	var total uint64
	for _, e := range p.Bond.Hash {
		if e.IfaceIdx == ifaceIdx {
			total += e.TxBytes
		}
	}
	return float64(total)
}

func TestBondGratuitousLearningSkipsOwnPort(t *testing.T) {
	RegisterTestingT(t)

	p := newBondedPort()
	p.PortIdx = 3
	ml := NewMacTable(time.Minute, 0)
	now := time.Now()
	ml.Learn(mac("aa:aa:aa:00:00:01"), 10, 3, now) // learned on this bonded port
	ml.Learn(mac("bb:bb:bb:00:00:02"), 10, 1, now) // learned elsewhere

	frames := p.GratuitousLearningFrames(ml)
	Expect(frames).To(HaveLen(1))
	Expect(frames[0].SrcMAC.String()).To(Equal("bb:bb:bb:00:00:02"))
	Expect(frames[0].DlType).To(Equal(uint16(GratuitousLearningEthertype)))
}
