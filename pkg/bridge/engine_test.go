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

func TestEngineGetInterfacesAndExists(t *testing.T) {
	RegisterTestingT(t)

	dps := map[string]*fakeDP{}
	e := NewEngine(fakeFactory(dps))

	Expect(e.Reconfigure(twoPortConfig("eng0"))).To(Succeed())
	defer unregisterBridge("eng0")

	Expect(e.Exists("eng0")).To(BeTrue())
	Expect(e.Exists("nope")).To(BeFalse())
	Expect(e.GetInterfaces()).To(ContainElement("eth1"))
	Expect(e.GetInterfaces()).To(ContainElement("eth2"))

	id, ok := e.GetDatapathID("eng0")
	Expect(ok).To(BeTrue())
	Expect(id).NotTo(BeZero())
}

func TestEngineRunFlushesAndClearsFlushFlag(t *testing.T) {
	RegisterTestingT(t)

	dps := map[string]*fakeDP{}
	e := NewEngine(fakeFactory(dps))

	cfg := twoPortConfig("eng1")
	Expect(e.Reconfigure(cfg)).To(Succeed())
	defer unregisterBridge("eng1")

	br, _ := lookupBridge("eng1")
	br.Flush = true

	Expect(e.Run(time.Now())).To(Succeed())
	Expect(br.Flush).To(BeFalse(), "Run should flush and clear the dirty flag")
}

func TestEngineWaitWithoutBondDeadlinesIsPositive(t *testing.T) {
	RegisterTestingT(t)

	dps := map[string]*fakeDP{}
	e := NewEngine(fakeFactory(dps))
	Expect(e.Reconfigure(twoPortConfig("eng2"))).To(Succeed())
	defer unregisterBridge("eng2")

	br, _ := lookupBridge("eng2")
	br.bondNextRebalance = time.Time{}

	// With no bonded ports and no pending debounce, Wait falls back to its
	// one-hour ceiling rather than racing the CPU.
	d := e.Wait()
	Expect(d).To(BeNumerically(">", 0))
}

func TestEnginePollCarriersPromotesBackupOnLinkLoss(t *testing.T) {
	RegisterTestingT(t)

	dps := map[string]*fakeDP{}
	e := NewEngine(fakeFactory(dps))

	cfg := &Config{Bridges: []BridgeConfig{{
		Name: "eng3",
		Ports: []PortConfig{
			{
				Name:              "p3",
				AccessVLAN:        vlanPtr(10),
				BondDownDelayMS:   1,
				Interfaces:        []InterfaceConfig{{Name: "eth3a"}, {Name: "eth3b"}},
			},
		},
	}}}
	Expect(e.Reconfigure(cfg)).To(Succeed())
	defer unregisterBridge("eng3")

	br, _ := lookupBridge("eng3")
	p := br.Ports[0]
	Expect(p.Bond).NotTo(BeNil())

	// Reconfigure leaves every slave disabled; the first carrier poll
	// enables them and elects the initial active slave.
	e.pollCarriers(br, time.Now())
	active := p.Bond.ActiveIfaceIdx
	Expect(active).To(BeNumerically(">=", 0))

	activeIface := p.Ifaces[active]
	fn, ok := activeIface.NET.(*fakeNET)
	Expect(ok).To(BeTrue())
	fn.setCarrier(false)

	e.pollCarriers(br, time.Now())
	e.pollCarriers(br, time.Now().Add(2*time.Millisecond))

	Expect(p.Bond.ActiveIfaceIdx).NotTo(Equal(active), "the downed slave's backup should take over")
}

func TestEngineFlushBondCompatRewritesStalePortsOnly(t *testing.T) {
	RegisterTestingT(t)

	dps := map[string]*fakeDP{}
	e := NewEngine(fakeFactory(dps))

	cfg := &Config{Bridges: []BridgeConfig{{
		Name: "eng4",
		Ports: []PortConfig{
			{
				Name:              "p4",
				AccessVLAN:        vlanPtr(10),
				BondDownDelayMS:   1,
				Interfaces:        []InterfaceConfig{{Name: "eth4a"}, {Name: "eth4b"}},
			},
		},
	}}}
	Expect(e.Reconfigure(cfg)).To(Succeed())
	defer unregisterBridge("eng4")

	br, _ := lookupBridge("eng4")
	p := br.Ports[0]
	Expect(p.Bond).NotTo(BeNil())

	// The first carrier poll after Reconfigure elects an initial active
	// slave, which already marks the port stale; flush it once so the
	// assertions below see only the failover-triggered rewrite.
	e.pollCarriers(br, time.Now())
	e.flushBondCompat(br)
	Expect(p.bondCompatStale).To(BeFalse())

	active := p.Bond.ActiveIfaceIdx
	activeIface := p.Ifaces[active]
	fn, ok := activeIface.NET.(*fakeNET)
	Expect(ok).To(BeTrue())
	fn.setCarrier(false)

	e.pollCarriers(br, time.Now())
	e.pollCarriers(br, time.Now().Add(2*time.Millisecond))
	Expect(p.bondCompatStale).To(BeTrue(), "failover should mark the bonding-compat record stale")

	newActive := p.Ifaces[p.Bond.ActiveIfaceIdx]
	e.flushBondCompat(br)

	Expect(p.bondCompatStale).To(BeFalse())
	for _, iface := range p.Ifaces {
		fn := iface.NET.(*fakeNET)
		Expect(fn.reconfigCalls).NotTo(BeEmpty())
		last := fn.reconfigCalls[len(fn.reconfigCalls)-1]
		Expect(last["bond-active-slave"]).To(Equal(newActive.Name))
	}
}
