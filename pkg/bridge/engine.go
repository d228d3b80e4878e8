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

	log "github.com/Sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Engine is C6, the Bridge Engine Facade: it owns the Reconciler and
// mediates every bridge's DP/NET/OFProto collaborators and OpenFlow hook
// callbacks. Exactly one Engine should run per process; bridges
// themselves live in the process-wide registry so hook callbacks (bound
// at bridge-creation time, see reconcile.go's createBridge) can reach
// them without holding a reference back to the Engine.
type Engine struct {
	reconciler *Reconciler
	rl         *rateLimitedLog
}

// NewEngine builds an Engine whose Reconciler constructs bridge
// collaborators via factory.
func NewEngine(factory Factory) *Engine {
	rl := newRateLimitedLog(1, 5*time.Second)
	return &Engine{
		reconciler: NewReconciler(factory, rl),
		rl:         rl,
	}
}

// Reconfigure drives live topology towards cfg.
func (e *Engine) Reconfigure(cfg *Config) error {
	return e.reconciler.Reconcile(cfg)
}

// Run performs one non-blocking tick across every registered bridge:
// carrier polling, MAC-table aging, bond rebalancing, and flushing any
// bridge whose flush flag was set since the last tick. A non-nil error
// is returned only when a bridge's datapath has gone away entirely,
// which the caller should treat as a hint to re-run Reconfigure.
func (e *Engine) Run(now time.Time) error {
	var datapathLost error
	for _, name := range registeredBridgeNames() {
		br, ok := lookupBridge(name)
		if !ok {
			continue
		}
		if err := e.tickBridge(br, now); err != nil {
			log.Warnf("bridge %q: datapath unavailable: %v", name, err)
			datapathLost = err
		}
	}
	return datapathLost
}

func (e *Engine) tickBridge(br *Bridge, now time.Time) error {
	if _, err := br.DP.PortList(); err != nil {
		return err
	}

	e.pollCarriers(br, now)
	br.ML.Run(now, br.OFProto.Revalidate)
	br.OnCheckpoint(now)
	e.flushBondCompat(br)

	if br.Flush {
		if err := br.DP.FlowFlush(); err != nil {
			e.rl.Warnf("run.flush", "bridge %q: flushing datapath flows: %v", br.Name, err)
		}
		if err := br.OFProto.FlushFlows(); err != nil {
			e.rl.Warnf("run.flush", "bridge %q: flushing ofproto flows: %v", br.Name, err)
		}
		br.Flush = false
	}
	return nil
}

// pollCarriers reads each bonded interface's live carrier state and
// feeds it through the debounce state machine.
func (e *Engine) pollCarriers(br *Bridge, now time.Time) {
	for _, p := range br.Ports {
		if p.Bond == nil {
			continue
		}
		for i, iface := range p.Ifaces {
			if iface.NET == nil {
				continue
			}
			carrier, err := iface.NET.GetCarrier()
			if err != nil {
				e.rl.Warnf("run.carrier", "bridge %q: reading carrier on %q: %v", br.Name, iface.Name, err)
				continue
			}
			oldActive := p.Bond.ActiveIfaceIdx
			p.UpdateCarrier(i, carrier, now, p.Bond.UpDelay, p.Bond.DownDelay, br.OFProto.Revalidate)
			if p.Bond.ActiveIfaceIdx != oldActive {
				e.sendGratuitousLearning(br, p)
			}
		}
	}
}

// flushBondCompat rewrites the kernel bonding-compat record of every
// bonded port whose active slave or hash assignment changed since the
// last tick, then clears the port's staleness bit. The actual compat
// record lives in NET, not in this engine; this only tells NET when to
// re-read the bond's current active slave.
func (e *Engine) flushBondCompat(br *Bridge) {
	for _, p := range br.Ports {
		if p.Bond == nil || !p.bondCompatStale {
			continue
		}
		active := ""
		if p.Bond.ActiveIfaceIdx >= 0 && p.Bond.ActiveIfaceIdx < len(p.Ifaces) {
			active = p.Ifaces[p.Bond.ActiveIfaceIdx].Name
		}
		for _, iface := range p.Ifaces {
			if iface.NET == nil {
				continue
			}
			if err := iface.NET.Reconfigure(NetOptions{"bond-active-slave": active}); err != nil {
				e.rl.Warnf("run.bondcompat", "bridge %q: refreshing bonding-compat record on %q: %v", br.Name, iface.Name, err)
			}
		}
		p.bondCompatStale = false
	}
}

func (e *Engine) sendGratuitousLearning(br *Bridge, p *Port) {
	for _, f := range p.GratuitousLearningFrames(br.ML) {
		flow := Flow{DlSrc: f.SrcMAC, DlDst: broadcastMAC(), DlType: f.DlType}
		actions := []Action{{Kind: ActionOutput, DPIfIdx: f.DPIfIdx}}
		if err := br.OFProto.SendPacket(flow, actions, nil); err != nil {
			e.rl.Warnf("run.gratuitous", "bridge %q: sending gratuitous learning frame: %v", br.Name, err)
		}
	}
}

func broadcastMAC() net.HardwareAddr {
	return net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

// Wait reports how long the caller may safely block before the next
// tick could have useful work to do: the soonest bond debounce deadline
// or rebalance deadline across every registered bridge, publishing the
// suspension points the poll loop should wake up on.
func (e *Engine) Wait() time.Duration {
	next := time.Now().Add(time.Hour)
	for _, name := range registeredBridgeNames() {
		br, ok := lookupBridge(name)
		if !ok {
			continue
		}
		for _, p := range br.Ports {
			if p.Bond == nil {
				continue
			}
			for _, iface := range p.Ifaces {
				if iface.pendingTransition() && iface.DelayExpires.Before(next) {
					next = iface.DelayExpires
				}
			}
		}
		if br.HasBondedPorts && br.bondNextRebalance.Before(next) {
			next = br.bondNextRebalance
		}
	}
	if d := time.Until(next); d > 0 {
		return d
	}
	return 0
}

// GetInterfaces lists every interface name bound across every registered
// bridge.
func (e *Engine) GetInterfaces() []string {
	var names []string
	for _, brName := range registeredBridgeNames() {
		br, ok := lookupBridge(brName)
		if !ok {
			continue
		}
		for _, p := range br.Ports {
			for _, iface := range p.Ifaces {
				names = append(names, iface.Name)
			}
		}
	}
	return names
}

// Exists reports whether a bridge by this name is currently registered.
func (e *Engine) Exists(name string) bool {
	_, ok := lookupBridge(name)
	return ok
}

// GetDatapathID returns the chosen datapath ID for a registered bridge.
func (e *Engine) GetDatapathID(name string) (uint64, bool) {
	br, ok := lookupBridge(name)
	if !ok {
		return 0, false
	}
	return br.DatapathID, true
}

// RunUntil drives Run on a fixed cadence until stopCh closes, the shape
// the daemon entrypoint uses in production and tests use with a short
// tick and a closed-after-N-ticks stop channel.
func (e *Engine) RunUntil(stopCh <-chan struct{}, tick time.Duration) {
	wait.Until(func() {
		if err := e.Run(time.Now()); err != nil {
			log.Warnf("engine run: %v", err)
		}
	}, tick, stopCh)
}
