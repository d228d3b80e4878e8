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
	"container/list"
	"math/rand"
	"net"
	"sync"
	"time"
)

type macVLANKey struct {
	mac  [6]byte
	vlan uint16
}

func keyOf(mac net.HardwareAddr, vlan uint16) (macVLANKey, bool) {
	if len(mac) != 6 {
		return macVLANKey{}, false
	}
	var k macVLANKey
	copy(k.mac[:], mac)
	k.vlan = vlan
	return k, true
}

// macEntry is the value stored at each LRU list element.
type macEntry struct {
	mac     net.HardwareAddr
	vlan    uint16
	portIdx int
	tag     Tag
	expiry  time.Time
}

// MacTable is C1, the MAC-learning table: maps (mac, vlan) to a port
// index, with age-based and LRU-based eviction and precise revalidation
// tags for every entry.
type MacTable struct {
	mu sync.Mutex

	maxAge     time.Duration
	maxEntries int

	byKey map[macVLANKey]*list.Element
	lru   *list.List // front = most recently used

	floodVLANs VLANSet
}

// NewMacTable builds an empty learning table that ages entries out after
// maxAge and never holds more than maxEntries live entries; a maxEntries
// of zero or less means the table has no size limit.
func NewMacTable(maxAge time.Duration, maxEntries int) *MacTable {
	return &MacTable{
		maxAge:     maxAge,
		maxEntries: maxEntries,
		byKey:      make(map[macVLANKey]*list.Element),
		lru:        list.New(),
	}
}

// Learn inserts or refreshes (mac, vlan) -> portIdx. If an existing entry
// mapped the same key to a different port, the displaced entry's tag is
// returned so the caller can revalidate any flow that consulted it.
// Entries on a flood VLAN are neither learned nor reported.
func (t *MacTable) Learn(mac net.HardwareAddr, vlan uint16, portIdx int, now time.Time) (oldTag Tag, moved bool) {
	if isMulticast(mac) || isBroadcast(mac) || isZeroMAC(mac) {
		return 0, false
	}
	if t.floodVLANs.Contains(vlan) {
		return 0, false
	}
	k, ok := keyOf(mac, vlan)
	if !ok {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.byKey[k]; ok {
		e := el.Value.(*macEntry)
		t.lru.MoveToFront(el)
		e.expiry = now.Add(t.maxAge)
		if e.portIdx != portIdx {
			oldTag, e.portIdx, e.tag = e.tag, portIdx, newTag()
			return oldTag, true
		}
		return 0, false
	}

	e := &macEntry{mac: append(net.HardwareAddr(nil), mac...), vlan: vlan, portIdx: portIdx, tag: newTag(), expiry: now.Add(t.maxAge)}
	el := t.lru.PushFront(e)
	t.byKey[k] = el
	t.evictOverflowLocked()
	return 0, false
}

// Lookup resolves (mac, vlan) to a port index.
func (t *MacTable) Lookup(mac net.HardwareAddr, vlan uint16) (int, bool) {
	k, ok := keyOf(mac, vlan)
	if !ok {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.floodVLANs.Contains(vlan) {
		return 0, false
	}
	el, ok := t.byKey[k]
	if !ok {
		return 0, false
	}
	return el.Value.(*macEntry).portIdx, true
}

// LookupWithTag resolves (mac, vlan) to a port index, additionally
// accumulating the entry's revalidation tag into tags so the resulting
// forwarding decision can be invalidated if the entry later moves.
func (t *MacTable) LookupWithTag(mac net.HardwareAddr, vlan uint16, tags *[]Tag) (int, bool) {
	k, ok := keyOf(mac, vlan)
	if !ok {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.floodVLANs.Contains(vlan) {
		return 0, false
	}
	el, ok := t.byKey[k]
	if !ok {
		return 0, false
	}
	e := el.Value.(*macEntry)
	*tags = append(*tags, e.tag)
	return e.portIdx, true
}

// SetFloodVLANs replaces the set of VLANs whose source MACs are never
// learned and whose lookups never hit, reporting whether it changed.
func (t *MacTable) SetFloodVLANs(vlans VLANSet) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.floodVLANs == vlans {
		return false
	}
	t.floodVLANs = vlans
	return true
}

// Flush discards every entry without signalling per-entry revalidation;
// callers that need precise invalidation should drain Run's evicted tags
// instead.
func (t *MacTable) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byKey = make(map[macVLANKey]*list.Element)
	t.lru = list.New()
}

// Run ages out entries older than maxAge, invoking revalidate once per
// evicted entry's tag.
func (t *MacTable) Run(now time.Time, revalidate func(Tag)) {
	t.mu.Lock()
	var evicted []Tag
	for el := t.lru.Back(); el != nil; {
		e := el.Value.(*macEntry)
		if !now.After(e.expiry) {
			break
		}
		prev := el.Prev()
		t.removeLocked(el)
		evicted = append(evicted, e.tag)
		el = prev
	}
	t.mu.Unlock()

	for _, tag := range evicted {
		revalidate(tag)
	}
}

// Entries returns a snapshot of all live entries in most-recently-used
// order, for administrative inspection ("fdb/show").
func (t *MacTable) Entries() []macEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]macEntry, 0, t.lru.Len())
	for el := t.lru.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*macEntry))
	}
	return out
}

func (t *MacTable) evictOverflowLocked() {
	if t.maxEntries <= 0 {
		return
	}
	for t.lru.Len() > t.maxEntries {
		t.removeLocked(t.lru.Back())
	}
}

func (t *MacTable) removeLocked(el *list.Element) {
	e := el.Value.(*macEntry)
	k, _ := keyOf(e.mac, e.vlan)
	delete(t.byKey, k)
	t.lru.Remove(el)
}

// newTag mints a fresh random revalidation token.
func newTag() Tag {
	return Tag(rand.Uint64())
}
