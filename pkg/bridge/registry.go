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
	cmap "github.com/streamrail/concurrent-map"
)

// registry is the process-wide bridge-by-name table. It holds no
// forwarding-path state; the hot path never touches it.
var registry = cmap.New()

// registerBridge adds br to the process-wide registry under its name,
// replacing any previous entry with the same name.
func registerBridge(br *Bridge) {
	registry.Set(br.Name, br)
}

// unregisterBridge removes name from the process-wide registry.
func unregisterBridge(name string) {
	registry.Remove(name)
}

// lookupBridge returns the registered bridge by name, if any.
func lookupBridge(name string) (*Bridge, bool) {
	v, ok := registry.Get(name)
	if !ok {
		return nil, false
	}
	return v.(*Bridge), true
}

// registeredBridgeNames returns every bridge name currently registered.
func registeredBridgeNames() []string {
	keys := registry.Keys()
	names := make([]string, len(keys))
	copy(names, keys)
	return names
}
