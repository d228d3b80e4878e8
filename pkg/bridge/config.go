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
	"io/ioutil"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Config is the declarative desired state Reconciler diffs the live
// topology against. It stands in for the out-of-scope configuration
// database: Reconciler only ever consumes the parsed struct below, never
// a file or wire format directly.
type Config struct {
	Bridges []BridgeConfig `yaml:"bridges"`
}

// BridgeConfig describes one desired bridge.
type BridgeConfig struct {
	Name string `yaml:"name"`

	// HwAddr is other-config:hwaddr: a forced bridge MAC, "" if unset.
	HwAddr string `yaml:"hwaddr,omitempty"`
	// DatapathIDOverride is other-config:datapath-id, 0 if unset.
	DatapathIDOverride uint64 `yaml:"datapath_id,omitempty"`

	Ports   []PortConfig   `yaml:"ports"`
	Mirrors []MirrorConfig `yaml:"mirrors,omitempty"`

	Controller *ControllerConfig `yaml:"controller,omitempty"`
	Netflow    *NetflowConfig    `yaml:"netflow,omitempty"`
}

// PortConfig describes one desired port.
type PortConfig struct {
	Name string `yaml:"name"`

	AccessVLAN *uint16  `yaml:"access_vlan,omitempty"`
	Trunks     []uint16 `yaml:"trunks,omitempty"`

	Interfaces []InterfaceConfig `yaml:"interfaces"`

	BondUpDelayMS   int  `yaml:"bond_updelay_ms,omitempty"`
	BondDownDelayMS int  `yaml:"bond_downdelay_ms,omitempty"`
	BondFakeIface   bool `yaml:"bond_fake_iface,omitempty"`

	ConfiguredMAC string `yaml:"mac,omitempty"`
}

// InterfaceConfig describes one desired interface.
type InterfaceConfig struct {
	Name     string `yaml:"name"`
	Internal bool   `yaml:"internal,omitempty"`
	MAC      string `yaml:"mac,omitempty"`
	VLANVid  *uint16 `yaml:"vlan_vid,omitempty"`

	IngressPolicingRate  int64 `yaml:"ingress_policing_rate,omitempty"`
	IngressPolicingBurst int64 `yaml:"ingress_policing_burst,omitempty"`
}

// MirrorConfig describes one desired mirror.
type MirrorConfig struct {
	Name        string   `yaml:"name"`
	SrcPorts    []string `yaml:"src_ports,omitempty"`
	DstPorts    []string `yaml:"dst_ports,omitempty"`
	SelectVLANs []uint16 `yaml:"select_vlans,omitempty"`
	OutputPort  *string  `yaml:"output_port,omitempty"`
	OutputVLAN  *uint16  `yaml:"output_vlan,omitempty"`
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %q", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %q", path)
	}
	return &cfg, nil
}

// toMirror converts a MirrorConfig into the runtime Mirror it
// describes.
func (mc MirrorConfig) toMirror() *Mirror {
	m := &Mirror{
		Name:        mc.Name,
		SrcPorts:    toSet(mc.SrcPorts),
		DstPorts:    toSet(mc.DstPorts),
		SelectVLANs: make(map[uint16]bool, len(mc.SelectVLANs)),
		OutputPort:  mc.OutputPort,
		OutputVLAN:  mc.OutputVLAN,
	}
	for _, v := range mc.SelectVLANs {
		m.SelectVLANs[v] = true
	}
	return m
}

func toSet(names []string) map[string]bool {
	s := make(map[string]bool, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}
