package band

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrRegionNotFound is returned when no plan exists for a region. Callers
// must fail closed: an unresolved region rejects all transmissions rather
// than falling back to a default plan.
var ErrRegionNotFound = errors.New("region not found")

// Table is the read-only set of region plans, loaded once at startup and
// safe for unsynchronized concurrent reads afterwards.
type Table struct {
	plans map[string]*Plan
}

// Default returns the table of built-in region plans.
func Default() *Table {
	return &Table{plans: map[string]*Plan{
		"EU868": &eu868,
		"US915": &us915,
		"CN470": &cn470,
	}}
}

// Load builds a table from the built-in plans overlaid with plans from a
// YAML file. A file plan with the same name replaces the built-in one.
func Load(path string) (*Table, error) {
	t := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read region plans: %w", err)
	}
	var file struct {
		Plans []*Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse region plans: %w", err)
	}
	for _, p := range file.Plans {
		if p.Name == "" {
			return nil, errors.New("region plan without a name")
		}
		t.plans[p.Name] = p
	}
	return t, nil
}

// Resolve returns the plan for a region.
func (t *Table) Resolve(regionID string) (*Plan, error) {
	p, ok := t.plans[regionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRegionNotFound, regionID)
	}
	return p, nil
}

// Regions lists the region identifiers known to the table.
func (t *Table) Regions() []string {
	out := make([]string, 0, len(t.plans))
	for name := range t.plans {
		out = append(out, name)
	}
	return out
}

var eu868 = Plan{
	Name: "EU868",
	UplinkChannels: []Channel{
		{Frequency: 868100000, MinDR: 0, MaxDR: 5},
		{Frequency: 868300000, MinDR: 0, MaxDR: 5},
		{Frequency: 868500000, MinDR: 0, MaxDR: 5},
	},
	DownlinkChannels: []Channel{
		{Frequency: 868100000, MinDR: 0, MaxDR: 5},
		{Frequency: 868300000, MinDR: 0, MaxDR: 5},
		{Frequency: 868500000, MinDR: 0, MaxDR: 5},
	},
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125}, // DR0
		{SpreadFactor: 11, Bandwidth: 125}, // DR1
		{SpreadFactor: 10, Bandwidth: 125}, // DR2
		{SpreadFactor: 9, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 125},  // DR4
		{SpreadFactor: 7, Bandwidth: 125},  // DR5
		{SpreadFactor: 7, Bandwidth: 250},  // DR6
	},
	MaxEIRP:        16,
	DutyCycleRatio: 0.01,
	RX1Delay:       time.Second,
	RX2Delay:       2 * time.Second,
	RX2Frequency:   869525000,
	RX2DataRate:    "SF12BW125",
}

var us915 = Plan{
	Name:             "US915",
	UplinkChannels:   us915Uplinks(),
	DownlinkChannels: us915Downlinks(),
	DataRates: []DataRate{
		{SpreadFactor: 10, Bandwidth: 125}, // DR0
		{SpreadFactor: 9, Bandwidth: 125},  // DR1
		{SpreadFactor: 8, Bandwidth: 125},  // DR2
		{SpreadFactor: 7, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 500},  // DR4
		{SpreadFactor: 12, Bandwidth: 500}, // DR8
		{SpreadFactor: 11, Bandwidth: 500}, // DR9
		{SpreadFactor: 10, Bandwidth: 500}, // DR10
		{SpreadFactor: 9, Bandwidth: 500},  // DR11
		{SpreadFactor: 7, Bandwidth: 500},  // DR13
	},
	MaxEIRP:        30,
	DutyCycleRatio: 1.0, // no regulatory duty cycle; dwell time not modeled here
	RX1Delay:       time.Second,
	RX2Delay:       2 * time.Second,
	RX2Frequency:   923300000,
	RX2DataRate:    "SF12BW500",
}

var cn470 = Plan{
	Name:             "CN470",
	UplinkChannels:   cn470Channels(470300000, 96),
	DownlinkChannels: cn470Channels(500300000, 48),
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125}, // DR0
		{SpreadFactor: 11, Bandwidth: 125}, // DR1
		{SpreadFactor: 10, Bandwidth: 125}, // DR2
		{SpreadFactor: 9, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 125},  // DR4
		{SpreadFactor: 7, Bandwidth: 125},  // DR5
	},
	MaxEIRP:        19,
	DutyCycleRatio: 0.01,
	RX1Delay:       time.Second,
	RX2Delay:       2 * time.Second,
	RX2Frequency:   505300000,
	RX2DataRate:    "SF12BW125",
}

// 64 uplink channels at 125 kHz, 200 kHz spacing from 902.3 MHz.
func us915Uplinks() []Channel {
	channels := make([]Channel, 64)
	for i := range channels {
		channels[i] = Channel{
			Frequency: uint32(902300000 + i*200000),
			MinDR:     0, MaxDR: 3,
		}
	}
	return channels
}

// 8 downlink channels at 500 kHz, 600 kHz spacing from 923.3 MHz.
func us915Downlinks() []Channel {
	channels := make([]Channel, 8)
	for i := range channels {
		channels[i] = Channel{
			Frequency: uint32(923300000 + i*600000),
			MinDR:     8, MaxDR: 13,
		}
	}
	return channels
}

func cn470Channels(baseFreq uint32, count int) []Channel {
	channels := make([]Channel, count)
	for i := range channels {
		channels[i] = Channel{
			Frequency: baseFreq + uint32(i*200000),
			MinDR:     0, MaxDR: 5,
		}
	}
	return channels
}
