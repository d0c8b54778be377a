// SPDX-License-Identifier: GPL-3.0-or-later

package pipes

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Configuration defaults and limits.
const (
	// DefaultQueueLimit is the default queue limit in packets.
	DefaultQueueLimit = 50

	// MaxQueueLimitPackets is the largest queue limit in packets.
	MaxQueueLimitPackets = 1000

	// MaxQueueLimitBytes is the largest queue limit in bytes.
	MaxQueueLimitBytes = 1 << 20

	// DefaultBuckets is the default flow table size hint.
	DefaultBuckets = 64

	// MaxBuckets is the largest flow table size hint.
	MaxBuckets = 1 << 16

	// MaxWeight is the largest flow set weight.
	MaxWeight = 100

	// MaxBandwidth is the largest bandwidth in bytes per tick.
	MaxBandwidth = math.MaxInt64

	// MaxDelay is the largest propagation delay in ticks.
	MaxDelay = 1 << 20

	// DefaultLookupDepth is the default RED idle lookup table depth.
	DefaultLookupDepth = 256

	// MaxLookupDepth is the largest RED idle lookup table depth.
	MaxLookupDepth = 1 << 16

	// DefaultAvgPacketSize is the default RED average packet size.
	DefaultAvgPacketSize = 512

	// DefaultMaxPacketSize is the default RED maximum packet size,
	// i.e., the Ethernet MTU.
	DefaultMaxPacketSize = 1500

	// MaxJumboPacketSize is the largest RED maximum packet size,
	// i.e., the jumbo frames MTU.
	MaxJumboPacketSize = 9000

	// maxFlowLabel is the largest IPv6 flow label.
	maxFlowLabel = 1<<20 - 1

	// queuesPerBucket converts buckets into the default flow table limit.
	queuesPerBucket = 16
)

// REDConfig configures RED or Gentle-RED on a flow set.
type REDConfig struct {
	// Enabled turns RED on.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Gentle selects Gentle-RED, which ramps the drop probability
	// from MaxP to 1 between MaxTh and twice MaxTh.
	Gentle bool `json:"gentle,omitempty" yaml:"gentle,omitempty"`

	// WQ is the EWMA weight of the average queue size.
	WQ float64 `json:"w_q" yaml:"w_q"`

	// MaxP is the drop probability at MaxTh.
	MaxP float64 `json:"max_p" yaml:"max_p"`

	// MinTh is the lower threshold, in packets or bytes.
	MinTh int `json:"min_th" yaml:"min_th"`

	// MaxTh is the upper threshold, in packets or bytes.
	MaxTh int `json:"max_th" yaml:"max_th"`

	// LookupDepth is the size of the idle decay table.
	LookupDepth int `json:"lookup_depth,omitempty" yaml:"lookup_depth,omitempty"`

	// LookupStep is the number of ticks per decay table slot. When
	// zero, it is the time to transmit AvgPacketSize bytes.
	LookupStep uint64 `json:"lookup_step,omitempty" yaml:"lookup_step,omitempty"`

	// AvgPacketSize is used to derive LookupStep.
	AvgPacketSize int `json:"avg_pkt_size,omitempty" yaml:"avg_pkt_size,omitempty"`

	// MaxPacketSize scales the drop probability in byte mode.
	MaxPacketSize int `json:"max_pkt_size,omitempty" yaml:"max_pkt_size,omitempty"`
}

// QueueConfig configures the queues of a flow set.
type QueueConfig struct {
	// Limit is the queue limit. When zero, it is [DefaultQueueLimit] packets.
	Limit int `json:"limit,omitempty" yaml:"limit,omitempty"`

	// Bytes expresses Limit and the RED thresholds in bytes.
	Bytes bool `json:"bytes,omitempty" yaml:"bytes,omitempty"`

	// Mask is the flow mask.
	Mask FlowMask `json:"mask,omitzero" yaml:"mask,omitempty"`

	// Buckets is the flow table size hint.
	Buckets int `json:"buckets,omitempty" yaml:"buckets,omitempty"`

	// MaxQueues bounds the number of flow queues. When zero, it
	// is Buckets times 16.
	MaxQueues int `json:"max_queues,omitempty" yaml:"max_queues,omitempty"`

	// LossRate is a random loss probability applied on arrival.
	LossRate float64 `json:"plr,omitempty" yaml:"plr,omitempty"`

	// RED is the RED configuration.
	RED REDConfig `json:"red,omitzero" yaml:"red,omitempty"`
}

// PipeConfig configures a pipe.
type PipeConfig struct {
	// Number identifies the pipe. Must be positive.
	Number int `json:"number" yaml:"number"`

	// Bandwidth is in bytes per tick. Zero means unlimited.
	Bandwidth uint64 `json:"bandwidth,omitempty" yaml:"bandwidth,omitempty"`

	// Delay is the propagation delay in ticks.
	Delay uint64 `json:"delay,omitempty" yaml:"delay,omitempty"`

	// Interface optionally names the interface whose rate
	// overrides Bandwidth. See [*Scheduler.SetInterfaceRate].
	Interface string `json:"interface,omitempty" yaml:"interface,omitempty"`

	// Queue configures the embedded fixed-rate flow set.
	Queue QueueConfig `json:"queue,omitzero" yaml:"queue,omitempty"`
}

// FlowSetConfig configures a WF2Q+ flow set.
type FlowSetConfig struct {
	// Number identifies the flow set. Must be positive.
	Number int `json:"number" yaml:"number"`

	// Parent is the number of the pipe serving this flow set.
	Parent int `json:"parent" yaml:"parent"`

	// Weight is the flow set weight. When zero, it is 1.
	Weight int `json:"weight,omitempty" yaml:"weight,omitempty"`

	// Queue configures the flow set queues.
	Queue QueueConfig `json:"queue,omitzero" yaml:"queue,omitempty"`
}

// Config is a complete set of pipes and flow sets.
type Config struct {
	Pipes    []PipeConfig    `json:"pipes,omitempty" yaml:"pipes,omitempty"`
	FlowSets []FlowSetConfig `json:"flowsets,omitempty" yaml:"flowsets,omitempty"`
}

// Validate checks every definition in the config.
//
// The returned error joins one [*ConfigError] per problem.
func (c *Config) Validate() error {
	var errv []error
	pipes := make(map[int]bool)
	for idx := range c.Pipes {
		pc := &c.Pipes[idx]
		if err := pc.Validate(); err != nil {
			errv = append(errv, err)
		}
		if pipes[pc.Number] {
			errv = append(errv, newConfigError("pipe", pc.Number, "number", "duplicate definition"))
		}
		pipes[pc.Number] = true
	}
	flowSets := make(map[int]bool)
	for idx := range c.FlowSets {
		fc := &c.FlowSets[idx]
		if err := fc.Validate(); err != nil {
			errv = append(errv, err)
		}
		if flowSets[fc.Number] {
			errv = append(errv, newConfigError("flowset", fc.Number, "number", "duplicate definition"))
		}
		flowSets[fc.Number] = true
	}
	return errors.Join(errv...)
}

// Validate checks the pipe definition.
func (c *PipeConfig) Validate() error {
	var errv []error
	if c.Number < 1 {
		errv = append(errv, newConfigError("pipe", c.Number, "number", "must be positive"))
	}
	if c.Bandwidth > MaxBandwidth {
		errv = append(errv, newConfigError("pipe", c.Number, "bandwidth", fmt.Sprintf("must be at most %d", uint64(MaxBandwidth))))
	}
	if c.Delay > MaxDelay {
		errv = append(errv, newConfigError("pipe", c.Number, "delay", fmt.Sprintf("must be at most %d", MaxDelay)))
	}
	errv = append(errv, c.Queue.validate("pipe", c.Number)...)
	return errors.Join(errv...)
}

// Validate checks the flow set definition.
func (c *FlowSetConfig) Validate() error {
	var errv []error
	if c.Number < 1 {
		errv = append(errv, newConfigError("flowset", c.Number, "number", "must be positive"))
	}
	if c.Parent < 1 {
		errv = append(errv, newConfigError("flowset", c.Number, "parent", "must be positive"))
	}
	if c.Weight < 0 || c.Weight > MaxWeight {
		errv = append(errv, newConfigError("flowset", c.Number, "weight", fmt.Sprintf("must be within [1, %d]", MaxWeight)))
	}
	errv = append(errv, c.Queue.validate("flowset", c.Number)...)
	return errors.Join(errv...)
}

func (c *QueueConfig) validate(object string, number int) (errv []error) {
	fail := func(field, reason string) {
		errv = append(errv, newConfigError(object, number, field, reason))
	}

	maxLimit := MaxQueueLimitPackets
	if c.Bytes {
		maxLimit = MaxQueueLimitBytes
	}
	if c.Limit < 0 || c.Limit > maxLimit {
		fail("limit", fmt.Sprintf("must be within [1, %d]", maxLimit))
	}
	if c.Buckets < 0 || c.Buckets > MaxBuckets {
		fail("buckets", fmt.Sprintf("must be within [1, %d]", MaxBuckets))
	}
	if c.MaxQueues < 0 {
		fail("max_queues", "must not be negative")
	}
	if !(c.LossRate >= 0 && c.LossRate <= 1) {
		fail("plr", "must be within [0, 1]")
	}

	m := &c.Mask
	if m.SrcIP.IsValid() && !m.SrcIP.Is4() {
		fail("mask.src_ip", "must be an IPv4 mask")
	}
	if m.DstIP.IsValid() && !m.DstIP.Is4() {
		fail("mask.dst_ip", "must be an IPv4 mask")
	}
	if m.SrcIP6.IsValid() && !m.SrcIP6.Is6() {
		fail("mask.src_ip6", "must be an IPv6 mask")
	}
	if m.DstIP6.IsValid() && !m.DstIP6.Is6() {
		fail("mask.dst_ip6", "must be an IPv6 mask")
	}
	if m.FlowLabel > maxFlowLabel {
		fail("mask.flow_label", "must fit in 20 bits")
	}

	r := &c.RED
	if !r.Enabled {
		if r.Gentle {
			fail("red.gentle", "requires red.enabled")
		}
		return
	}
	if !(r.WQ > 0 && r.WQ <= 1) || r.WQ*float64(redOne) < 1 {
		fail("red.w_q", "must be within (0, 1] and representable in fixed point")
	}
	if !(r.MaxP > 0 && r.MaxP <= 1) {
		fail("red.max_p", "must be within (0, 1]")
	}
	if r.MinTh < 0 {
		fail("red.min_th", "must not be negative")
	}
	if r.MaxTh <= r.MinTh {
		fail("red.max_th", "must be greater than red.min_th")
	}
	if r.MaxTh > MaxQueueLimitBytes {
		fail("red.max_th", fmt.Sprintf("must be at most %d", MaxQueueLimitBytes))
	}
	if r.LookupDepth < 0 || r.LookupDepth > MaxLookupDepth {
		fail("red.lookup_depth", fmt.Sprintf("must be within [1, %d]", MaxLookupDepth))
	}
	if r.AvgPacketSize < 0 {
		fail("red.avg_pkt_size", "must not be negative")
	}
	if r.MaxPacketSize < 0 || r.MaxPacketSize > MaxJumboPacketSize {
		fail("red.max_pkt_size", fmt.Sprintf("must be within [0, %d]", MaxJumboPacketSize))
	}
	return
}

func newConfigError(object string, number int, field, reason string) *ConfigError {
	return &ConfigError{Object: object, Number: number, Field: field, Reason: reason}
}

// ParseConfig parses a YAML or JSON encoded [Config] and validates it.
func ParseConfig(data []byte, useYAML bool) (*Config, error) {
	var cfg Config
	var err error
	if useYAML {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReadConfigFile reads a [Config] from the given file. Files
// ending in .json are parsed as JSON and anything else as YAML.
func ReadConfigFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data, !isJSONFile(filename))
}

// WriteFile writes the config to the given file, using the
// same extension rule as [ReadConfigFile].
func (c *Config) WriteFile(filename string) error {
	var data []byte
	var err error
	if isJSONFile(filename) {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

func isJSONFile(filename string) bool {
	return filepath.Ext(filename) == ".json"
}
