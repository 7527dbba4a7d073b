// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package vmap

import (
	"fmt"
	"strings"
	"time"

	"github.com/Fantom-foundation/vmap/backend/utils"
	"github.com/Fantom-foundation/vmap/common"
	"github.com/cockroachdb/errors"
	"github.com/pbnjay/memory"
)

// ReconnectMode selects the wire protocol used to synchronize two maps.
type ReconnectMode int

const (
	// Push lets the teacher walk its tree and stream nodes to the learner.
	Push ReconnectMode = iota
	// PullTopToBottom lets the learner request nodes rank by rank.
	PullTopToBottom
	// PullTwoPhasePessimistic lets the learner request the leaf level
	// first and verify the internal ranks afterwards.
	PullTwoPhasePessimistic
)

var reconnectModeNames = map[ReconnectMode]string{
	Push:                    "push",
	PullTopToBottom:         "pullTopToBottom",
	PullTwoPhasePessimistic: "pullTwoPhasePessimistic",
}

func (m ReconnectMode) String() string {
	if name, found := reconnectModeNames[m]; found {
		return name
	}
	return fmt.Sprintf("ReconnectMode(%d)", int(m))
}

// ParseReconnectMode resolves a mode by its name. Names are case-insensitive.
func ParseReconnectMode(name string) (ReconnectMode, error) {
	for mode, cur := range reconnectModeNames {
		if strings.EqualFold(cur, name) {
			return mode, nil
		}
	}
	return 0, errors.Newf("unknown reconnect mode %q", name)
}

func (m ReconnectMode) MarshalText() ([]byte, error) {
	if _, found := reconnectModeNames[m]; !found {
		return nil, errors.Newf("invalid reconnect mode %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *ReconnectMode) UnmarshalText(text []byte) error {
	mode, err := ParseReconnectMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// Config defines the options of a virtual map family. The JSON names of the
// fields are the names of the corresponding configuration options. Durations
// are encoded in nanoseconds.
type Config struct {
	// Percentage of the available CPUs used for hashing. At least one
	// hashing thread is always used.
	PercentHashThreads int `json:"percentHashThreads"`

	// Number of ranks covered by a single hashing task.
	VirtualHasherChunkHeight int `json:"virtualHasherChunkHeight"`

	// Protocol used by the learner of a reconnect.
	ReconnectMode ReconnectMode `json:"reconnectMode"`

	// Number of leaves received by a learner between forced flushes.
	ReconnectFlushInterval int `json:"reconnectFlushInterval"`

	// Maximum time a reconnect participant waits for the next message.
	// Zero disables the timeout.
	ReconnectResponseTimeout time.Duration `json:"reconnectResponseTimeout"`

	// Every n-th generation is flushed. Zero disables interval based
	// flushing. Ignored if CopyFlushThreshold is set.
	FlushInterval int `json:"flushInterval"`

	// Estimated number of bytes of unflushed changes after which a copied
	// generation is selected for flushing. Zero disables size based
	// flushing.
	CopyFlushThreshold int64 `json:"copyFlushThreshold"`

	// Estimated number of bytes held by all unreleased generations of a
	// family above which copies are throttled.
	FamilyThrottleThreshold int64 `json:"familyThrottleThreshold"`

	// Number of generations awaiting a flush tolerated before throttling.
	PreferredFlushQueueSize int `json:"preferredFlushQueueSize"`

	// Delay added to a copy for each generation awaiting a flush beyond
	// the preferred queue size.
	FlushThrottleStepSize time.Duration `json:"flushThrottleStepSize"`

	// Upper bound for the delay of a single copy.
	MaximumFlushThrottlePeriod time.Duration `json:"maximumFlushThrottlePeriod"`

	// Maximum number of keys in a map.
	MaximumVirtualMapSize int64 `json:"maximumVirtualMapSize"`

	// Size from which on growing maps are reported. Zero disables warnings.
	VirtualMapWarningThreshold int64 `json:"virtualMapWarningThreshold"`

	// Number of keys between consecutive warnings above the threshold.
	VirtualMapWarningInterval int64 `json:"virtualMapWarningInterval"`

	// The hash function used for leaf and internal node digests.
	Hashing common.HashAlgorithm `json:"hashing"`

	// Number of threads releasing the memory of destroyed generations.
	NumCleanerThreads int `json:"numCleanerThreads"`
}

// DefaultConfig returns a configuration suitable for most production uses.
// The throttle threshold is derived from the physical memory of the host.
func DefaultConfig() Config {
	throttleThreshold := int64(4 << 30)
	if total := memory.TotalMemory(); total > 0 {
		throttleThreshold = int64(total / 10)
	}
	return Config{
		PercentHashThreads:         50,
		VirtualHasherChunkHeight:   5,
		ReconnectMode:              Push,
		ReconnectFlushInterval:     500_000,
		ReconnectResponseTimeout:   time.Minute,
		FlushInterval:              20,
		CopyFlushThreshold:         0,
		FamilyThrottleThreshold:    throttleThreshold,
		PreferredFlushQueueSize:    2,
		FlushThrottleStepSize:      200 * time.Millisecond,
		MaximumFlushThrottlePeriod: 5 * time.Second,
		MaximumVirtualMapSize:      1<<31 - 1,
		VirtualMapWarningThreshold: 5_000_000,
		VirtualMapWarningInterval:  100_000,
		Hashing:                    common.Sha3Hashing,
		NumCleanerThreads:          1,
	}
}

// Validate checks the consistency of the configuration.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, errors.Newf(format, args...))
		}
	}
	check(c.PercentHashThreads >= 0 && c.PercentHashThreads <= 100, "percentHashThreads must be within [0,100], got %d", c.PercentHashThreads)
	check(c.VirtualHasherChunkHeight >= 1 && c.VirtualHasherChunkHeight <= 64, "virtualHasherChunkHeight must be within [1,64], got %d", c.VirtualHasherChunkHeight)
	_, validMode := reconnectModeNames[c.ReconnectMode]
	check(validMode, "invalid reconnect mode %d", int(c.ReconnectMode))
	check(c.ReconnectFlushInterval >= 1, "reconnectFlushInterval must be positive, got %d", c.ReconnectFlushInterval)
	check(c.ReconnectResponseTimeout >= 0, "reconnectResponseTimeout must not be negative")
	check(c.FlushInterval >= 0, "flushInterval must not be negative, got %d", c.FlushInterval)
	check(c.CopyFlushThreshold >= 0, "copyFlushThreshold must not be negative, got %d", c.CopyFlushThreshold)
	check(c.FamilyThrottleThreshold >= 0, "familyThrottleThreshold must not be negative, got %d", c.FamilyThrottleThreshold)
	check(c.PreferredFlushQueueSize >= 0, "preferredFlushQueueSize must not be negative, got %d", c.PreferredFlushQueueSize)
	check(c.FlushThrottleStepSize >= 0, "flushThrottleStepSize must not be negative")
	check(c.MaximumFlushThrottlePeriod >= 0, "maximumFlushThrottlePeriod must not be negative")
	check(c.MaximumVirtualMapSize >= 1, "maximumVirtualMapSize must be positive, got %d", c.MaximumVirtualMapSize)
	check(c.VirtualMapWarningThreshold >= 0, "virtualMapWarningThreshold must not be negative, got %d", c.VirtualMapWarningThreshold)
	check(c.VirtualMapWarningThreshold == 0 || c.VirtualMapWarningInterval >= 1, "virtualMapWarningInterval must be positive if warnings are enabled")
	check(c.Hashing.IsValid(), "no hash algorithm configured")
	check(c.NumCleanerThreads >= 1, "numCleanerThreads must be positive, got %d", c.NumCleanerThreads)
	if len(errs) == 0 {
		return nil
	}
	res := errs[0]
	for _, err := range errs[1:] {
		res = errors.CombineErrors(res, err)
	}
	return errors.Wrap(res, "invalid configuration")
}

// hashThreads is the number of workers used for hashing.
func (c *Config) hashThreads(numCPU int) int {
	return max(1, c.PercentHashThreads*numCPU/100)
}

// LoadConfig reads a configuration from a JSON file. Options missing in the
// file retain their default values.
func LoadConfig(file string) (Config, error) {
	res := DefaultConfig()
	if err := utils.ReadJsonFileInto(file, &res); err != nil {
		return Config{}, errors.Wrapf(err, "failed to read configuration from %s", file)
	}
	return res, res.Validate()
}

// WriteConfig stores the given configuration in a JSON file.
func WriteConfig(file string, config Config) error {
	if err := utils.WriteJsonFile(file, config); err != nil {
		return errors.Wrapf(err, "failed to write configuration to %s", file)
	}
	return nil
}
