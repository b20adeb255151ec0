package timeline

import (
	"fmt"
	"time"
)

// Preset selects how aggressively a query trades completeness for latency.
// The set is closed so an unknown preset cannot exist at runtime.
type Preset int

const (
	// PresetDefault balances latency and completeness for general feeds.
	PresetDefault Preset = iota
	// PresetDiscovery favors fast first paint on explore-style screens.
	PresetDiscovery
	// PresetChatJoin shows a chat room as soon as any relay answers.
	PresetChatJoin
	// PresetProfile loads a single author's events.
	PresetProfile
	// PresetZapReceipts waits for at least two relays so totals aren't wildly off.
	PresetZapReceipts
	// PresetExhaustive waits for broad coverage, e.g. export or audit views.
	PresetExhaustive
)

// PresetConfig holds the timing policy for one preset. EoseTimeout is the
// settle delay after useful EOSE progress, MaxWait the hard ceiling from
// request start, MinRelaysBeforeTimeout the number of sub-queries that must
// report EOSE before the settle timer may fire.
type PresetConfig struct {
	EoseTimeout            time.Duration
	MaxWait                time.Duration
	MinRelaysBeforeTimeout int
}

// The values are part of the engine's contract; callers hardcode expectations
// around them. Do not tune without revisiting every consumer.
var presetConfigs = map[Preset]PresetConfig{
	PresetDiscovery:   {EoseTimeout: 500 * time.Millisecond, MaxWait: 3000 * time.Millisecond, MinRelaysBeforeTimeout: 1},
	PresetChatJoin:    {EoseTimeout: 300 * time.Millisecond, MaxWait: 2000 * time.Millisecond, MinRelaysBeforeTimeout: 1},
	PresetProfile:     {EoseTimeout: 400 * time.Millisecond, MaxWait: 2500 * time.Millisecond, MinRelaysBeforeTimeout: 1},
	PresetZapReceipts: {EoseTimeout: 600 * time.Millisecond, MaxWait: 4000 * time.Millisecond, MinRelaysBeforeTimeout: 2},
	PresetExhaustive:  {EoseTimeout: 1500 * time.Millisecond, MaxWait: 10000 * time.Millisecond, MinRelaysBeforeTimeout: 3},
	PresetDefault:     {EoseTimeout: 800 * time.Millisecond, MaxWait: 5000 * time.Millisecond, MinRelaysBeforeTimeout: 1},
}

// Config returns the timing policy for the preset.
func (p Preset) Config() PresetConfig {
	if cfg, ok := presetConfigs[p]; ok {
		return cfg
	}
	return presetConfigs[PresetDefault]
}

// GetPresetConfig is an alias for Config kept for callers that prefer the
// lookup form.
func GetPresetConfig(p Preset) PresetConfig {
	return p.Config()
}

func (p Preset) String() string {
	switch p {
	case PresetDiscovery:
		return "discovery"
	case PresetChatJoin:
		return "chat_join"
	case PresetProfile:
		return "profile"
	case PresetZapReceipts:
		return "zap_receipts"
	case PresetExhaustive:
		return "exhaustive"
	default:
		return "default"
	}
}

// ParsePreset maps a preset name (as used by config files and the CLI) back
// to its Preset value.
func ParsePreset(name string) (Preset, error) {
	switch name {
	case "discovery":
		return PresetDiscovery, nil
	case "chat_join":
		return PresetChatJoin, nil
	case "profile":
		return PresetProfile, nil
	case "zap_receipts":
		return PresetZapReceipts, nil
	case "exhaustive":
		return PresetExhaustive, nil
	case "default", "":
		return PresetDefault, nil
	}
	return PresetDefault, fmt.Errorf("unknown preset %q", name)
}
