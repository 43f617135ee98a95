package strategy

import (
	"errors"
	"time"
)

// Params enumerates the tunables of one strategy. Unknown keys in the
// source document are kept in Extra so newer configs survive a round trip
// through older binaries.
type Params struct {
	MinFundingRate    float64        `yaml:"min_funding_rate" json:"min_funding_rate"`
	MinVolume24h      float64        `yaml:"min_volume_24h" json:"min_volume_24h"`
	RotationThreshold float64        `yaml:"rotation_threshold" json:"rotation_threshold"`
	RotationPeriods   int            `yaml:"rotation_periods" json:"rotation_periods"`
	ExitThreshold     float64        `yaml:"exit_threshold" json:"exit_threshold"`
	AllocationPct     float64        `yaml:"allocation_pct" json:"allocation_pct"`
	MaxPositions      int            `yaml:"max_positions" json:"max_positions"`
	UseOracle         bool           `yaml:"use_oracle" json:"use_oracle"`
	ScanInterval      time.Duration  `yaml:"scan_interval" json:"scan_interval"`
	Extra             map[string]any `yaml:",inline" json:"extra,omitempty"`
}

func Defaults() Params {
	return Params{
		MinFundingRate:    0.0001,
		MinVolume24h:      5_000_000,
		RotationThreshold: 0.0003,
		RotationPeriods:   3,
		ExitThreshold:     0.00002,
		AllocationPct:     0.2,
		MaxPositions:      3,
		ScanInterval:      5 * time.Minute,
	}
}

// WithDefaults fills zero-valued fields from Defaults.
func (p Params) WithDefaults() Params {
	d := Defaults()
	if p.MinFundingRate == 0 {
		p.MinFundingRate = d.MinFundingRate
	}
	if p.MinVolume24h == 0 {
		p.MinVolume24h = d.MinVolume24h
	}
	if p.RotationThreshold == 0 {
		p.RotationThreshold = d.RotationThreshold
	}
	if p.RotationPeriods == 0 {
		p.RotationPeriods = d.RotationPeriods
	}
	if p.ExitThreshold == 0 {
		p.ExitThreshold = d.ExitThreshold
	}
	if p.AllocationPct == 0 {
		p.AllocationPct = d.AllocationPct
	}
	if p.MaxPositions == 0 {
		p.MaxPositions = d.MaxPositions
	}
	if p.ScanInterval == 0 {
		p.ScanInterval = d.ScanInterval
	}
	return p
}

func (p Params) Validate() error {
	if p.MinFundingRate <= 0 {
		return errors.New("min_funding_rate must be > 0")
	}
	if p.ExitThreshold > p.MinFundingRate {
		return errors.New("exit_threshold must be <= min_funding_rate")
	}
	if p.AllocationPct <= 0 || p.AllocationPct > 1 {
		return errors.New("allocation_pct must be in (0, 1]")
	}
	if p.MaxPositions < 1 {
		return errors.New("max_positions must be >= 1")
	}
	if p.ScanInterval < time.Second {
		return errors.New("scan_interval must be >= 1s")
	}
	if p.RotationThreshold < 0 {
		return errors.New("rotation_threshold must be >= 0")
	}
	return nil
}

type Config struct {
	Name    string    `yaml:"name" json:"name"`
	Active  bool      `yaml:"active" json:"active"`
	Params  Params    `yaml:"params" json:"params"`
	LastRun time.Time `yaml:"-" json:"last_run"`
}

// Due reports whether the strategy should run a cycle at now.
func (c Config) Due(now time.Time) bool {
	if !c.Active {
		return false
	}
	if c.LastRun.IsZero() {
		return true
	}
	return now.Sub(c.LastRun) >= c.Params.ScanInterval
}
