package exchange

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
)

// Config collects the run-level knobs of the exchange engine. It is
// loaded from the simulation's YAML input alongside the physics
// parameters.
type Config struct {
	// DeviceMode is the OCCA backend selector, e.g. "CUDA", "OpenMP",
	// "Serial", or "auto" to probe backends in preference order. Empty
	// runs the engine host-only.
	DeviceMode string `json:"deviceMode"`

	// Epsilon is the additive-merge guard threshold of the reverse
	// pass. Zero selects the engine default of 1e-6.
	Epsilon float64 `json:"epsilon"`

	// RedistEvery is the step interval of the redistribution pass.
	RedistEvery int `json:"redistEvery"`

	RankGrid [3]int     `json:"rankGrid"`
	Periodic [3]bool    `json:"periodic"`
	Domain   [3]float64 `json:"domain"`
}

// DefaultConfig returns a single-rank host-only configuration.
func DefaultConfig() Config {
	return Config{
		RedistEvery: 10,
		RankGrid:    [3]int{1, 1, 1},
		Domain:      [3]float64{1, 1, 1},
	}
}

// Validate reports configuration errors up front rather than letting
// them surface mid-run.
func (c *Config) Validate() error {
	for ax := 0; ax < 3; ax++ {
		if c.RankGrid[ax] < 1 {
			return fmt.Errorf("exchange: rank grid axis %d is %d", ax, c.RankGrid[ax])
		}
		if c.Domain[ax] <= 0 {
			return fmt.Errorf("exchange: domain extent axis %d is %g", ax, c.Domain[ax])
		}
	}
	if c.Epsilon < 0 {
		return fmt.Errorf("exchange: negative epsilon %g", c.Epsilon)
	}
	if c.RedistEvery < 1 {
		return fmt.Errorf("exchange: redistribution interval %d", c.RedistEvery)
	}
	return nil
}

// LoadConfig reads a YAML configuration file, filling unset fields from
// the defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("exchange: reading config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config bytes.
func ParseConfig(data []byte) (Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("exchange: parsing config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Marshal encodes the configuration back to YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
