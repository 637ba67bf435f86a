// Package simconfig loads the simulation configuration enumerated in §6:
// cache geometry, address-home boundaries, and the core/process knobs a
// chip is built from.
//
// Styled after timing/latency.Config's LoadConfig/Validate/Default shape,
// but decoded from YAML via go.yaml.in/yaml/v3 instead of encoding/json:
// §9's design notes call out a real duplicate-key bug in the source
// configuration ("enable_syscall_modeling" and "enable_shared_mem"
// written under the same key twice) and require the replacement to error
// on duplicate keys, which only a yaml.Node-level decode can detect.
package simconfig

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/sarchlab/tilemosi/addrhome"
	"github.com/sarchlab/tilemosi/coherence"
)

// CacheGeometry configures one cache level's tag-array shape.
type CacheGeometry struct {
	CacheSize      int `yaml:"cache_size"`
	Associativity  int `yaml:"associativity"`
	MaxSearchDepth int `yaml:"max_search_depth"`
}

// Boundary is one address-home range, as parsed from configuration.
type Boundary struct {
	Base  uint64           `yaml:"base"`
	Limit uint64           `yaml:"limit"`
	Tile  coherence.TileID `yaml:"tile"`
}

// Config is the full simulation configuration of §6.
type Config struct {
	LineSize int `yaml:"line_size"`

	ICache CacheGeometry `yaml:"icache"`
	DCache CacheGeometry `yaml:"dcache"`

	ThresholdHit  int `yaml:"threshold_hit"`
	ThresholdMiss int `yaml:"threshold_miss"`

	TotalCores   int `yaml:"total_cores"`
	NumProcesses int `yaml:"num_processes"`

	EnableSharedMem      bool `yaml:"enable_shared_mem"`
	EnableDCacheModeling bool `yaml:"enable_dcache_modeling"`
	EnableICacheModeling bool `yaml:"enable_icache_modeling"`

	Boundaries []Boundary `yaml:"address_home_boundaries"`
}

// Default returns the built-in option values that Load starts from before
// decoding a file. It names no address-home boundaries, so it does not
// pass Validate until Boundaries is filled in.
func Default() *Config {
	return &Config{
		LineSize: 64,
		ICache:   CacheGeometry{CacheSize: 32 * 1024, Associativity: 4, MaxSearchDepth: 4},
		DCache:   CacheGeometry{CacheSize: 32 * 1024, Associativity: 8, MaxSearchDepth: 8},
		ThresholdHit:         1,
		ThresholdMiss:        1,
		TotalCores:           1,
		NumProcesses:         1,
		EnableSharedMem:      true,
		EnableDCacheModeling: true,
		EnableICacheModeling: true,
	}
}

// Load reads and validates a Config from a YAML file, rejecting
// duplicate keys at any mapping level.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("simconfig: read %s: %w", path, err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("simconfig: parse %s: %w", path, err)
	}
	if err := checkNoDuplicateKeys(&root); err != nil {
		return nil, fmt.Errorf("simconfig: %s: %w", path, err)
	}

	cfg := Default()
	if err := root.Decode(cfg); err != nil {
		return nil, fmt.Errorf("simconfig: decode %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("simconfig: %s: %w", path, err)
	}

	return cfg, nil
}

// checkNoDuplicateKeys walks a decoded yaml.Node document tree and errors
// on the first mapping key seen twice at the same level. yaml.Unmarshal
// into a plain struct silently lets the second occurrence win, which is
// exactly the class of bug §9 calls out.
func checkNoDuplicateKeys(node *yaml.Node) error {
	if node.Kind == yaml.DocumentNode {
		for _, c := range node.Content {
			if err := checkNoDuplicateKeys(c); err != nil {
				return err
			}
		}
		return nil
	}

	if node.Kind == yaml.MappingNode {
		seen := make(map[string]bool, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			if seen[key.Value] {
				return fmt.Errorf("duplicate key %q at line %d", key.Value, key.Line)
			}
			seen[key.Value] = true
			if err := checkNoDuplicateKeys(node.Content[i+1]); err != nil {
				return err
			}
		}
		return nil
	}

	if node.Kind == yaml.SequenceNode {
		for _, c := range node.Content {
			if err := checkNoDuplicateKeys(c); err != nil {
				return err
			}
		}
	}

	return nil
}

// Validate checks the configuration's invariants, per §7's "bad
// boundaries, zero/non-power-of-two line size: fatal at init".
func (c *Config) Validate() error {
	if c.LineSize <= 0 || c.LineSize&(c.LineSize-1) != 0 {
		return fmt.Errorf("line_size %d must be a power of two", c.LineSize)
	}
	if c.TotalCores <= 0 {
		return fmt.Errorf("total_cores must be > 0")
	}
	if len(c.Boundaries) == 0 {
		return fmt.Errorf("address_home_boundaries must not be empty")
	}
	if _, err := c.HomeTable(); err != nil {
		return err
	}
	return nil
}

// HomeTable builds the address-home lookup table described by the
// configuration's boundary list.
func (c *Config) HomeTable() (*addrhome.Table, error) {
	bounds := make([]addrhome.Bound, len(c.Boundaries))
	for i, b := range c.Boundaries {
		bounds[i] = addrhome.Bound{Base: b.Base, Limit: b.Limit, Tile: b.Tile}
	}
	return addrhome.NewTable(bounds)
}

// TileIDs returns the distinct tile IDs named by the boundary list, in
// the order they first appear.
func (c *Config) TileIDs() []coherence.TileID {
	seen := make(map[coherence.TileID]bool)
	var ids []coherence.TileID
	for _, b := range c.Boundaries {
		if !seen[b.Tile] {
			seen[b.Tile] = true
			ids = append(ids, b.Tile)
		}
	}
	return ids
}
