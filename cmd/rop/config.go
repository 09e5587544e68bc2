package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/benbjohnson/rop"
)

// Config holds defaults for loading binaries and searching. Command line
// flags override any value set here.
type Config struct {
	Mode      int           `yaml:"mode"`       // processor mode for raw input
	Base      uint64        `yaml:"base"`       // load address for raw input
	BadBytes  []string      `yaml:"bad-bytes"`  // hex bytes, e.g. "0a"
	Keep      []string      `yaml:"keep"`       // registers to preserve
	Budget    int           `yaml:"budget"`     // maximum chain length
	MaxDepth  int           `yaml:"max-depth"`  // maximum recursion depth
	BucketCap int           `yaml:"bucket-cap"` // gadgets kept per index bucket
	Format    string        `yaml:"format"`
	Oracle    bool          `yaml:"oracle"` // verify matches with z3
	Timeout   time.Duration `yaml:"timeout"`
	Workers   int           `yaml:"workers"`
}

// NewConfig returns a configuration with default values.
func NewConfig() *Config {
	return &Config{
		Mode:      64,
		Budget:    rop.DefaultMaxLen,
		MaxDepth:  rop.DefaultMaxDepth,
		BucketCap: rop.DefaultBucketCap,
		Format:    "console",
		Timeout:   rop.DefaultOracleTimeout,
	}
}

// ReadConfigFile reads the YAML configuration at path over the defaults.
// An empty path returns the defaults.
func ReadConfigFile(path string) (*Config, error) {
	config := NewConfig()
	if path == "" {
		return config, nil
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	} else if err := yaml.Unmarshal(buf, config); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return config, config.Validate()
}

// Validate returns an error if a value is out of range.
func (c *Config) Validate() error {
	if c.Mode != 32 && c.Mode != 64 {
		return errors.Errorf("invalid mode: %d", c.Mode)
	} else if c.Budget < 0 {
		return errors.Errorf("invalid budget: %d", c.Budget)
	} else if c.MaxDepth < 0 {
		return errors.Errorf("invalid max depth: %d", c.MaxDepth)
	} else if c.BucketCap <= 0 {
		return errors.Errorf("invalid bucket cap: %d", c.BucketCap)
	}
	_, err := ParseBadBytes(c.BadBytes)
	return err
}

// ParseBadBytes parses hex byte values. Each element may hold several
// comma separated values.
func ParseBadBytes(a []string) (mapset.Set[byte], error) {
	set := mapset.NewSet[byte]()
	for _, s := range a {
		for _, field := range strings.Split(s, ",") {
			field = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(field)), "0x")
			if field == "" {
				continue
			}
			v, err := strconv.ParseUint(field, 16, 8)
			if err != nil {
				return nil, errors.Errorf("invalid bad byte: %q", field)
			}
			set.Add(byte(v))
		}
	}
	return set, nil
}

// Constraints returns search constraints for arch.
func (c *Config) Constraints(arch *rop.Architecture, requireRet, safeMem bool) (rop.Constraints, error) {
	badBytes, err := ParseBadBytes(c.BadBytes)
	if err != nil {
		return rop.Constraints{}, err
	}

	var keep []uint32
	for _, name := range c.Keep {
		id, err := arch.RegID(name)
		if err != nil {
			return rop.Constraints{}, err
		}
		keep = append(keep, id)
	}

	return rop.Constraints{
		BadBytes:   badBytes,
		Keep:       keep,
		RequireRet: requireRet,
		SafeMemory: safeMem,
	}, nil
}
