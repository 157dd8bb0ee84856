package hyperlight

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andreiltd/hyperlight/hypervisor"
	"github.com/andreiltd/hyperlight/mem"
)

// Config controls one sandbox. The zero value is usable; Load and the
// With* options fill it in.
type Config struct {
	// Backend names the virtualization backend: auto, kvm, mshv or whp.
	// In-process binaries ignore it and always run on the fake backend.
	Backend string `yaml:"backend"`

	// Memory sizes the guest regions.
	Memory mem.LayoutConfig `yaml:"memory"`

	// CallTimeout bounds each guest call. Zero means no timeout; the call's
	// context still applies.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// MaxHostCalls bounds guest-initiated host calls within one dispatch, as
	// a guard against a guest stuck in a call loop.
	MaxHostCalls int `yaml:"max_host_calls"`

	// CompressSnapshots selects LZ4 compression for the restore snapshot a
	// MultiUse sandbox keeps.
	CompressSnapshots bool `yaml:"compress_snapshots"`

	// Seed fixes the random seed handed to the guest. Zero draws a fresh
	// one per sandbox.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns the configuration used when no overrides are given.
func DefaultConfig() Config {
	return Config{
		Backend:           "auto",
		CallTimeout:       30 * time.Second,
		MaxHostCalls:      1000,
		CompressSnapshots: true,
	}
}

// LoadConfig reads a YAML configuration file, applying defaults for absent
// fields.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("hyperlight: reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, &ConfigError{Reason: fmt.Sprintf("parsing %s: %v", path, err)}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := c.backend(); err != nil {
		return err
	}
	if c.CallTimeout < 0 {
		return &ConfigError{Reason: "call_timeout is negative"}
	}
	if c.MaxHostCalls < 0 {
		return &ConfigError{Reason: "max_host_calls is negative"}
	}
	return nil
}

func (c *Config) backend() (hypervisor.Backend, error) {
	switch c.Backend {
	case "", "auto":
		return hypervisor.BackendAuto, nil
	case "kvm":
		return hypervisor.BackendKVM, nil
	case "mshv":
		return hypervisor.BackendMSHV, nil
	case "whp":
		return hypervisor.BackendWHP, nil
	default:
		return 0, &ConfigError{Reason: fmt.Sprintf("unknown backend %q", c.Backend)}
	}
}
